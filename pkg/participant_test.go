package pairsignal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	methods []string
}

func (n *recordingNotifier) Notify(ctx context.Context, method string, params interface{}, opts ...jsonrpc2.CallOption) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.methods = append(n.methods, method)
	return nil
}

func (n *recordingNotifier) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func TestParticipantQueue(t *testing.T) {
	p := newParticipant("alice", 2)
	require.Equal(t, StateConnected, p.State())

	require.True(t, p.Send("one", nil))
	require.True(t, p.Send("two", nil))
	// full queue drops instead of blocking
	require.False(t, p.Send("three", nil))

	n := &recordingNotifier{}
	go p.pump(context.Background(), n)
	require.Eventually(t, func() bool {
		return len(n.received()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"one", "two"}, n.received())

	require.True(t, p.close())
	require.False(t, p.close())
	require.Equal(t, StateDisconnected, p.State())
	require.False(t, p.Send("late", nil))
}

func TestParticipantRoomState(t *testing.T) {
	p := newParticipant("alice", 0)
	_, ok := p.Room()
	require.False(t, ok)

	p.setRoom("abc123")
	room, ok := p.Room()
	require.True(t, ok)
	require.EqualValues(t, "abc123", room)
	require.Equal(t, StateJoined, p.State())

	p.close()
	p.clearRoom()
	p.setRoom("other")
	_, ok = p.Room()
	require.False(t, ok)
	require.Equal(t, "disconnected", p.State().String())
}
