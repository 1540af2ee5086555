package pairsignal

import (
	"sync"

	"github.com/elliotchance/orderedmap"
	"github.com/mentorlink/pairsignal/pkg/types"
)

// Registry tracks which participants belong to which room. A room exists from its
// first join until its last member leaves; empty rooms are never retained.
//
// One Registry is constructed per server component and handed to it; the signaling
// server and the chat relay each own their own instance.
type Registry struct {
	mu sync.RWMutex
	// [room]PeerID -> *Participant, in join order
	rooms map[types.SessionID]*orderedmap.OrderedMap
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[types.SessionID]*orderedmap.OrderedMap),
	}
}

// Join adds p to room, creating the room if needed, and returns the member count
// including p.
func (r *Registry) Join(room types.SessionID, p *Participant) int {
	count, _ := r.Enter(room, p)
	return count
}

// Enter is Join that also returns the members that were present before p, taken in
// the same critical section so that every pair of concurrent joiners agrees on who
// came first.
func (r *Registry) Enter(room types.SessionID, p *Participant) (int, []*Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = orderedmap.NewOrderedMap()
		r.rooms[room] = members
		prometheusGaugeRooms.Inc()
	}

	others := snapshot(members, p.ID())
	members.Set(p.ID(), p)
	return members.Len(), others
}

// Leave removes p from room. It is a no-op when the room or the participant is
// already gone.
func (r *Registry) Leave(room types.SessionID, p *Participant) {
	r.Exit(room, p)
}

// Exit is Leave that also returns the remaining members and whether p was removed.
func (r *Registry) Exit(room types.SessionID, p *Participant) ([]*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, false
	}

	cur, ok := members.Get(p.ID())
	if !ok || cur.(*Participant) != p {
		return snapshot(members, ""), false
	}
	members.Delete(p.ID())

	if members.Len() == 0 {
		delete(r.rooms, room)
		prometheusGaugeRooms.Dec()
		return nil, true
	}
	return snapshot(members, ""), true
}

// Members returns a snapshot of the room in join order, without exclude. The slice
// is owned by the caller; later joins and leaves do not affect it.
func (r *Registry) Members(room types.SessionID, exclude types.PeerID) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return snapshot(members, exclude)
}

// Member looks up a single participant of a room.
func (r *Registry) Member(room types.SessionID, id types.PeerID) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	v, ok := members.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Participant), true
}

// Count returns the number of members of room, 0 if it does not exist.
func (r *Registry) Count(room types.SessionID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if members, ok := r.rooms[room]; ok {
		return members.Len()
	}
	return 0
}

// Has reports whether room currently exists.
func (r *Registry) Has(room types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// must hold r.mu
func snapshot(members *orderedmap.OrderedMap, exclude types.PeerID) []*Participant {
	out := make([]*Participant, 0, members.Len())
	for _, k := range members.Keys() {
		if k.(types.PeerID) == exclude {
			continue
		}
		v, _ := members.Get(k)
		out = append(out, v.(*Participant))
	}
	return out
}
