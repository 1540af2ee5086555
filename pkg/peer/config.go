package peer

import (
	"time"

	"github.com/mentorlink/pairsignal/pkg/types"
	"github.com/pion/webrtc/v3"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultDebounce           = 300 * time.Millisecond
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DataChannelLabel          = "pairsignal"
)

// Config for the peer session orchestrator, read from the [peer] section.
type Config struct {
	ICEServers []types.ICEServer `mapstructure:"iceserver"`
	// ForceRelay restricts ICE to TURN candidates.
	ForceRelay bool `mapstructure:"forcerelay"`
	// NegotiationTimeout bounds how long a link may take to connect before it is dropped.
	NegotiationTimeout time.Duration `mapstructure:"negotiationtimeout"`
	// Debounce coalesces local edits into one code message.
	Debounce time.Duration `mapstructure:"debounce"`
}

// ICEServerList returns the configured ICE servers, falling back to one public STUN server.
func (c Config) ICEServerList() []types.ICEServer {
	if len(c.ICEServers) == 0 {
		return []types.ICEServer{{URLs: []string{DefaultSTUN}}}
	}
	return c.ICEServers
}

func (c Config) negotiationTimeout() time.Duration {
	if c.NegotiationTimeout <= 0 {
		return DefaultNegotiationTimeout
	}
	return c.NegotiationTimeout
}

func (c Config) debounce() time.Duration {
	if c.Debounce <= 0 {
		return DefaultDebounce
	}
	return c.Debounce
}

// WebRTCConfiguration converts the config into a pion configuration.
func (c Config) WebRTCConfiguration() webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	hasTURN := false
	for _, s := range c.ICEServerList() {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
		if s.Username != "" || s.Credential != "" {
			hasTURN = true
		}
	}

	policy := webrtc.ICETransportPolicyAll
	if c.ForceRelay && hasTURN {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}
