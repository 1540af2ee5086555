package pairsignal

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/mentorlink/pairsignal/pkg/logger"
	"github.com/mentorlink/pairsignal/pkg/peer"
)

var log = logger.GetLogger().WithName("signal")

// RootConfig is the root config read in from config.toml
type RootConfig struct {
	Signal  SignalConfig  `mapstructure:"signal"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Storage StorageConfig `mapstructure:"storage"`
	Peer    peer.Config   `mapstructure:"peer"`
	Log     logger.Config `mapstructure:"log"`
}

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() RootConfig {
	return RootConfig{
		Signal: SignalConfig{
			HTTPAddr:  ":7000",
			FQDN:      "localhost",
			QueueSize: defaultQueueSize,
		},
		Chat: ChatConfig{
			StoreTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Peer: peer.Config{
			NegotiationTimeout: peer.DefaultNegotiationTimeout,
			Debounce:           peer.DefaultDebounce,
		},
		Log: logger.Config{
			Level: "info",
		},
	}
}

// Endpoint public endpoint to hit
func (c *RootConfig) Endpoint() string {
	port := "80"
	if i := strings.LastIndex(c.Signal.HTTPAddr, ":"); i >= 0 {
		port = c.Signal.HTTPAddr[i+1:]
	}

	if c.Signal.Key != "" && c.Signal.Cert != "" {
		return fmt.Sprintf("wss://%v:%v", c.Signal.FQDN, port)
	}
	return fmt.Sprintf("ws://%v:%v", c.Signal.FQDN, port)
}

// SignalConfig params for the http listener / websocket server
type SignalConfig struct {
	FQDN     string     `mapstructure:"fqdn"`
	Key      string     `mapstructure:"key"`
	Cert     string     `mapstructure:"cert"`
	HTTPAddr string     `mapstructure:"httpaddr"`
	Auth     AuthConfig `mapstructure:"auth"`
	// QueueSize bounds the outbound events buffered per connection.
	QueueSize int `mapstructure:"queuesize"`
}

// AuthConfig params for JWT token authentication
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	KeyType string `mapstructure:"keytype"`
}

func (a AuthConfig) keyFunc(t *jwt.Token) (interface{}, error) {
	switch a.KeyType {
	case "", "HMAC", "hmac":
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", errTokenMethodInvalid, t.Header["alg"])
		}
		return []byte(a.Key), nil
	default:
		return nil, fmt.Errorf("%w: %s", errKeyTypeUnsupported, a.KeyType)
	}
}

// ChatConfig params for the chat relay
type ChatConfig struct {
	Auth AuthConfig `mapstructure:"auth"`
	// Upstream, when set, proxies /chat to an external relay instead of serving it here.
	Upstream     string        `mapstructure:"upstream"`
	StoreTimeout time.Duration `mapstructure:"storetimeout"`
}

// StorageConfig selects the chat storage backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}
