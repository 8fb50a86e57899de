// Package sshtunnel maintains remote port-forward tunnels over a single
// persistent SSH connection.
//
// A Client multiplexes every tunnel over one connection to the tunnel
// server, keeps that connection alive with keepalives, and re-establishes
// it with exponential backoff when it drops. Tunnel open/close operations
// are idempotent and bounded in parallelism, so a reconciler can fan them
// out without tracking in-flight work.
//
// Key features:
//   - Single multiplexed SSH connection per client
//   - Remote forwards proxied to local service addresses
//   - Pinned host key verification (authorized_keys format)
//   - Optional TLS-wrapped transport for ssh-over-tls servers
//   - One-shot connection checking for preflight diagnostics
package sshtunnel

import (
	"fmt"
	"strings"
	"time"
)

// Default client configuration values.
const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22

	// DefaultConnectTimeout is the default dial and handshake timeout.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultKeepaliveInterval is the default SSH keepalive interval.
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultOpTimeout is the default timeout for a single tunnel
	// open or close operation.
	DefaultOpTimeout = 10 * time.Second

	// DefaultMaxConcurrentOps bounds parallel tunnel operations.
	DefaultMaxConcurrentOps = 8

	// DefaultReconnectMinDelay is the initial reconnect backoff delay.
	DefaultReconnectMinDelay = time.Second

	// DefaultReconnectMaxDelay caps the reconnect backoff delay.
	DefaultReconnectMaxDelay = time.Minute
)

// Config holds SSH tunnel client configuration.
type Config struct {
	// Host is the tunnel server hostname or IP address (required).
	Host string

	// Port is the tunnel server port (default: 22).
	Port int

	// User is the SSH username presented to the tunnel server (required).
	User string

	// PrivateKey is the PEM-encoded SSH private key used for
	// authentication (required). Key-based auth is the only supported
	// method.
	PrivateKey []byte

	// Passphrase decrypts PrivateKey when it is encrypted (optional).
	Passphrase string

	// ServerKeys holds the pinned server host keys. A presented host key
	// must be in this set unless InsecureSkipVerify is set.
	ServerKeys *KnownKeys

	// InsecureSkipVerify accepts any server host key while ServerKeys is
	// empty; a non-empty pinned set is always enforced. When TLS is
	// enabled it also disables TLS certificate verification.
	// WARNING: only for testing or trusted internal networks.
	InsecureSkipVerify bool

	// TLS wraps the TCP connection in TLS before the SSH handshake,
	// for tunnel servers that listen behind a TLS terminator.
	TLS bool

	// TLSServerName overrides the SNI server name for the TLS layer.
	// Defaults to Host.
	TLSServerName string

	// ConnectTimeout bounds the dial and handshake (default: 30s).
	ConnectTimeout time.Duration

	// OpTimeout bounds each tunnel open/close operation (default: 10s).
	OpTimeout time.Duration

	// KeepaliveInterval is the interval for SSH keepalive messages
	// (default: 15s).
	KeepaliveInterval time.Duration

	// MaxConcurrentOps bounds parallel tunnel operations (default: 8).
	MaxConcurrentOps int64

	// ReconnectMinDelay is the initial delay between reconnect attempts
	// (default: 1s). Subsequent delays grow exponentially with jitter.
	ReconnectMinDelay time.Duration

	// ReconnectMaxDelay caps the delay between reconnect attempts
	// (default: 60s).
	ReconnectMaxDelay time.Duration
}

// Validate checks that all required configuration is present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Host == "" {
		errs = append(errs, "host is required")
	}

	if c.User == "" {
		errs = append(errs, "user is required")
	}

	if len(c.PrivateKey) == 0 {
		errs = append(errs, "private key is required")
	}

	if (c.ServerKeys == nil || c.ServerKeys.Len() == 0) && !c.InsecureSkipVerify {
		errs = append(errs, "at least one server host key is required unless insecure skip verify is set")
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}

	if c.ConnectTimeout < 0 {
		errs = append(errs, "connect_timeout must be non-negative")
	}

	if c.OpTimeout < 0 {
		errs = append(errs, "op_timeout must be non-negative")
	}

	if c.KeepaliveInterval < 0 {
		errs = append(errs, "keepalive_interval must be non-negative")
	}

	if c.MaxConcurrentOps < 0 {
		errs = append(errs, "max_concurrent_ops must be non-negative")
	}

	if c.ReconnectMinDelay < 0 || c.ReconnectMaxDelay < 0 {
		errs = append(errs, "reconnect delays must be non-negative")
	}

	if c.ReconnectMinDelay > 0 && c.ReconnectMaxDelay > 0 && c.ReconnectMinDelay > c.ReconnectMaxDelay {
		errs = append(errs, "reconnect_min_delay must not exceed reconnect_max_delay")
	}

	if len(errs) > 0 {
		return fmt.Errorf("ssh tunnel config validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Address returns the tunnel server address in host:port format.
func (c *Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// GetConnectTimeout returns the configured connect timeout or the default.
func (c *Config) GetConnectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// GetOpTimeout returns the configured operation timeout or the default.
func (c *Config) GetOpTimeout() time.Duration {
	if c.OpTimeout > 0 {
		return c.OpTimeout
	}
	return DefaultOpTimeout
}

// GetKeepaliveInterval returns the configured keepalive interval or the default.
func (c *Config) GetKeepaliveInterval() time.Duration {
	if c.KeepaliveInterval > 0 {
		return c.KeepaliveInterval
	}
	return DefaultKeepaliveInterval
}

// GetMaxConcurrentOps returns the configured operation bound or the default.
func (c *Config) GetMaxConcurrentOps() int64 {
	if c.MaxConcurrentOps > 0 {
		return c.MaxConcurrentOps
	}
	return DefaultMaxConcurrentOps
}

// GetReconnectMinDelay returns the initial reconnect delay or the default.
func (c *Config) GetReconnectMinDelay() time.Duration {
	if c.ReconnectMinDelay > 0 {
		return c.ReconnectMinDelay
	}
	return DefaultReconnectMinDelay
}

// GetReconnectMaxDelay returns the reconnect delay cap or the default.
func (c *Config) GetReconnectMaxDelay() time.Duration {
	if c.ReconnectMaxDelay > 0 {
		return c.ReconnectMaxDelay
	}
	return DefaultReconnectMaxDelay
}

// ServerName returns the TLS server name, falling back to Host.
func (c *Config) ServerName() string {
	if c.TLSServerName != "" {
		return c.TLSServerName
	}
	return c.Host
}
