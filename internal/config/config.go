// Package config handles loading and validation of agent configuration
// from environment variables and an optional config file.
package config

import (
	"fmt"
	"time"

	"github.com/keshavkumarhembram/preevy/pkg/sshtunnel"
)

// Configuration defaults.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultStatusPort        = 8080
	DefaultDebounceInterval  = 500 * time.Millisecond
	DefaultResyncInterval    = 0
	DefaultBindHost          = "0.0.0.0"
	DefaultConnectTimeout    = sshtunnel.DefaultConnectTimeout
	DefaultOpTimeout         = sshtunnel.DefaultOpTimeout
	DefaultKeepaliveInterval = sshtunnel.DefaultKeepaliveInterval
	DefaultMaxConcurrentOps  = sshtunnel.DefaultMaxConcurrentOps
	DefaultReconnectMinDelay = sshtunnel.DefaultReconnectMinDelay
	DefaultReconnectMaxDelay = sshtunnel.DefaultReconnectMaxDelay
)

// Config holds the complete agent configuration. All settings come from
// PREEVY_* environment variables, optionally seeded from a config file
// named by PREEVY_CONFIG_FILE; env vars always win.
type Config struct {
	// Logging configuration
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text

	// Docker connection. Empty DockerHost uses the SDK's environment
	// defaults (DOCKER_HOST or the local socket).
	DockerHost     string
	ComposeProject string // Limit to one compose project; empty = all containers

	// SSH endpoint and credentials
	Endpoint           Endpoint
	PrivateKey         []byte // PEM-encoded client key
	Passphrase         string // Key passphrase, if encrypted
	ServerKeys         string // Pinned host keys, authorized_keys lines
	InsecureSkipVerify bool   // Accept any host key; testing only
	TLSServerName      string // SNI override for ssh+tls endpoints

	// SSH tuning
	ConnectTimeout    time.Duration
	OpTimeout         time.Duration
	KeepaliveInterval time.Duration
	MaxConcurrentOps  int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// Reconciliation
	DebounceInterval time.Duration // Quiet period after Docker events
	ResyncInterval   time.Duration // Periodic full resync; 0 disables
	BindHost         string        // Remote listen host for tunnels

	// Status server
	StatusPort int

	// CheckOnly runs the connection preflight and exits.
	CheckOnly bool
}

// SSHConfig builds the tunnel client configuration from the loaded
// settings. Pinned server keys are parsed here so a malformed pin
// surfaces before the first dial.
func (c *Config) SSHConfig() (*sshtunnel.Config, error) {
	cfg := &sshtunnel.Config{
		Host:               c.Endpoint.Host,
		Port:               c.Endpoint.Port,
		User:               c.Endpoint.User,
		PrivateKey:         c.PrivateKey,
		Passphrase:         c.Passphrase,
		InsecureSkipVerify: c.InsecureSkipVerify,
		TLS:                c.Endpoint.TLS,
		TLSServerName:      c.TLSServerName,
		ConnectTimeout:     c.ConnectTimeout,
		OpTimeout:          c.OpTimeout,
		KeepaliveInterval:  c.KeepaliveInterval,
		MaxConcurrentOps:   int64(c.MaxConcurrentOps),
		ReconnectMinDelay:  c.ReconnectMinDelay,
		ReconnectMaxDelay:  c.ReconnectMaxDelay,
	}

	if c.ServerKeys != "" {
		keys, err := sshtunnel.ParseKnownKeys([]byte(c.ServerKeys))
		if err != nil {
			return nil, fmt.Errorf("parsing pinned server keys: %w", err)
		}
		cfg.ServerKeys = keys
	}

	return cfg, nil
}
