package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/keshavkumarhembram/preevy/pkg/sshtunnel"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration error: %s", e.Errors[0])
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// validateConfig checks the merged configuration. Error messages name
// the environment variable that controls each setting.
func validateConfig(cfg *Config) []string {
	var errs []string

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("PREEVY_LOG_LEVEL: invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel))
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("PREEVY_LOG_FORMAT: invalid value %q (must be json or text)", cfg.LogFormat))
	}

	if cfg.Endpoint.Host == "" {
		errs = append(errs, "PREEVY_SSH_URL: endpoint is required")
	} else if cfg.Endpoint.Port < 1 || cfg.Endpoint.Port > 65535 {
		errs = append(errs, fmt.Sprintf("PREEVY_SSH_URL: port must be between 1 and 65535, got %d", cfg.Endpoint.Port))
	}

	if cfg.Endpoint.User == "" {
		errs = append(errs, "PREEVY_SSH_USER: user is required (in the URL or via PREEVY_SSH_USER)")
	}

	if len(cfg.PrivateKey) == 0 {
		errs = append(errs, "PREEVY_SSH_PRIVATE_KEY: private key is required (set PREEVY_SSH_PRIVATE_KEY or PREEVY_SSH_PRIVATE_KEY_FILE)")
	}

	if cfg.ServerKeys != "" {
		if _, err := sshtunnel.ParseKnownKeys([]byte(cfg.ServerKeys)); err != nil {
			errs = append(errs, "PREEVY_SSH_SERVER_KEYS: "+err.Error())
		}
	}

	if cfg.MaxConcurrentOps < 1 {
		errs = append(errs, fmt.Sprintf("PREEVY_SSH_MAX_CONCURRENT_OPS: must be at least 1, got %d", cfg.MaxConcurrentOps))
	}

	if cfg.ReconnectMinDelay > cfg.ReconnectMaxDelay {
		errs = append(errs, "PREEVY_SSH_RECONNECT_MIN_DELAY: must not exceed PREEVY_SSH_RECONNECT_MAX_DELAY")
	}

	if cfg.DebounceInterval < 10*time.Millisecond {
		errs = append(errs, "PREEVY_DEBOUNCE_INTERVAL: must be at least 10ms")
	}

	if cfg.ResyncInterval != 0 && cfg.ResyncInterval < time.Second {
		errs = append(errs, "PREEVY_RESYNC_INTERVAL: must be 0 (disabled) or at least 1s")
	}

	if cfg.StatusPort < 1 || cfg.StatusPort > 65535 {
		errs = append(errs, fmt.Sprintf("PREEVY_STATUS_PORT: must be between 1 and 65535, got %d", cfg.StatusPort))
	}

	return errs
}
