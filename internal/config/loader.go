package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load builds the agent configuration: defaults, then the optional
// config file named by PREEVY_CONFIG_FILE, then PREEVY_* environment
// variables. Later sources win. All problems are collected and returned
// together as a *ValidationError.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
		ConnectTimeout:    DefaultConnectTimeout,
		OpTimeout:         DefaultOpTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		MaxConcurrentOps:  DefaultMaxConcurrentOps,
		ReconnectMinDelay: DefaultReconnectMinDelay,
		ReconnectMaxDelay: DefaultReconnectMaxDelay,
		DebounceInterval:  DefaultDebounceInterval,
		ResyncInterval:    DefaultResyncInterval,
		BindHost:          DefaultBindHost,
		StatusPort:        DefaultStatusPort,
	}

	var errs []string

	if path := getEnv("PREEVY_CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			errs = append(errs, "PREEVY_CONFIG_FILE: "+err.Error())
		} else {
			slog.Info("loaded configuration from file", slog.String("path", path))
			errs = append(errs, fileCfg.apply(cfg)...)
		}
	}

	errs = append(errs, applyEnv(cfg)...)
	errs = append(errs, validateConfig(cfg)...)

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

// applyEnv overrides cfg with any PREEVY_* environment variables that
// are set. Values that cannot be parsed are reported; domain validation
// of the final values happens in validateConfig.
func applyEnv(cfg *Config) []string {
	var errs []string

	setDuration := func(key string, dst *time.Duration) {
		v := getEnv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q (use format like 30s, 5m)", key, v))
			return
		}
		*dst = d
	}

	if v := getEnv("PREEVY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getEnv("PREEVY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	if v := getEnv("PREEVY_DOCKER_HOST"); v != "" {
		cfg.DockerHost = v
	}
	if v := getEnv("PREEVY_COMPOSE_PROJECT"); v != "" {
		cfg.ComposeProject = v
	}

	if v := getEnv("PREEVY_SSH_URL"); v != "" {
		ep, err := ParseEndpoint(v)
		if err != nil {
			errs = append(errs, "PREEVY_SSH_URL: "+err.Error())
		} else {
			// A user set via file or PREEVY_SSH_USER survives a URL
			// without one.
			if ep.User == "" {
				ep.User = cfg.Endpoint.User
			}
			cfg.Endpoint = ep
		}
	}
	if v := getEnv("PREEVY_SSH_USER"); v != "" {
		cfg.Endpoint.User = v
	}

	if path := getEnv("PREEVY_SSH_PRIVATE_KEY_FILE"); path != "" {
		key, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, "PREEVY_SSH_PRIVATE_KEY_FILE: "+err.Error())
		} else {
			cfg.PrivateKey = key
		}
	} else if v := getEnv("PREEVY_SSH_PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = []byte(v)
	}

	if v := getEnvOrFile("PREEVY_SSH_PASSPHRASE", "PREEVY_SSH_PASSPHRASE_FILE"); v != "" {
		cfg.Passphrase = v
	}

	if path := getEnv("PREEVY_SSH_SERVER_KEYS_FILE"); path != "" {
		keys, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, "PREEVY_SSH_SERVER_KEYS_FILE: "+err.Error())
		} else {
			cfg.ServerKeys = strings.TrimSpace(string(keys))
		}
	} else if v := getEnv("PREEVY_SSH_SERVER_KEYS"); v != "" {
		cfg.ServerKeys = v
	}

	if v := getEnv("PREEVY_SSH_INSECURE_SKIP_VERIFY"); v != "" {
		cfg.InsecureSkipVerify = parseBool(v, cfg.InsecureSkipVerify)
	}
	if v := getEnv("PREEVY_SSH_TLS_SERVER_NAME"); v != "" {
		cfg.TLSServerName = v
	}

	setDuration("PREEVY_SSH_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	setDuration("PREEVY_SSH_OP_TIMEOUT", &cfg.OpTimeout)
	setDuration("PREEVY_SSH_KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval)
	setDuration("PREEVY_SSH_RECONNECT_MIN_DELAY", &cfg.ReconnectMinDelay)
	setDuration("PREEVY_SSH_RECONNECT_MAX_DELAY", &cfg.ReconnectMaxDelay)

	if v := getEnv("PREEVY_SSH_MAX_CONCURRENT_OPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PREEVY_SSH_MAX_CONCURRENT_OPS: invalid integer %q", v))
		} else {
			cfg.MaxConcurrentOps = n
		}
	}

	setDuration("PREEVY_DEBOUNCE_INTERVAL", &cfg.DebounceInterval)
	setDuration("PREEVY_RESYNC_INTERVAL", &cfg.ResyncInterval)
	if v := getEnv("PREEVY_BIND_HOST"); v != "" {
		cfg.BindHost = v
	}

	if v := getEnv("PREEVY_STATUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PREEVY_STATUS_PORT: invalid integer %q", v))
		} else {
			cfg.StatusPort = port
		}
	}

	if v := getEnv("PREEVY_CHECK_ONLY"); v != "" {
		cfg.CheckOnly = parseBool(v, cfg.CheckOnly)
	}

	return errs
}
