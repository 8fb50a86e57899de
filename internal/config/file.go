package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the configuration file structure. Files are YAML
// by default; a .toml extension selects TOML. Both share this layout.
type FileConfig struct {
	// Logging configuration
	Logging *FileLoggingConfig `yaml:"logging,omitempty" toml:"logging"`

	// Docker connection settings
	Docker *FileDockerConfig `yaml:"docker,omitempty" toml:"docker"`

	// SSH endpoint and credentials
	SSH *FileSSHConfig `yaml:"ssh,omitempty" toml:"ssh"`

	// Tunnel reconciliation settings
	Tunnels *FileTunnelsConfig `yaml:"tunnels,omitempty" toml:"tunnels"`

	// Status and metrics server
	Server *FileServerConfig `yaml:"server,omitempty" toml:"server"`
}

// FileLoggingConfig holds logging settings.
type FileLoggingConfig struct {
	Level  string `yaml:"level,omitempty" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format,omitempty" toml:"format"` // json, text
}

// FileDockerConfig holds Docker connection settings.
type FileDockerConfig struct {
	Host    string `yaml:"host,omitempty" toml:"host"`       // unix:///var/run/docker.sock or tcp://...
	Project string `yaml:"project,omitempty" toml:"project"` // Compose project filter
}

// FileSSHConfig holds SSH endpoint settings.
type FileSSHConfig struct {
	URL                string `yaml:"url,omitempty" toml:"url"`                   // ssh://, ssh+tls://, ssh+srv://
	User               string `yaml:"user,omitempty" toml:"user"`                 // Login name if not in the URL
	PrivateKeyFile     string `yaml:"private_key_file,omitempty" toml:"private_key_file"`
	ServerKeysFile     string `yaml:"server_keys_file,omitempty" toml:"server_keys_file"`
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify"`
	TLSServerName      string `yaml:"tls_server_name,omitempty" toml:"tls_server_name"`
	ConnectTimeout     string `yaml:"connect_timeout,omitempty" toml:"connect_timeout"` // Go duration format
	OpTimeout          string `yaml:"op_timeout,omitempty" toml:"op_timeout"`
	KeepaliveInterval  string `yaml:"keepalive_interval,omitempty" toml:"keepalive_interval"`
	MaxConcurrentOps   int    `yaml:"max_concurrent_ops,omitempty" toml:"max_concurrent_ops"`
	ReconnectMinDelay  string `yaml:"reconnect_min_delay,omitempty" toml:"reconnect_min_delay"`
	ReconnectMaxDelay  string `yaml:"reconnect_max_delay,omitempty" toml:"reconnect_max_delay"`
}

// FileTunnelsConfig holds reconciliation settings.
type FileTunnelsConfig struct {
	DebounceInterval string `yaml:"debounce_interval,omitempty" toml:"debounce_interval"` // e.g. "500ms"
	ResyncInterval   string `yaml:"resync_interval,omitempty" toml:"resync_interval"`     // "0" disables
	BindHost         string `yaml:"bind_host,omitempty" toml:"bind_host"`                 // Remote listen host
}

// FileServerConfig holds status server settings.
type FileServerConfig struct {
	Port int `yaml:"port,omitempty" toml:"port"` // Port for status/metrics endpoints
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnvVars replaces ${VAR} patterns with environment variable
// values. Supports ${VAR:-default} syntax for default values.
func InterpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 3 {
			defaultValue = groups[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// interpolateEnvVars interpolates environment variables in all string
// fields of the config structure.
func (c *FileConfig) interpolateEnvVars() {
	if c.Logging != nil {
		c.Logging.Level = InterpolateEnvVars(c.Logging.Level)
		c.Logging.Format = InterpolateEnvVars(c.Logging.Format)
	}

	if c.Docker != nil {
		c.Docker.Host = InterpolateEnvVars(c.Docker.Host)
		c.Docker.Project = InterpolateEnvVars(c.Docker.Project)
	}

	if c.SSH != nil {
		c.SSH.URL = InterpolateEnvVars(c.SSH.URL)
		c.SSH.User = InterpolateEnvVars(c.SSH.User)
		c.SSH.PrivateKeyFile = InterpolateEnvVars(c.SSH.PrivateKeyFile)
		c.SSH.ServerKeysFile = InterpolateEnvVars(c.SSH.ServerKeysFile)
		c.SSH.TLSServerName = InterpolateEnvVars(c.SSH.TLSServerName)
		c.SSH.ConnectTimeout = InterpolateEnvVars(c.SSH.ConnectTimeout)
		c.SSH.OpTimeout = InterpolateEnvVars(c.SSH.OpTimeout)
		c.SSH.KeepaliveInterval = InterpolateEnvVars(c.SSH.KeepaliveInterval)
		c.SSH.ReconnectMinDelay = InterpolateEnvVars(c.SSH.ReconnectMinDelay)
		c.SSH.ReconnectMaxDelay = InterpolateEnvVars(c.SSH.ReconnectMaxDelay)
	}

	if c.Tunnels != nil {
		c.Tunnels.DebounceInterval = InterpolateEnvVars(c.Tunnels.DebounceInterval)
		c.Tunnels.ResyncInterval = InterpolateEnvVars(c.Tunnels.ResyncInterval)
		c.Tunnels.BindHost = InterpolateEnvVars(c.Tunnels.BindHost)
	}
}

// LoadFile reads and parses a configuration file. The format is chosen
// by extension: .toml parses as TOML, everything else as YAML.
// Environment variables in ${VAR} format are interpolated.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	cfg.interpolateEnvVars()

	return &cfg, nil
}

// apply copies file values onto cfg. Durations that fail to parse are
// reported as errors rather than silently skipped.
func (c *FileConfig) apply(cfg *Config) []string {
	var errs []string

	setDuration := func(field, value string, dst *time.Duration, min time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("config file %s: invalid duration %q", field, value))
			return
		}
		if d < min {
			errs = append(errs, fmt.Sprintf("config file %s: must be at least %s", field, min))
			return
		}
		*dst = d
	}

	if c.Logging != nil {
		if c.Logging.Level != "" {
			cfg.LogLevel = strings.ToLower(c.Logging.Level)
		}
		if c.Logging.Format != "" {
			cfg.LogFormat = strings.ToLower(c.Logging.Format)
		}
	}

	if c.Docker != nil {
		if c.Docker.Host != "" {
			cfg.DockerHost = c.Docker.Host
		}
		if c.Docker.Project != "" {
			cfg.ComposeProject = c.Docker.Project
		}
	}

	if c.SSH != nil {
		if c.SSH.URL != "" {
			ep, err := ParseEndpoint(c.SSH.URL)
			if err != nil {
				errs = append(errs, "config file ssh.url: "+err.Error())
			} else {
				cfg.Endpoint = ep
			}
		}
		if c.SSH.User != "" {
			cfg.Endpoint.User = c.SSH.User
		}
		if c.SSH.PrivateKeyFile != "" {
			key, err := os.ReadFile(c.SSH.PrivateKeyFile)
			if err != nil {
				errs = append(errs, "config file ssh.private_key_file: "+err.Error())
			} else {
				cfg.PrivateKey = key
			}
		}
		if c.SSH.ServerKeysFile != "" {
			keys, err := os.ReadFile(c.SSH.ServerKeysFile)
			if err != nil {
				errs = append(errs, "config file ssh.server_keys_file: "+err.Error())
			} else {
				cfg.ServerKeys = strings.TrimSpace(string(keys))
			}
		}
		if c.SSH.InsecureSkipVerify != nil {
			cfg.InsecureSkipVerify = *c.SSH.InsecureSkipVerify
		}
		if c.SSH.TLSServerName != "" {
			cfg.TLSServerName = c.SSH.TLSServerName
		}
		setDuration("ssh.connect_timeout", c.SSH.ConnectTimeout, &cfg.ConnectTimeout, time.Second)
		setDuration("ssh.op_timeout", c.SSH.OpTimeout, &cfg.OpTimeout, time.Second)
		setDuration("ssh.keepalive_interval", c.SSH.KeepaliveInterval, &cfg.KeepaliveInterval, time.Second)
		if c.SSH.MaxConcurrentOps > 0 {
			cfg.MaxConcurrentOps = c.SSH.MaxConcurrentOps
		}
		setDuration("ssh.reconnect_min_delay", c.SSH.ReconnectMinDelay, &cfg.ReconnectMinDelay, 100*time.Millisecond)
		setDuration("ssh.reconnect_max_delay", c.SSH.ReconnectMaxDelay, &cfg.ReconnectMaxDelay, time.Second)
	}

	if c.Tunnels != nil {
		setDuration("tunnels.debounce_interval", c.Tunnels.DebounceInterval, &cfg.DebounceInterval, 10*time.Millisecond)
		if c.Tunnels.ResyncInterval != "" && c.Tunnels.ResyncInterval != "0" {
			setDuration("tunnels.resync_interval", c.Tunnels.ResyncInterval, &cfg.ResyncInterval, time.Second)
		}
		if c.Tunnels.BindHost != "" {
			cfg.BindHost = c.Tunnels.BindHost
		}
	}

	if c.Server != nil {
		if c.Server.Port > 0 && c.Server.Port <= 65535 {
			cfg.StatusPort = c.Server.Port
		}
	}

	return errs
}
