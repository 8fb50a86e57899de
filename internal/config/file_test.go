package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

// TestLoadFile_YAML verifies YAML parsing of every section.
func TestLoadFile_YAML(t *testing.T) {
	path := writeTempConfig(t, "preevy.yaml", `
logging:
  level: debug
  format: text
docker:
  host: tcp://docker.internal:2375
  project: shop
ssh:
  url: ssh://deploy@tunnel.example.com:2222
  tls_server_name: edge.example.com
  max_concurrent_ops: 4
  connect_timeout: 15s
tunnels:
  debounce_interval: 250ms
  resync_interval: 30s
  bind_host: 10.0.0.1
server:
  port: 9090
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Logging == nil || cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}
	if cfg.Docker == nil || cfg.Docker.Host != "tcp://docker.internal:2375" || cfg.Docker.Project != "shop" {
		t.Errorf("Docker = %+v", cfg.Docker)
	}
	if cfg.SSH == nil || cfg.SSH.URL != "ssh://deploy@tunnel.example.com:2222" {
		t.Fatalf("SSH = %+v", cfg.SSH)
	}
	if cfg.SSH.TLSServerName != "edge.example.com" || cfg.SSH.MaxConcurrentOps != 4 || cfg.SSH.ConnectTimeout != "15s" {
		t.Errorf("SSH = %+v", cfg.SSH)
	}
	if cfg.Tunnels == nil || cfg.Tunnels.DebounceInterval != "250ms" || cfg.Tunnels.ResyncInterval != "30s" || cfg.Tunnels.BindHost != "10.0.0.1" {
		t.Errorf("Tunnels = %+v", cfg.Tunnels)
	}
	if cfg.Server == nil || cfg.Server.Port != 9090 {
		t.Errorf("Server = %+v", cfg.Server)
	}
}

// TestLoadFile_TOML verifies the .toml extension selects TOML parsing.
func TestLoadFile_TOML(t *testing.T) {
	path := writeTempConfig(t, "preevy.toml", `
[logging]
level = "warn"

[ssh]
url = "ssh+tls://deploy@tunnel.example.com"

[server]
port = 9191
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Logging == nil || cfg.Logging.Level != "warn" {
		t.Errorf("Logging = %+v, want level warn", cfg.Logging)
	}
	if cfg.SSH == nil || cfg.SSH.URL != "ssh+tls://deploy@tunnel.example.com" {
		t.Errorf("SSH = %+v", cfg.SSH)
	}
	if cfg.Server == nil || cfg.Server.Port != 9191 {
		t.Errorf("Server = %+v", cfg.Server)
	}
}

// TestLoadFile_Interpolation verifies ${VAR} expansion in file values.
func TestLoadFile_Interpolation(t *testing.T) {
	t.Setenv("TUNNEL_HOST", "tunnel.example.com")

	path := writeTempConfig(t, "preevy.yaml", `
ssh:
  url: ssh://deploy@${TUNNEL_HOST}:2222
docker:
  project: ${MISSING_PROJECT:-shop}
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.SSH.URL != "ssh://deploy@tunnel.example.com:2222" {
		t.Errorf("SSH.URL = %q, want interpolated host", cfg.SSH.URL)
	}
	if cfg.Docker.Project != "shop" {
		t.Errorf("Docker.Project = %q, want default %q", cfg.Docker.Project, "shop")
	}
}

// TestLoadFile_Errors verifies parse failures are reported by format.
func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "missing file",
			file:    "",
			wantErr: "reading config file",
		},
		{
			name:    "bad yaml",
			file:    "broken.yaml",
			content: "ssh: [unclosed",
			wantErr: "parsing YAML config",
		},
		{
			name:    "bad toml",
			file:    "broken.toml",
			content: "ssh = {unclosed",
			wantErr: "parsing TOML config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.yaml")
			if tt.file != "" {
				path = writeTempConfig(t, tt.file, tt.content)
			}

			_, err := LoadFile(path)
			if err == nil {
				t.Fatalf("LoadFile() error = nil, want containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFile() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestInterpolateEnvVars verifies the interpolation syntax.
func TestInterpolateEnvVars(t *testing.T) {
	t.Setenv("PRESENT", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no pattern", "plain", "plain"},
		{"present var", "${PRESENT}", "value"},
		{"absent var", "${ABSENT_VAR_FOR_TEST}", ""},
		{"absent with default", "${ABSENT_VAR_FOR_TEST:-fallback}", "fallback"},
		{"present ignores default", "${PRESENT:-fallback}", "value"},
		{"embedded", "prefix-${PRESENT}-suffix", "prefix-value-suffix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InterpolateEnvVars(tt.input); got != tt.want {
				t.Errorf("InterpolateEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
