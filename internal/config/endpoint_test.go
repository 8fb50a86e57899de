package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

// TestParseEndpoint verifies URL parsing for the supported schemes.
func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		want    Endpoint
		wantErr string
	}{
		{
			name:   "ssh with explicit port",
			rawURL: "ssh://deploy@tunnel.example.com:2222",
			want:   Endpoint{Host: "tunnel.example.com", Port: 2222, User: "deploy"},
		},
		{
			name:   "ssh default port",
			rawURL: "ssh://deploy@tunnel.example.com",
			want:   Endpoint{Host: "tunnel.example.com", Port: 22, User: "deploy"},
		},
		{
			name:   "ssh without user",
			rawURL: "ssh://tunnel.example.com",
			want:   Endpoint{Host: "tunnel.example.com", Port: 22},
		},
		{
			name:   "ssh+tls default port",
			rawURL: "ssh+tls://deploy@tunnel.example.com",
			want:   Endpoint{Host: "tunnel.example.com", Port: 443, User: "deploy", TLS: true},
		},
		{
			name:   "ssh+tls explicit port",
			rawURL: "ssh+tls://deploy@tunnel.example.com:8443",
			want:   Endpoint{Host: "tunnel.example.com", Port: 8443, User: "deploy", TLS: true},
		},
		{
			name:    "empty",
			rawURL:  "",
			wantErr: "endpoint URL is empty",
		},
		{
			name:    "missing host",
			rawURL:  "ssh://deploy@",
			wantErr: "has no host",
		},
		{
			name:    "unsupported scheme",
			rawURL:  "https://tunnel.example.com",
			wantErr: "unsupported endpoint scheme",
		},
		{
			name:    "srv with explicit port",
			rawURL:  "ssh+srv://deploy@example.com:22",
			wantErr: "must not carry a port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.rawURL)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("ParseEndpoint(%q) error = nil, want containing %q", tt.rawURL, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ParseEndpoint(%q) error = %v, want containing %q", tt.rawURL, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint(%q) error = %v", tt.rawURL, err)
			}
			if got != tt.want {
				t.Errorf("ParseEndpoint(%q) = %+v, want %+v", tt.rawURL, got, tt.want)
			}
		})
	}
}

// TestParseEndpoint_SRV verifies the srv scheme resolves host and port
// through the SRV lookup.
func TestParseEndpoint_SRV(t *testing.T) {
	orig := lookupSRVFunc
	defer func() { lookupSRVFunc = orig }()

	t.Run("resolved", func(t *testing.T) {
		var queried string
		lookupSRVFunc = func(domain string) (string, int, error) {
			queried = domain
			return "tunnel1.example.com", 2222, nil
		}

		ep, err := ParseEndpoint("ssh+srv://deploy@example.com")
		if err != nil {
			t.Fatalf("ParseEndpoint() error = %v", err)
		}
		if queried != "example.com" {
			t.Errorf("queried domain = %q, want %q", queried, "example.com")
		}
		want := Endpoint{Host: "tunnel1.example.com", Port: 2222, User: "deploy"}
		if ep != want {
			t.Errorf("ParseEndpoint() = %+v, want %+v", ep, want)
		}
	})

	t.Run("resolution failure", func(t *testing.T) {
		lookupSRVFunc = func(string) (string, int, error) {
			return "", 0, errors.New("no SRV records")
		}

		_, err := ParseEndpoint("ssh+srv://deploy@example.com")
		if err == nil {
			t.Fatal("ParseEndpoint() error = nil, want resolution error")
		}
		if !strings.Contains(err.Error(), "resolving SRV endpoint") {
			t.Errorf("ParseEndpoint() error = %v, want containing %q", err, "resolving SRV endpoint")
		}
	})
}

// TestEndpoint_Address verifies dial address formatting.
func TestEndpoint_Address(t *testing.T) {
	ep := Endpoint{Host: "tunnel.example.com", Port: 2222}
	if got := ep.Address(); got != "tunnel.example.com:2222" {
		t.Errorf("Address() = %q, want %q", got, "tunnel.example.com:2222")
	}
}

// TestBestSRV verifies record selection by priority then weight.
func TestBestSRV(t *testing.T) {
	srv := func(target string, priority, weight uint16) *dns.SRV {
		return &dns.SRV{Target: target, Priority: priority, Weight: weight, Port: 22}
	}

	tests := []struct {
		name    string
		records []*dns.SRV
		want    string
	}{
		{
			name:    "single record",
			records: []*dns.SRV{srv("a.example.com.", 10, 5)},
			want:    "a.example.com.",
		},
		{
			name: "lowest priority wins",
			records: []*dns.SRV{
				srv("backup.example.com.", 20, 100),
				srv("primary.example.com.", 10, 1),
			},
			want: "primary.example.com.",
		},
		{
			name: "highest weight breaks priority tie",
			records: []*dns.SRV{
				srv("light.example.com.", 10, 10),
				srv("heavy.example.com.", 10, 90),
			},
			want: "heavy.example.com.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bestSRV(tt.records); got.Target != tt.want {
				t.Errorf("bestSRV() = %q, want %q", got.Target, tt.want)
			}
		})
	}
}
