package sshtunnel

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/ssh"
)

// CheckStatus is the outcome class of a connection check.
type CheckStatus string

const (
	// CheckOK means the handshake succeeded and the host key verified.
	CheckOK CheckStatus = "ok"

	// CheckUnverifiedHostKey means the server is reachable but presented
	// a host key outside the pinned set. The key is reported so an
	// operator can pin it and re-run.
	CheckUnverifiedHostKey CheckStatus = "unverified-host-key"

	// CheckError means the check failed for any other reason: dial
	// errors, timeouts, authentication failures.
	CheckError CheckStatus = "error"
)

// CheckResult is the outcome of a one-shot connection check.
// Exactly one of HostKey and Err is set for the non-OK statuses.
type CheckResult struct {
	Status CheckStatus

	// HostKey is the unverified key the server presented.
	// Set only when Status is CheckUnverifiedHostKey.
	HostKey ssh.PublicKey

	// Err describes the failure. Set only when Status is CheckError.
	Err error
}

// checkResultJSON is the wire form emitted by check-only mode.
type checkResultJSON struct {
	Status    string `json:"status"`
	PublicKey string `json:"publicKey,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MarshalJSON renders the result as a single status document.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	out := checkResultJSON{Status: string(r.Status)}

	switch r.Status {
	case CheckOK:
	case CheckUnverifiedHostKey:
		out.PublicKey = FormatKey(r.HostKey)
	case CheckError:
		if r.Err != nil {
			out.Message = r.Err.Error()
		}
	}

	return json.Marshal(out)
}

// Check performs a one-shot connection check against the tunnel server:
// dial, optional TLS handshake, SSH handshake with host key verification,
// then immediate teardown. No connection state is retained, so it is safe
// to run concurrently with a live Client using the same configuration.
func Check(ctx context.Context, config *Config) CheckResult {
	if config == nil {
		return CheckResult{Status: CheckError, Err: errors.New("config is required")}
	}
	if err := config.Validate(); err != nil {
		return CheckResult{Status: CheckError, Err: err}
	}

	sshConfig, verifier, err := buildClientConfig(config)
	if err != nil {
		return CheckResult{Status: CheckError, Err: err}
	}

	conn, err := dialEndpoint(ctx, config, sshConfig)
	if err != nil {
		// Host key rejection fires during the handshake, before
		// authentication completes, so it wins over auth errors.
		if key, ok := verifier.rejectedKey(); ok {
			return CheckResult{Status: CheckUnverifiedHostKey, HostKey: key}
		}
		return CheckResult{Status: CheckError, Err: err}
	}

	_ = conn.Close()
	return CheckResult{Status: CheckOK}
}
