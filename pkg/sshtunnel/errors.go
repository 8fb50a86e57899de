package sshtunnel

import (
	"errors"
	"strings"
)

// Sentinel errors for tunnel client operations.
var (
	// ErrNotConnected is returned when a tunnel operation is attempted
	// while the connection to the tunnel server is down.
	ErrNotConnected = errors.New("ssh tunnel client is not connected")

	// ErrAlreadyConnected is returned when Connect is called on an
	// already connected client.
	ErrAlreadyConnected = errors.New("ssh tunnel client is already connected")

	// ErrClosed is returned when an operation is attempted on a closed client.
	ErrClosed = errors.New("ssh tunnel client is closed")

	// ErrAuthenticationFailed is returned when SSH authentication fails.
	ErrAuthenticationFailed = errors.New("ssh authentication failed")

	// ErrConnectionTimeout is returned when the connection times out.
	ErrConnectionTimeout = errors.New("ssh connection timed out")

	// ErrHostKeyUnverified is returned when the server presents a host
	// key that is not in the pinned set.
	ErrHostKeyUnverified = errors.New("ssh host key not in known server keys")
)

// isAuthError checks if an error is an authentication-related error.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "publickey") ||
		strings.Contains(errStr, "password")
}
