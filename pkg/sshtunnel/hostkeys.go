package sshtunnel

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KnownKeys is a set of pinned server host keys.
//
// Keys are compared by their marshalled wire form, so two encodings of the
// same key always match regardless of comment or whitespace differences.
type KnownKeys struct {
	keys map[string]ssh.PublicKey
}

// NewKnownKeys creates a set from already parsed public keys.
func NewKnownKeys(keys ...ssh.PublicKey) *KnownKeys {
	k := &KnownKeys{keys: make(map[string]ssh.PublicKey, len(keys))}
	for _, key := range keys {
		k.keys[string(key.Marshal())] = key
	}
	return k
}

// ParseKnownKeys parses one or more authorized_keys-format lines into a set.
// Blank lines and comments are ignored.
func ParseKnownKeys(data []byte) (*KnownKeys, error) {
	k := &KnownKeys{keys: make(map[string]ssh.PublicKey)}

	rest := data
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, remaining, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing server host key: %w", err)
		}
		k.keys[string(key.Marshal())] = key
		rest = remaining
	}

	if len(k.keys) == 0 {
		return nil, fmt.Errorf("no server host keys found")
	}

	return k, nil
}

// Contains reports whether the presented key is in the set.
func (k *KnownKeys) Contains(key ssh.PublicKey) bool {
	if k == nil || key == nil {
		return false
	}
	_, ok := k.keys[string(key.Marshal())]
	return ok
}

// Len returns the number of keys in the set.
func (k *KnownKeys) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// FormatKey renders a public key as a single authorized_keys line,
// suitable for pinning in configuration.
func FormatKey(key ssh.PublicKey) string {
	if key == nil {
		return ""
	}
	return string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(key)))
}

// hostKeyVerifier implements the client host key policy and records the
// key the server presented, so a failed handshake can be classified as
// an unverified-host-key outcome afterwards.
type hostKeyVerifier struct {
	known    *KnownKeys
	insecure bool

	mu       sync.Mutex
	rejected ssh.PublicKey
}

func newHostKeyVerifier(config *Config) *hostKeyVerifier {
	return &hostKeyVerifier{
		known:    config.ServerKeys,
		insecure: config.InsecureSkipVerify,
	}
}

// callback returns the ssh.HostKeyCallback enforcing the pinned set.
// The insecure flag only applies while no keys are pinned; once keys are
// configured they are always enforced.
func (v *hostKeyVerifier) callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if v.known.Contains(key) {
			return nil
		}
		if v.known.Len() == 0 && v.insecure {
			return nil
		}

		v.mu.Lock()
		v.rejected = key
		v.mu.Unlock()

		return fmt.Errorf("%w: %s key presented by %s", ErrHostKeyUnverified, key.Type(), hostname)
	}
}

// rejectedKey returns the host key the verifier refused, if any.
// The ssh handshake runs the host key policy before authentication
// completes, so a rejection here takes precedence over auth errors.
func (v *hostKeyVerifier) rejectedKey() (ssh.PublicKey, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected, v.rejected != nil
}
