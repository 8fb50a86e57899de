package sshtunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"testing"

	"golang.org/x/crypto/ssh"
)

// generateTestKey creates a fresh ed25519 keypair and returns the signer
// plus the PEM-encoded private key.
func generateTestKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshalling key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(block)

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parsing generated key: %v", err)
	}

	return signer, pemBytes
}

// testPublicKey returns a fresh public key for set membership tests.
func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	signer, _ := generateTestKey(t)
	return signer.PublicKey()
}

func TestParseKnownKeys(t *testing.T) {
	keyA := testPublicKey(t)
	keyB := testPublicKey(t)

	t.Run("single key", func(t *testing.T) {
		known, err := ParseKnownKeys([]byte(FormatKey(keyA)))
		if err != nil {
			t.Fatalf("ParseKnownKeys() error = %v", err)
		}
		if known.Len() != 1 {
			t.Errorf("Len() = %d, want 1", known.Len())
		}
		if !known.Contains(keyA) {
			t.Error("Contains() = false for parsed key")
		}
	})

	t.Run("multiple keys with blank lines", func(t *testing.T) {
		data := FormatKey(keyA) + "\n\n" + FormatKey(keyB) + "\n"
		known, err := ParseKnownKeys([]byte(data))
		if err != nil {
			t.Fatalf("ParseKnownKeys() error = %v", err)
		}
		if known.Len() != 2 {
			t.Errorf("Len() = %d, want 2", known.Len())
		}
		if !known.Contains(keyA) || !known.Contains(keyB) {
			t.Error("Contains() = false for parsed keys")
		}
	})

	t.Run("trailing whitespace", func(t *testing.T) {
		known, err := ParseKnownKeys([]byte(FormatKey(keyA) + "\n  \n"))
		if err != nil {
			t.Fatalf("ParseKnownKeys() error = %v", err)
		}
		if known.Len() != 1 {
			t.Errorf("Len() = %d, want 1", known.Len())
		}
	})

	t.Run("garbage input", func(t *testing.T) {
		if _, err := ParseKnownKeys([]byte("not a key at all")); err == nil {
			t.Error("ParseKnownKeys() expected error for garbage input")
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if _, err := ParseKnownKeys(nil); err == nil {
			t.Error("ParseKnownKeys() expected error for empty input")
		}
	})
}

func TestKnownKeys_Contains(t *testing.T) {
	keyA := testPublicKey(t)
	keyB := testPublicKey(t)

	known := NewKnownKeys(keyA)

	if !known.Contains(keyA) {
		t.Error("Contains() = false for member key")
	}
	if known.Contains(keyB) {
		t.Error("Contains() = true for non-member key")
	}

	var nilSet *KnownKeys
	if nilSet.Contains(keyA) {
		t.Error("Contains() = true on nil set")
	}
	if nilSet.Len() != 0 {
		t.Errorf("Len() = %d on nil set, want 0", nilSet.Len())
	}
}

func TestFormatKey(t *testing.T) {
	key := testPublicKey(t)

	line := FormatKey(key)
	if line == "" {
		t.Fatal("FormatKey() returned empty string")
	}
	if line[len(line)-1] == '\n' {
		t.Error("FormatKey() output ends with newline")
	}

	// The formatted line must parse back to the same key.
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		t.Fatalf("parsing formatted key: %v", err)
	}
	if string(parsed.Marshal()) != string(key.Marshal()) {
		t.Error("FormatKey() round trip produced a different key")
	}

	if got := FormatKey(nil); got != "" {
		t.Errorf("FormatKey(nil) = %q, want empty", got)
	}
}

func TestHostKeyVerifier(t *testing.T) {
	pinned := testPublicKey(t)
	stranger := testPublicKey(t)
	addr := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 22}

	t.Run("accepts pinned key", func(t *testing.T) {
		v := newHostKeyVerifier(&Config{ServerKeys: NewKnownKeys(pinned)})
		if err := v.callback()("tunnel.example.com:22", addr, pinned); err != nil {
			t.Errorf("callback() error = %v for pinned key", err)
		}
		if _, ok := v.rejectedKey(); ok {
			t.Error("rejectedKey() recorded a key after acceptance")
		}
	})

	t.Run("rejects and records unknown key", func(t *testing.T) {
		v := newHostKeyVerifier(&Config{ServerKeys: NewKnownKeys(pinned)})
		err := v.callback()("tunnel.example.com:22", addr, stranger)
		if !errors.Is(err, ErrHostKeyUnverified) {
			t.Fatalf("callback() error = %v, want ErrHostKeyUnverified", err)
		}

		key, ok := v.rejectedKey()
		if !ok {
			t.Fatal("rejectedKey() did not record the rejected key")
		}
		if string(key.Marshal()) != string(stranger.Marshal()) {
			t.Error("rejectedKey() recorded a different key")
		}
	})

	t.Run("insecure accepts anything", func(t *testing.T) {
		v := newHostKeyVerifier(&Config{InsecureSkipVerify: true})
		if err := v.callback()("tunnel.example.com:22", addr, stranger); err != nil {
			t.Errorf("callback() error = %v with insecure skip verify", err)
		}
	})

	t.Run("pinned set wins over insecure", func(t *testing.T) {
		v := newHostKeyVerifier(&Config{ServerKeys: NewKnownKeys(pinned), InsecureSkipVerify: true})
		if err := v.callback()("tunnel.example.com:22", addr, pinned); err != nil {
			t.Errorf("callback() error = %v for pinned key", err)
		}
		if err := v.callback()("tunnel.example.com:22", addr, stranger); !errors.Is(err, ErrHostKeyUnverified) {
			t.Errorf("callback() error = %v, want ErrHostKeyUnverified despite insecure flag", err)
		}
	})
}
