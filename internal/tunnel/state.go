package tunnel

import (
	"encoding/json"
	"sort"

	"github.com/keshavkumarhembram/preevy/internal/docker"
)

// Status describes the lifecycle phase of a single tunnel.
type Status string

const (
	// StatusPending marks a tunnel that is wanted but not currently
	// established, typically because the SSH connection is down.
	StatusPending Status = "pending"

	// StatusActive marks a tunnel whose remote listener is open.
	StatusActive Status = "active"

	// StatusFailed marks a tunnel whose last open attempt failed. Failed
	// tunnels are retried on the next reconciliation cycle.
	StatusFailed Status = "failed"
)

// Tunnel is the reconciler's record of one forward, pairing the service
// it serves with the outcome of the last operation on it.
type Tunnel struct {
	// Name is the stable identifier derived by NameFor.
	Name string

	// Service is the exposed container service this tunnel serves.
	Service docker.Service

	// Status is the current lifecycle phase.
	Status Status

	// Remote is the listen address requested on the SSH server,
	// for example "0.0.0.0:8080".
	Remote string

	// Error holds the failure message when Status is StatusFailed.
	Error string
}

// State is a complete snapshot of all tunnels keyed by tunnel name.
// Snapshots are immutable once published; the reconciler builds a fresh
// map every cycle.
type State map[string]Tunnel

// Names returns the tunnel names in the snapshot, sorted.
func (s State) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns how many tunnels are in the given status.
func (s State) Count(status Status) int {
	n := 0
	for _, tun := range s {
		if tun.Status == status {
			n++
		}
	}
	return n
}

// stateEntry is the wire form of one tunnel in a serialized snapshot.
type stateEntry struct {
	Status Status `json:"status"`
	Remote string `json:"remote,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MarshalJSON serializes the snapshot as an object keyed by tunnel name.
// Keys are emitted in sorted order, so equal snapshots serialize to
// byte-equal documents.
func (s State) MarshalJSON() ([]byte, error) {
	entries := make(map[string]stateEntry, len(s))
	for name, tun := range s {
		entries[name] = stateEntry{
			Status: tun.Status,
			Remote: tun.Remote,
			Error:  tun.Error,
		}
	}
	return json.Marshal(entries)
}
