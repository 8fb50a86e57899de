// Package tunnel implements the tunnel synchronization core: naming,
// the published state model, and the reconciler that converges live SSH
// forwards toward the desired service set.
package tunnel

import (
	"strconv"
	"strings"

	"github.com/keshavkumarhembram/preevy/internal/docker"
)

// maxNamePart bounds the sanitized service-name portion of an identifier
// so identifiers stay usable as labels and log keys.
const maxNamePart = 24

// shortIDLen is how much of the container identifier goes into a tunnel
// name, matching the short form Docker itself displays.
const shortIDLen = 12

// NameFor derives the stable tunnel identifier for a service:
//
//	<sanitized-name>-<published-port>-<short-container-id>
//
// The result is deterministic and collision-free: the container id and
// published port pair is unique on a host, and both appear verbatim.
// Identifiers survive process restarts, which lets the reconciler match
// desired services against already active tunnels without tracking
// object identity.
func NameFor(svc docker.Service) string {
	id := svc.ContainerID
	if len(id) > shortIDLen {
		id = id[:shortIDLen]
	}

	return sanitizeName(svc.Name) + "-" + strconv.Itoa(svc.PublishedPort) + "-" + id
}

// sanitizeName lowercases the service name and reduces it to letters,
// digits and single dashes. An empty result falls back to "svc" so the
// identifier always has a readable prefix.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastDash := true // swallow leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	s := strings.TrimRight(b.String(), "-")
	if len(s) > maxNamePart {
		s = strings.TrimRight(s[:maxNamePart], "-")
	}
	if s == "" {
		return "svc"
	}
	return s
}
