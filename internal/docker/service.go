package docker

import (
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// Compose labels consulted when resolving a service name.
const (
	labelComposeProject = "com.docker.compose.project"
	labelComposeService = "com.docker.compose.service"
)

// Service is one exposed endpoint of a running container: a host port
// published by Docker, plus what is needed to name and dial it. Services
// are rebuilt from scratch on every observation and never mutated.
type Service struct {
	// ContainerID is the full container identifier.
	ContainerID string

	// Name is the human-readable service name: the compose service label
	// when present, the container name otherwise.
	Name string

	// Host is the address the agent dials to reach the published port,
	// typically the loopback of the host the agent runs on.
	Host string

	// Port is the container-side port.
	Port int

	// PublishedPort is the host-side port Docker mapped it to.
	PublishedPort int

	// Labels are the container labels, used for naming and diagnostics.
	Labels map[string]string
}

// String returns a human-readable representation of the service.
func (s Service) String() string {
	return s.Name + ":" + strconv.Itoa(s.PublishedPort)
}

// TargetAddr is the address forwarded connections are dialed to.
func (s Service) TargetAddr() string {
	return s.Host + ":" + strconv.Itoa(s.PublishedPort)
}

// Services is a slice of Service with helper methods.
type Services []Service

// Names returns all service names, in slice order.
func (ss Services) Names() []string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.Name
	}
	return names
}

// normalizeContainerName extracts a usable name from the Docker API's
// name list, which prefixes names with a slash.
func normalizeContainerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// servicesFromSummaries converts container summaries into the flat list of
// published TCP endpoints. One container exposing three published ports
// yields three services. Unpublished and non-TCP port mappings are
// skipped; dual-stack bindings of the same host port collapse into one
// entry. The result is sorted for deterministic downstream processing.
func servicesFromSummaries(summaries []container.Summary, targetHost string) Services {
	services := make(Services, 0, len(summaries))
	seen := make(map[string]bool)

	for _, c := range summaries {
		name := c.Labels[labelComposeService]
		if name == "" {
			name = normalizeContainerName(c.Names)
		}

		for _, p := range c.Ports {
			if p.PublicPort == 0 || p.Type != "tcp" {
				continue
			}

			key := c.ID + ":" + strconv.Itoa(int(p.PublicPort))
			if seen[key] {
				continue
			}
			seen[key] = true

			services = append(services, Service{
				ContainerID:   c.ID,
				Name:          name,
				Host:          targetHost,
				Port:          int(p.PrivatePort),
				PublishedPort: int(p.PublicPort),
				Labels:        c.Labels,
			})
		}
	}

	sort.Slice(services, func(i, j int) bool {
		if services[i].ContainerID != services[j].ContainerID {
			return services[i].ContainerID < services[j].ContainerID
		}
		return services[i].PublishedPort < services[j].PublishedPort
	})

	return services
}
