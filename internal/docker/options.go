package docker

import "log/slog"

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHost sets the Docker host address.
// Examples:
//   - "unix:///var/run/docker.sock" (default Unix socket)
//   - "tcp://localhost:2375" (unencrypted TCP)
//
// If not set, the client uses the DOCKER_HOST environment variable
// or falls back to the default socket.
func WithHost(host string) Option {
	return func(c *Client) {
		c.host = host
	}
}

// WithProject restricts discovery to containers belonging to one compose
// project. Empty means all running containers are considered.
func WithProject(project string) Option {
	return func(c *Client) {
		c.project = project
	}
}

// WithTargetHost overrides the address used to dial published ports.
// Useful when the agent runs in a container and "127.0.0.1" is not the
// Docker host.
func WithTargetHost(host string) Option {
	return func(c *Client) {
		if host != "" {
			c.targetHost = host
		}
	}
}

// WithLogger sets a custom slog.Logger for the client.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}
