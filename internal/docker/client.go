// Package docker discovers the services exposed by running containers on
// the local daemon.
package docker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DefaultTargetHost is where published ports are dialed when no override
// is configured. The agent runs on the Docker host, so the loopback
// reaches every published port.
const DefaultTargetHost = "127.0.0.1"

// Client wraps the Docker SDK client with service discovery.
type Client struct {
	docker     *client.Client
	host       string
	project    string
	targetHost string
	logger     *slog.Logger
}

// NewClient creates a Docker client and verifies daemon connectivity.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		targetHost: DefaultTargetHost,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	sdkOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if c.host != "" {
		sdkOpts = append(sdkOpts, client.WithHost(c.host))
	}

	docker, err := client.NewClientWithOpts(sdkOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	c.docker = docker

	if _, err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return nil, fmt.Errorf("pinging docker daemon: %w", err)
	}

	c.logger.Debug("docker client connected",
		slog.String("host", docker.DaemonHost()),
		slog.String("api_version", docker.ClientVersion()),
	)

	return c, nil
}

// ListServices returns the published TCP endpoints of all running
// containers, optionally restricted to one compose project.
func (c *Client) ListServices(ctx context.Context) (Services, error) {
	filterArgs := filters.NewArgs(filters.Arg("status", "running"))
	if c.project != "" {
		filterArgs.Add("label", labelComposeProject+"="+c.project)
	}

	summaries, err := c.docker.ContainerList(ctx, container.ListOptions{
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	services := servicesFromSummaries(summaries, c.targetHost)

	c.logger.Debug("listed exposed services",
		slog.Int("containers", len(summaries)),
		slog.Int("services", len(services)),
	)

	return services, nil
}

// Ping verifies the Docker daemon is still reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// RawClient returns the underlying Docker SDK client for event streaming.
func (c *Client) RawClient() *client.Client {
	return c.docker
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	if c.docker == nil {
		return nil
	}
	return c.docker.Close()
}
