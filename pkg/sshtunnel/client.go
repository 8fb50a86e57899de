// Package sshtunnel maintains remote port-forward tunnels over a single
// persistent SSH connection.
package sshtunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"
)

// Client manages the persistent connection to the tunnel server and the
// remote forwards multiplexed over it.
//
// After a successful Connect, a dropped connection is re-established
// automatically with exponential backoff; active forwards are discarded on
// a drop and must be reopened by the caller once the connection returns
// (see WithStateListener).
type Client struct {
	config        *Config
	logger        *slog.Logger
	clk           clock.Clock
	onStateChange func(connected bool)

	forwards *forwardSet
	sem      *semaphore.Weighted

	lifeCtx    context.Context //nolint:containedctx // client lifetime context
	lifeCancel context.CancelFunc

	mu         sync.RWMutex
	conn       *ssh.Client
	connCancel context.CancelFunc
	closed     bool
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the tunnel client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for reconnect backoff. Intended for tests.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithStateListener registers a callback invoked when the connection goes
// down or comes back up. Callbacks are invoked from the connection
// goroutine in transition order and must not block for long.
func WithStateListener(fn func(connected bool)) ClientOption {
	return func(c *Client) {
		c.onStateChange = fn
	}
}

// NewClient creates a new tunnel client with the given configuration.
// The client is not connected until Connect() is called.
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	c := &Client{
		config:     config,
		logger:     slog.Default(),
		clk:        clock.WallClock,
		sem:        semaphore.NewWeighted(config.GetMaxConcurrentOps()),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.forwards = newForwardSet(c.logger)

	return c, nil
}

// Connect establishes the SSH connection to the tunnel server.
// If already connected, returns ErrAlreadyConnected. A failure here is
// not retried; automatic reconnection only guards an established
// connection that later drops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.RUnlock()
		return ErrAlreadyConnected
	}
	c.mu.RUnlock()

	c.logger.Debug("connecting to tunnel server",
		slog.String("host", c.config.Host),
		slog.Int("port", c.config.Port),
		slog.String("user", c.config.User),
		slog.Bool("tls", c.config.TLS),
	)

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if err := c.install(conn); err != nil {
		_ = conn.Close() // Best effort cleanup
		return err
	}

	c.logger.Info("ssh connection established",
		slog.String("host", c.config.Host),
		slog.Int("port", c.config.Port),
	)

	c.notifyState(true)
	return nil
}

// Close tears down all forwards and the SSH connection, and stops any
// reconnection in progress. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	c.mu.Unlock()

	c.lifeCancel()
	if cancel != nil {
		cancel()
	}

	c.forwards.dropAll()

	if conn == nil {
		return nil
	}

	err := conn.Close()

	c.logger.Debug("ssh connection closed",
		slog.String("host", c.config.Host),
	)

	return err
}

// IsConnected returns true if the client has an active connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// connection returns the live SSH connection or an error describing why
// there is none.
func (c *Client) connection() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// dial performs one connection attempt and classifies host key rejections.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	sshConfig, verifier, err := buildClientConfig(c.config)
	if err != nil {
		return nil, fmt.Errorf("building ssh config: %w", err)
	}

	conn, err := dialEndpoint(ctx, c.config, sshConfig)
	if err != nil {
		if key, ok := verifier.rejectedKey(); ok {
			return nil, fmt.Errorf("%w: %s", ErrHostKeyUnverified, FormatKey(key))
		}
		return nil, err
	}

	return conn, nil
}

// install registers a freshly dialed connection and starts its keepalive
// and watch goroutines.
func (c *Client) install(conn *ssh.Client) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.conn = conn

	connCtx, cancel := context.WithCancel(context.Background())
	c.connCancel = cancel
	c.mu.Unlock()

	if interval := c.config.GetKeepaliveInterval(); interval > 0 {
		go c.keepalive(connCtx, conn, interval)
	}
	go c.watchConnection(conn)

	return nil
}

// watchConnection blocks until the connection dies, then tears down its
// forwards and hands over to the reconnect loop.
func (c *Client) watchConnection(conn *ssh.Client) {
	err := conn.Wait()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		// Close() or a newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	cancel := c.connCancel
	c.connCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	c.logger.Warn("ssh connection lost",
		slog.String("host", c.config.Host),
		slog.String("error", reason),
	)

	if dropped := c.forwards.dropAll(); dropped > 0 {
		c.logger.Debug("discarded tunnels after connection loss",
			slog.Int("count", dropped),
		)
	}

	c.notifyState(false)
	c.reconnect()
}

// reconnect re-establishes a dropped connection with exponential backoff
// and jitter, retrying until it succeeds or the client is closed.
func (c *Client) reconnect() {
	minDelay := c.config.GetReconnectMinDelay()
	maxDelay := c.config.GetReconnectMaxDelay()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.redial(c.lifeCtx)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled)
		},
		NotifyFunc: func(lastError error, attempt int) {
			c.logger.Warn("reconnect attempt failed",
				slog.String("host", c.config.Host),
				slog.Int("attempt", attempt),
				slog.String("error", lastError.Error()),
			)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       minDelay,
		MaxDelay:    maxDelay,
		BackoffFunc: retry.ExpBackoff(minDelay, maxDelay, 2.0, true),
		Clock:       c.clk,
		Stop:        c.lifeCtx.Done(),
	})
	if err != nil {
		if retry.IsRetryStopped(err) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			c.logger.Debug("reconnect abandoned, client closing")
			return
		}
		c.logger.Error("reconnect failed",
			slog.String("host", c.config.Host),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.Info("ssh connection re-established",
		slog.String("host", c.config.Host),
	)

	c.notifyState(true)
}

// redial performs a single reconnect attempt.
func (c *Client) redial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	if err := c.install(conn); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrAlreadyConnected) {
			return nil
		}
		return err
	}

	return nil
}

// keepalive sends periodic keepalive messages on one connection.
// A failed keepalive closes the connection so the watch goroutine can
// start reconnecting instead of waiting for TCP to notice.
func (c *Client) keepalive(ctx context.Context, conn *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				c.logger.Warn("keepalive failed, closing connection",
					slog.String("host", c.config.Host),
					slog.String("error", err.Error()),
				)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) notifyState(connected bool) {
	if c.onStateChange != nil {
		c.onStateChange(connected)
	}
}

// buildClientConfig creates the ssh.ClientConfig and its host key verifier.
func buildClientConfig(config *Config) (*ssh.ClientConfig, *hostKeyVerifier, error) {
	signer, err := parseSigner(config)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing private key: %w", err)
	}

	verifier := newHostKeyVerifier(config)

	return &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: verifier.callback(),
		Timeout:         config.GetConnectTimeout(),
	}, verifier, nil
}

// parseSigner parses the private key, handling encrypted keys if a
// passphrase is provided.
func parseSigner(config *Config) (ssh.Signer, error) {
	if config.Passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(config.PrivateKey, []byte(config.Passphrase))
	}
	return ssh.ParsePrivateKey(config.PrivateKey)
}

// dialEndpoint dials the tunnel server, optionally wrapping the transport
// in TLS, and performs the SSH handshake.
func dialEndpoint(ctx context.Context, config *Config, sshConfig *ssh.ClientConfig) (*ssh.Client, error) {
	timeout := config.GetConnectTimeout()
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()

	dialer := &net.Dialer{
		Timeout: timeout,
	}

	netConn, err := dialer.DialContext(dialCtx, "tcp", config.Address())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, fmt.Errorf("dialing %s: %w", config.Address(), err)
	}

	if config.TLS {
		tlsConn := tls.Client(netConn, &tls.Config{
			ServerName:         config.ServerName(),
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // User explicitly requested skip
		})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = netConn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", config.Address(), err)
		}
		netConn = tlsConn
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, config.Address(), sshConfig)
	if err != nil {
		_ = netConn.Close() // Best effort cleanup
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}
