package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// Forward describes a single remote port forward.
type Forward struct {
	// BindAddr is the listen address requested on the tunnel server,
	// e.g. "0.0.0.0:8080".
	BindAddr string

	// TargetAddr is the local address forwarded connections are dialed
	// to, e.g. "127.0.0.1:8080".
	TargetAddr string
}

// String returns a human-readable representation of the forward.
func (f Forward) String() string {
	return f.BindAddr + " -> " + f.TargetAddr
}

// tunnelConn is the subset of *ssh.Client used to establish forwards.
// Narrowed to an interface so the registry can be exercised without a
// live SSH connection.
type tunnelConn interface {
	Listen(network, addr string) (net.Listener, error)
}

// OpenTunnel requests a remote forward on the tunnel server and starts
// proxying accepted connections to the forward's target address.
//
// Opening a tunnel that is already open is a no-op. The operation is
// bounded by the configured operation timeout and by the client-wide
// concurrency limit; a failure affects only this tunnel.
func (c *Client) OpenTunnel(ctx context.Context, name string, fwd Forward) error {
	if c.forwards.has(name) {
		return nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring tunnel slot: %w", err)
	}
	defer c.sem.Release(1)

	conn, err := c.connection()
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, c.config.GetOpTimeout())
	defer cancel()

	return c.forwards.open(opCtx, conn, name, fwd)
}

// CloseTunnel closes a remote forward. Closing a tunnel that is not open
// is a no-op.
func (c *Client) CloseTunnel(ctx context.Context, name string) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring tunnel slot: %w", err)
	}
	defer c.sem.Release(1)

	return c.forwards.close(name)
}

// ActiveTunnels returns the names of all currently open tunnels, sorted.
func (c *Client) ActiveTunnels() []string {
	return c.forwards.names()
}

// activeForward is one live remote forward.
type activeForward struct {
	fwd Forward
	ln  net.Listener
}

// forwardSet is the registry of live forwards on one client.
type forwardSet struct {
	logger      *slog.Logger
	dialTimeout time.Duration

	mu     sync.Mutex
	active map[string]*activeForward
}

func newForwardSet(logger *slog.Logger) *forwardSet {
	return &forwardSet{
		logger:      logger,
		dialTimeout: 10 * time.Second,
		active:      make(map[string]*activeForward),
	}
}

func (s *forwardSet) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[name]
	return ok
}

func (s *forwardSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// add registers a forward, returning false if the name is already taken.
func (s *forwardSet) add(name string, fwd Forward, ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[name]; ok {
		return false
	}
	s.active[name] = &activeForward{fwd: fwd, ln: ln}
	return true
}

// open requests the remote listener and starts the accept loop.
// ssh.Client.Listen has no context support, so the request runs in a
// goroutine and a late listener is closed if the context fires first.
func (s *forwardSet) open(ctx context.Context, conn tunnelConn, name string, fwd Forward) error {
	type listenOutcome struct {
		ln  net.Listener
		err error
	}

	resCh := make(chan listenOutcome, 1)
	go func() {
		ln, err := conn.Listen("tcp", fwd.BindAddr)
		resCh <- listenOutcome{ln: ln, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.ln != nil {
				_ = res.ln.Close()
			}
		}()
		return fmt.Errorf("remote listen on %s: %w", fwd.BindAddr, ctx.Err())

	case res := <-resCh:
		if res.err != nil {
			return fmt.Errorf("remote listen on %s: %w", fwd.BindAddr, res.err)
		}

		if !s.add(name, fwd, res.ln) {
			// Lost a race with a concurrent open of the same tunnel.
			_ = res.ln.Close()
			return nil
		}

		s.logger.Debug("tunnel opened",
			slog.String("tunnel", name),
			slog.String("bind", fwd.BindAddr),
			slog.String("target", fwd.TargetAddr),
		)

		go s.acceptLoop(name, fwd, res.ln)
		return nil
	}
}

// close shuts one forward down. The entry is removed even if closing the
// listener errors; a stale remote bind resolves itself when the server
// notices, and a reopen attempt surfaces any persistent problem.
func (s *forwardSet) close(name string) error {
	s.mu.Lock()
	af, ok := s.active[name]
	if ok {
		delete(s.active, name)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	s.logger.Debug("tunnel closed",
		slog.String("tunnel", name),
		slog.String("bind", af.fwd.BindAddr),
	)

	if err := af.ln.Close(); err != nil {
		return fmt.Errorf("closing remote listener for %s: %w", name, err)
	}
	return nil
}

// dropAll closes every forward and empties the registry. Used on
// connection loss and client shutdown. Returns the number dropped.
func (s *forwardSet) dropAll() int {
	s.mu.Lock()
	dropped := make([]*activeForward, 0, len(s.active))
	for _, af := range s.active {
		dropped = append(dropped, af)
	}
	s.active = make(map[string]*activeForward)
	s.mu.Unlock()

	for _, af := range dropped {
		_ = af.ln.Close()
	}
	return len(dropped)
}

// acceptLoop serves one forward until its listener closes.
func (s *forwardSet) acceptLoop(name string, fwd Forward, ln net.Listener) {
	for {
		remote, err := ln.Accept()
		if err != nil {
			// Listener closed: CloseTunnel, connection loss, or shutdown.
			s.logger.Debug("tunnel listener closed",
				slog.String("tunnel", name),
			)
			return
		}

		go s.proxy(name, fwd, remote)
	}
}

// proxy shuttles one accepted connection to the forward's target.
func (s *forwardSet) proxy(name string, fwd Forward, remote net.Conn) {
	defer remote.Close()

	local, err := net.DialTimeout("tcp", fwd.TargetAddr, s.dialTimeout)
	if err != nil {
		s.logger.Warn("tunnel target unreachable",
			slog.String("tunnel", name),
			slog.String("target", fwd.TargetAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, remote)
		closeWrite(local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(remote, local)
		closeWrite(remote)
		done <- struct{}{}
	}()
	<-done
	<-done
}

// closeWrite half-closes a connection if the transport supports it, so
// the peer sees EOF while the other direction keeps draining.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
