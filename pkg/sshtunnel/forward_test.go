package sshtunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeTunnelConn stands in for the SSH connection: Listen binds a local
// ephemeral port instead of a remote one, so the registry and proxy paths
// run against real TCP without a tunnel server.
type fakeTunnelConn struct {
	listenErr error
	delay     time.Duration

	mu        sync.Mutex
	listeners []net.Listener
}

func (f *fakeTunnelConn) Listen(_, _ string) (net.Listener, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.listenErr != nil {
		return nil, f.listenErr
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.listeners = append(f.listeners, ln)
	f.mu.Unlock()
	return ln, nil
}

// addr returns the bind address of the i-th listener handed out.
func (f *fakeTunnelConn) addr(t *testing.T, i int) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.listeners) {
		t.Fatalf("fake conn handed out %d listeners, need index %d", len(f.listeners), i)
	}
	return f.listeners[i].Addr().String()
}

// startEchoServer runs a TCP server that echoes everything back.
func startEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestForward_String(t *testing.T) {
	fwd := Forward{BindAddr: "0.0.0.0:8080", TargetAddr: "127.0.0.1:8080"}
	if got, want := fwd.String(), "0.0.0.0:8080 -> 127.0.0.1:8080"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestForwardSet_ProxyRoundTrip(t *testing.T) {
	echo := startEchoServer(t)

	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{}

	err := s.open(context.Background(), conn, "web-8080-abc", Forward{
		BindAddr:   "0.0.0.0:8080",
		TargetAddr: echo,
	})
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	defer s.dropAll()

	client, err := net.Dial("tcp", conn.addr(t, 0))
	if err != nil {
		t.Fatalf("dialing tunnel listener: %v", err)
	}
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	msg := "hello through the tunnel"
	if _, err := client.Write([]byte(msg)); err != nil {
		t.Fatalf("writing: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if got := string(buf); got != msg {
		t.Errorf("echoed %q, want %q", got, msg)
	}
}

func TestForwardSet_Open_duplicateName(t *testing.T) {
	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{}
	fwd := Forward{BindAddr: "0.0.0.0:8080", TargetAddr: "127.0.0.1:9"}

	if err := s.open(context.Background(), conn, "web-8080-abc", fwd); err != nil {
		t.Fatalf("open() error = %v", err)
	}
	defer s.dropAll()

	// A concurrent open that lost the race converges without error.
	if err := s.open(context.Background(), conn, "web-8080-abc", fwd); err != nil {
		t.Fatalf("duplicate open() error = %v", err)
	}

	if got := s.names(); len(got) != 1 {
		t.Errorf("names() = %v, want a single entry", got)
	}
}

func TestForwardSet_Open_contextCanceled(t *testing.T) {
	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{delay: 500 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.open(ctx, conn, "web-8080-abc", Forward{
		BindAddr:   "0.0.0.0:8080",
		TargetAddr: "127.0.0.1:9",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("open() error = %v, want context.DeadlineExceeded", err)
	}
	if got := s.names(); len(got) != 0 {
		t.Errorf("names() after canceled open = %v, want none", got)
	}
}

func TestForwardSet_Open_listenError(t *testing.T) {
	listenErr := errors.New("administratively prohibited")
	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{listenErr: listenErr}

	err := s.open(context.Background(), conn, "web-8080-abc", Forward{
		BindAddr:   "0.0.0.0:8080",
		TargetAddr: "127.0.0.1:9",
	})
	if !errors.Is(err, listenErr) {
		t.Fatalf("open() error = %v, want wrapped listen error", err)
	}
	if got := s.names(); len(got) != 0 {
		t.Errorf("names() after failed open = %v, want none", got)
	}
}

func TestForwardSet_Close(t *testing.T) {
	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{}

	err := s.open(context.Background(), conn, "web-8080-abc", Forward{
		BindAddr:   "0.0.0.0:8080",
		TargetAddr: "127.0.0.1:9",
	})
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}

	if err := s.close("web-8080-abc"); err != nil {
		t.Fatalf("close() error = %v", err)
	}
	if s.has("web-8080-abc") {
		t.Error("has() = true after close")
	}

	// The listener is down: new connections are refused.
	if _, err := net.DialTimeout("tcp", conn.addr(t, 0), time.Second); err == nil {
		t.Error("dial succeeded after close, want refused")
	}

	if err := s.close("web-8080-abc"); err != nil {
		t.Errorf("close() on absent tunnel error = %v", err)
	}
}

func TestForwardSet_DropAll(t *testing.T) {
	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{}

	for _, name := range []string{"web-8080-abc", "db-5432-def"} {
		err := s.open(context.Background(), conn, name, Forward{
			BindAddr:   "0.0.0.0:8080",
			TargetAddr: "127.0.0.1:9",
		})
		if err != nil {
			t.Fatalf("open(%s) error = %v", name, err)
		}
	}

	if got := s.dropAll(); got != 2 {
		t.Errorf("dropAll() = %d, want 2", got)
	}
	if got := s.names(); len(got) != 0 {
		t.Errorf("names() after dropAll = %v, want none", got)
	}
	if got := s.dropAll(); got != 0 {
		t.Errorf("second dropAll() = %d, want 0", got)
	}
}

func TestForwardSet_Proxy_targetUnreachable(t *testing.T) {
	// A target nobody listens on: the proxy drops the accepted connection.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	targetAddr := target.Addr().String()
	_ = target.Close()

	s := newForwardSet(discardLogger())
	conn := &fakeTunnelConn{}

	err = s.open(context.Background(), conn, "web-8080-abc", Forward{
		BindAddr:   "0.0.0.0:8080",
		TargetAddr: targetAddr,
	})
	if err != nil {
		t.Fatalf("open() error = %v", err)
	}
	defer s.dropAll()

	client, err := net.Dial("tcp", conn.addr(t, 0))
	if err != nil {
		t.Fatalf("dialing tunnel listener: %v", err)
	}
	defer client.Close()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	// The connection is accepted, then closed once the target dial fails.
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("read succeeded, want closed connection")
	}
}
