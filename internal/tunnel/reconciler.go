package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/keshavkumarhembram/preevy/internal/docker"
	"github.com/keshavkumarhembram/preevy/internal/metrics"
	"github.com/keshavkumarhembram/preevy/pkg/sshtunnel"
)

// Manager is the tunnel backend the reconciler drives. Both operations
// are idempotent, so replaying a cycle against an already converged
// backend performs no work. *sshtunnel.Client satisfies it.
type Manager interface {
	OpenTunnel(ctx context.Context, name string, fwd sshtunnel.Forward) error
	CloseTunnel(ctx context.Context, name string) error
}

// Config holds reconciler settings.
type Config struct {
	// ResyncInterval re-runs reconciliation against the last snapshot
	// even without new Docker events, retrying failed tunnels. Zero
	// disables periodic resync. Default: 0.
	ResyncInterval time.Duration

	// BindHost is the address remote listeners bind on the SSH server.
	// Default: "0.0.0.0".
	BindHost string
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 0,
		BindHost:       "0.0.0.0",
	}
}

// Reconciler converges the set of open tunnels toward the most recent
// service snapshot. Cycles run strictly one at a time; snapshots that
// arrive mid-cycle coalesce, and only the latest is applied next.
type Reconciler struct {
	manager Manager
	store   *Store
	config  Config
	logger  *slog.Logger

	// stateOut, when set, receives one JSON line per published snapshot.
	stateOut io.Writer

	// mailbox holds at most the latest pending snapshot.
	mailbox chan docker.Services

	mu            sync.Mutex
	desired       docker.Services
	hasDesired    bool
	everConnected bool
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithConfig replaces the default configuration.
func WithConfig(config Config) Option {
	return func(r *Reconciler) {
		r.config = config
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStateWriter emits every published snapshot as a single JSON line
// to w. The agent points this at stdout so supervisors can follow
// tunnel state without polling the API.
func WithStateWriter(w io.Writer) Option {
	return func(r *Reconciler) {
		r.stateOut = w
	}
}

// New creates a Reconciler that drives manager and publishes snapshots
// to store.
func New(manager Manager, store *Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		manager: manager,
		store:   store,
		config:  DefaultConfig(),
		logger:  slog.Default(),
		mailbox: make(chan docker.Services, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Submit hands a fresh service snapshot to the reconciler. It never
// blocks: if a snapshot is already waiting it is replaced, so a burst of
// events collapses into one cycle against the newest state.
func (r *Reconciler) Submit(services docker.Services) {
	r.mu.Lock()
	r.desired = services
	r.hasDesired = true
	r.mu.Unlock()

	for {
		select {
		case r.mailbox <- services:
			return
		default:
		}
		select {
		case <-r.mailbox:
		default:
		}
	}
}

// Start launches the reconcile loop. It returns immediately; cycles run
// on a background goroutine until Stop is called or ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("reconciler already running")
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)

	r.logger.Info("tunnel reconciler started",
		slog.Duration("resync_interval", r.config.ResyncInterval),
	)
}

// Stop halts the loop and waits for any in-flight cycle to finish.
// It is safe to call multiple times.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	cancel()
	<-done

	r.logger.Info("tunnel reconciler stopped")
}

// IsRunning reports whether the reconcile loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// ConnectionStateChanged is wired to the SSH client's state listener.
// On a drop it demotes every active tunnel to pending, so readers see
// at once that forwards are gone. On reconnect it resubmits the last
// snapshot, reopening everything on the fresh connection.
func (r *Reconciler) ConnectionStateChanged(connected bool) {
	r.mu.Lock()
	reconnect := connected && r.everConnected
	if connected {
		r.everConnected = true
	}
	desired := r.desired
	hasDesired := r.hasDesired
	r.mu.Unlock()

	if !connected {
		metrics.SSHConnected.Set(0)
		r.logger.Warn("ssh connection lost, tunnels pending")
		r.demoteActive()
		return
	}

	metrics.SSHConnected.Set(1)
	if reconnect {
		metrics.SSHReconnectsTotal.Inc()
		r.logger.Info("ssh connection restored, resubmitting snapshot")
		if hasDesired {
			r.Submit(desired)
		}
	}
}

// demoteActive republishes the current snapshot with every active tunnel
// marked pending. Remote listeners died with the connection, so the
// snapshot would otherwise claim forwards that no longer exist.
func (r *Reconciler) demoteActive() {
	current, ok := r.store.Current()
	if !ok {
		return
	}

	changed := false
	next := make(State, len(current))
	for name, tun := range current {
		if tun.Status == StatusActive {
			tun.Status = StatusPending
			tun.Error = ""
			changed = true
		}
		next[name] = tun
	}

	if changed {
		r.publish(next)
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)

	var resync <-chan time.Time
	if r.config.ResyncInterval > 0 {
		ticker := time.NewTicker(r.config.ResyncInterval)
		defer ticker.Stop()
		resync = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case services := <-r.mailbox:
			r.runCycle(ctx, services)
		case <-resync:
			r.mu.Lock()
			services := r.desired
			hasDesired := r.hasDesired
			r.mu.Unlock()
			if hasDesired {
				r.logger.Debug("periodic resync")
				r.runCycle(ctx, services)
			}
		}
	}
}

// runCycle applies one service snapshot: it closes tunnels whose service
// disappeared, then opens tunnels for new services. Closes always finish
// before opens begin, so a port moving between containers never sees two
// listeners bound at once. A cycle always runs to completion; a newer
// snapshot only takes effect afterwards.
func (r *Reconciler) runCycle(ctx context.Context, services docker.Services) {
	result := NewResult()
	result.Desired = len(services)

	desired := make(map[string]docker.Service, len(services))
	for _, svc := range services {
		desired[NameFor(svc)] = svc
	}

	current, _ := r.store.Current()

	var toClose, toOpen []string
	unchanged := make(State)

	for name, tun := range current {
		if _, want := desired[name]; want {
			if tun.Status == StatusActive {
				unchanged[name] = tun
			}
			continue
		}
		if tun.Status == StatusActive {
			toClose = append(toClose, name)
		}
	}
	for name := range desired {
		if _, ok := unchanged[name]; !ok {
			toOpen = append(toOpen, name)
		}
	}
	sort.Strings(toClose)
	sort.Strings(toOpen)
	result.Unchanged = len(unchanged)

	r.logger.Info("reconciliation cycle starting",
		slog.Int("desired", len(desired)),
		slog.Int("unchanged", len(unchanged)),
		slog.Int("to_open", len(toOpen)),
		slog.Int("to_close", len(toClose)),
	)

	for _, act := range r.closeTunnels(ctx, toClose, current) {
		result.AddAction(act)
	}

	openActs, openErrs := r.openTunnels(ctx, toOpen, desired)
	for _, act := range openActs {
		result.AddAction(act)
	}

	next := make(State, len(unchanged)+len(toOpen))
	for name, tun := range unchanged {
		next[name] = tun
	}
	for i, name := range toOpen {
		svc := desired[name]
		tun := Tunnel{
			Name:    name,
			Service: svc,
			Status:  StatusActive,
			Remote:  r.remoteAddr(svc),
		}
		if err := openErrs[i]; err != nil {
			tun.Status = StatusFailed
			tun.Error = err.Error()
		}
		next[name] = tun
	}

	r.publish(next)
	result.Complete()
	r.recordMetrics(result)

	r.logger.Info("reconciliation cycle complete",
		slog.String("summary", result.Summary()),
		slog.Duration("duration", result.Duration()),
	)
}

// closeTunnels tears down the named tunnels concurrently and returns one
// action per tunnel. Concurrency is bounded by the manager's operation
// limit. A failed close is logged and counted, but the tunnel is still
// dropped from the snapshot; the backend removes its record even when
// the listener refuses to close cleanly.
func (r *Reconciler) closeTunnels(ctx context.Context, names []string, current State) []Action {
	acts := make([]Action, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()

			act := Action{
				Type:   ActionClose,
				Status: ActionSuccess,
				Tunnel: name,
				Remote: current[name].Remote,
			}
			if err := r.manager.CloseTunnel(ctx, name); err != nil {
				act.Status = ActionFailed
				act.Error = err.Error()
				r.logger.Warn("failed to close tunnel",
					slog.String("tunnel", name),
					slog.String("error", err.Error()),
				)
			} else {
				r.logger.Info("tunnel closed",
					slog.String("tunnel", name),
					slog.String("remote", act.Remote),
				)
			}
			acts[i] = act
		}(i, name)
	}
	wg.Wait()

	return acts
}

// openTunnels establishes the named tunnels concurrently. Each failure
// is isolated: one unreachable port never blocks the rest of the
// snapshot from going live.
func (r *Reconciler) openTunnels(ctx context.Context, names []string, desired map[string]docker.Service) ([]Action, []error) {
	acts := make([]Action, len(names))
	errs := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()

			svc := desired[name]
			fwd := sshtunnel.Forward{
				BindAddr:   r.remoteAddr(svc),
				TargetAddr: svc.TargetAddr(),
			}

			act := Action{
				Type:   ActionOpen,
				Status: ActionSuccess,
				Tunnel: name,
				Remote: fwd.BindAddr,
				Target: fwd.TargetAddr,
			}
			if err := r.manager.OpenTunnel(ctx, name, fwd); err != nil {
				act.Status = ActionFailed
				act.Error = err.Error()
				errs[i] = err
				r.logger.Warn("failed to open tunnel",
					slog.String("tunnel", name),
					slog.String("remote", fwd.BindAddr),
					slog.String("target", fwd.TargetAddr),
					slog.String("error", err.Error()),
				)
			} else {
				r.logger.Info("tunnel opened",
					slog.String("tunnel", name),
					slog.String("remote", fwd.BindAddr),
					slog.String("target", fwd.TargetAddr),
				)
			}
			acts[i] = act
		}(i, name)
	}
	wg.Wait()

	return acts, errs
}

// remoteAddr returns the listen address requested on the SSH server for
// a service, binding its published port on the configured host.
func (r *Reconciler) remoteAddr(svc docker.Service) string {
	host := r.config.BindHost
	if host == "" {
		host = "0.0.0.0"
	}
	return host + ":" + strconv.Itoa(svc.PublishedPort)
}

// publish swaps the snapshot into the store and, when configured, emits
// it as one JSON line.
func (r *Reconciler) publish(state State) {
	r.store.Publish(state)

	metrics.TunnelsActive.Set(float64(state.Count(StatusActive)))
	metrics.TunnelsFailed.Set(float64(state.Count(StatusFailed)))

	if r.stateOut == nil {
		return
	}
	line, err := json.Marshal(state)
	if err != nil {
		r.logger.Warn("failed to serialize tunnel state", slog.String("error", err.Error()))
		return
	}
	line = append(line, '\n')
	if _, err := r.stateOut.Write(line); err != nil {
		r.logger.Warn("failed to write tunnel state", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) recordMetrics(result *Result) {
	status := "success"
	if result.HasErrors() {
		status = "error"
	}
	metrics.ReconciliationsTotal.WithLabelValues(status).Inc()
	metrics.ReconciliationDuration.Observe(result.Duration().Seconds())
	metrics.ServicesDesired.Set(float64(result.Desired))

	for _, act := range result.Actions {
		metrics.TunnelOpsTotal.WithLabelValues(string(act.Type), string(act.Status)).Inc()
	}
}
