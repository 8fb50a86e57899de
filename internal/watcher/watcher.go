// Package watcher turns Docker container events into debounced service
// snapshots.
//
// The watcher subscribes to container lifecycle events (start, stop, die,
// destroy) and, once a burst of events settles, lists the currently
// exposed services and delivers the full set to a registered callback.
// Consumers always receive a complete snapshot, never incremental diffs.
//
// Key features:
//   - Event filtering (only watches relevant events)
//   - Debouncing for rapid events during deployments
//   - Graceful shutdown with context cancellation
//   - Automatic reconnection on Docker socket errors
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/keshavkumarhembram/preevy/internal/docker"
	"github.com/keshavkumarhembram/preevy/internal/metrics"
)

// ServiceLister provides the current set of exposed services.
// *docker.Client satisfies it.
type ServiceLister interface {
	ListServices(ctx context.Context) (docker.Services, error)
}

// SnapshotFunc receives the full set of currently exposed services after
// each settled change. The slice is owned by the callee.
type SnapshotFunc func(services docker.Services)

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval is the time to wait for additional events before
	// listing services and delivering a snapshot. This prevents rapid-fire
	// deliveries during deployments.
	// Default: 500 milliseconds
	DebounceInterval time.Duration

	// ReconnectInterval is the time to wait before resubscribing after an
	// event stream error.
	// Default: 5 seconds
	ReconnectInterval time.Duration

	// ListTimeout bounds the service listing performed for each snapshot.
	// Default: 10 seconds
	ListTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceInterval:  500 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
		ListTimeout:       10 * time.Second,
	}
}

// Watcher monitors Docker events and delivers service snapshots on
// container changes.
type Watcher struct {
	dockerClient *docker.Client
	lister       ServiceLister
	onSnapshot   SnapshotFunc
	config       Config
	logger       *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
	debounce *time.Timer
}

// Option is a functional option for configuring the Watcher.
type Option func(*Watcher)

// WithConfig sets the watcher configuration.
func WithConfig(cfg Config) Option {
	return func(w *Watcher) {
		w.config = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithLister overrides the service lister. Intended for tests; by default
// the Docker client itself is used.
func WithLister(lister ServiceLister) Option {
	return func(w *Watcher) {
		if lister != nil {
			w.lister = lister
		}
	}
}

// New creates a new Docker event watcher.
func New(dockerClient *docker.Client, onSnapshot SnapshotFunc, opts ...Option) *Watcher {
	w := &Watcher{
		dockerClient: dockerClient,
		onSnapshot:   onSnapshot,
		config:       DefaultConfig(),
		logger:       slog.Default(),
	}

	if dockerClient != nil {
		w.lister = dockerClient
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start begins watching Docker events.
// This method is non-blocking — it starts a goroutine and returns
// immediately. Call Stop() to halt watching.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.mu.Unlock()

	go w.watchLoop(ctx)

	w.logger.Info("docker event watcher started",
		slog.Duration("debounce", w.config.DebounceInterval),
	)

	return nil
}

// Stop halts the event watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}

	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}

	w.running = false
	w.logger.Info("docker event watcher stopped")
}

// IsRunning returns whether the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := w.watch(ctx); err != nil {
				if ctx.Err() != nil {
					// Context cancelled, exit cleanly
					return
				}
				w.logger.Warn("event stream error, reconnecting",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", w.config.ReconnectInterval),
				)
				metrics.DockerWatcherReconnects.Inc()
				time.Sleep(w.config.ReconnectInterval)
			}
		}
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	rawClient := w.dockerClient.RawClient()

	filterArgs := w.buildEventFilters()

	w.logger.Debug("subscribing to docker events",
		slog.Any("filters", filterArgs),
	)

	eventsChan, errChan := rawClient.Events(ctx, events.ListOptions{
		Filters: filterArgs,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errChan:
			return err

		case event := <-eventsChan:
			w.handleEvent(event)
		}
	}
}

func (w *Watcher) buildEventFilters() filters.Args {
	filterArgs := filters.NewArgs()

	filterArgs.Add("type", string(events.ContainerEventType))
	filterArgs.Add("event", "start")
	filterArgs.Add("event", "stop")
	filterArgs.Add("event", "die")
	filterArgs.Add("event", "destroy")

	return filterArgs
}

func (w *Watcher) handleEvent(event events.Message) {
	metrics.DockerEventsProcessed.Inc()

	w.logger.Debug("received docker event",
		slog.String("type", string(event.Type)),
		slog.String("action", string(event.Action)),
		slog.String("actor_id", event.Actor.ID),
		slog.Any("attributes", event.Actor.Attributes),
	)

	// Debounce: reset timer on each event
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.config.DebounceInterval, func() {
		w.deliverSnapshot()
	})
	w.mu.Unlock()
}

// deliverSnapshot lists exposed services and hands the full set to the
// callback. A listing failure skips the delivery; the next container
// event retries.
func (w *Watcher) deliverSnapshot() {
	if w.lister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.ListTimeout)
	defer cancel()

	services, err := w.lister.ListServices(ctx)
	if err != nil {
		w.logger.Warn("listing services for snapshot failed",
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("delivering service snapshot",
		slog.Int("services", len(services)),
	)
	metrics.SnapshotsDelivered.Inc()

	if w.onSnapshot != nil {
		w.onSnapshot(services)
	}
}

// TriggerNow immediately lists services and delivers a snapshot,
// bypassing debounce. Useful for the initial snapshot at startup.
func (w *Watcher) TriggerNow() {
	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()

	w.deliverSnapshot()
}

// MockWatcher is a test double for the Watcher.
// It records delivered snapshots for verification.
type MockWatcher struct {
	mu             sync.Mutex
	snapshots      []docker.Services
	onSnapshot     SnapshotFunc
	running        bool
	SimulatedError error
}

// NewMockWatcher creates a new mock watcher for testing.
func NewMockWatcher() *MockWatcher {
	return &MockWatcher{}
}

// Start implements the Start method for testing.
func (m *MockWatcher) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SimulatedError != nil {
		return m.SimulatedError
	}

	m.running = true
	return nil
}

// Stop implements the Stop method for testing.
func (m *MockWatcher) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

// IsRunning returns whether the mock watcher is running.
func (m *MockWatcher) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SimulateSnapshot delivers a service snapshot as if a settled container
// change had produced it.
func (m *MockWatcher) SimulateSnapshot(services docker.Services) {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, services)
	fn := m.onSnapshot
	m.mu.Unlock()

	if fn != nil {
		fn(services)
	}
}

// SnapshotCount returns the number of snapshots delivered.
func (m *MockWatcher) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// OnSnapshot sets a callback for delivered snapshots.
func (m *MockWatcher) OnSnapshot(fn SnapshotFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSnapshot = fn
}
