// Package connwatch supervises long-lived dependencies (tool server
// connections) with exponential backoff.
//
// Each Watcher runs one loop per dependency: it probes, and while the
// probe fails it waits with a growing delay (2s, 4s, 8s, ... capped at
// 60s) before probing again. Once the probe succeeds the delay resets
// and the watcher falls back to a slow poll. Probes are expected to do
// the recovery work themselves, such as restarting a degraded server,
// so backoff spaces out restart attempts rather than mere checks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks, and if possible restores, a dependency. Return nil
// if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the wait after the first failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure (default: 2.0).
	Multiplier float64

	// PollInterval is the wait between probes while healthy (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 30s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard supervision schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// next grows delay by the multiplier, capped at MaxDelay.
func (c BackoffConfig) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * c.Multiplier)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the dependency in logs and status.
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called on a not-ready → ready transition, including
	// the first successful probe. Runs in its own goroutine. Optional.
	OnReady func()

	// OnDown is called on a ready → not-ready transition. Runs in its
	// own goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is a watcher's health, suitable for JSON output.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher supervises one dependency.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger.With("service", w.config.Name)
	delay := cfg.InitialDelay
	first := true

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		var wait time.Duration
		switch {
		case err == nil:
			delay = cfg.InitialDelay
			wait = cfg.PollInterval
			if !wasReady {
				w.ready.Store(true)
				if !first {
					logger.Info("service recovered", "after_failures", failures)
				}
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			}
		default:
			wait = delay
			delay = cfg.next(delay)
			if wasReady {
				w.ready.Store(false)
				logger.Warn("service became unavailable", "error", err)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			} else {
				logger.Debug("service still unavailable",
					"failures", failures,
					"next_delay", wait.String(),
					"error", err,
				)
			}
		}
		first = false

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the number of
// consecutive failures.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watcher manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Registering a name twice stops the older watcher.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns the health of every watched dependency.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
