// Package connwatch tracks whether Home Assistant is reachable and tells
// the rest of haletta when that changes. While the service is down it is
// probed with exponential backoff; once up it is polled at a fixed
// interval. Transport-level dial retries live in httpkit; this package
// deals with outages that last seconds to hours.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. nil means healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first wait after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps the wait between failed probes.
	MaxDelay   time.Duration
	Multiplier float64
	// PollInterval is the wait between probes while healthy.
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig retries at 2s, 4s, 8s ... up to a minute and
// polls a healthy service every minute.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one watched service.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig
	// OnReady runs on its own goroutine every time the service becomes
	// reachable, including the first time.
	OnReady func()
	// OnDown runs on its own goroutine when a reachable service stops
	// answering.
	OnDown func(err error)
	Logger *slog.Logger
}

// ServiceStatus is a watcher's state for the health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service.
type Watcher struct {
	cfg    WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop ends the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	delay := b.InitialDelay
	failures := 0

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.observe(err, failures)

		var wait time.Duration
		if err == nil {
			failures = 0
			delay = b.InitialDelay
			wait = b.PollInterval
		} else {
			failures++
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(ctx)
}

// observe records a probe result and fires transition callbacks.
func (w *Watcher) observe(err error, failures int) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	log := w.cfg.Logger.With("service", w.cfg.Name)
	wasReady := w.ready.Swap(err == nil)

	switch {
	case err == nil && !wasReady:
		log.Info("service connected", "after_failures", failures)
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case err != nil && wasReady:
		log.Warn("service became unreachable", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case err != nil:
		log.Debug("service unreachable", "failures", failures+1, "error", err)
	}
}

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

// Manager owns the watchers of a process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// It panics on an empty Name or nil Probe.
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

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(ctx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns every watcher's status by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Ready reports whether every watched service is reachable.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop stops every watcher.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
