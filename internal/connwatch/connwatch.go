// Package connwatch tracks whether inference backends are reachable.
//
// A Watcher pings one backend in two phases: at startup it retries with
// exponential backoff (2s, 4s, 8s, capped at 60s) so a backend that is
// still booting is picked up quickly, then it settles into periodic
// polling and reports up/down transitions. Completion requests never
// wait on a watcher; the status only feeds /health and the logs.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a backend is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is anything with a reachability check, such as an llm.Provider.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe adapts a Pinger to a ProbeFunc.
func PingProbe(p Pinger) ProbeFunc {
	return p.Ping
}

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first startup retry delay
	MaxDelay     time.Duration // ceiling for startup retry delays
	Multiplier   float64
	MaxRetries   int           // startup probes before switching to polling
	PollInterval time.Duration // background check interval
	ProbeTimeout time.Duration // per-probe limit
}

// DefaultBackoff returns the production schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoff.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config configures a single watcher.
type Config struct {
	Name    string // backend name, e.g. "ollama"
	Probe   ProbeFunc
	Backoff Backoff

	// OnUp and OnDown run in their own goroutine on each transition.
	// Both are optional.
	OnUp   func()
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is the health of one backend as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one backend.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the backend answered its last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	log := w.cfg.Logger.With("backend", w.cfg.Name)

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			log.Info("backend reachable", "after_attempts", attempt)
			w.transition(true, nil)
			break
		}
		if attempt == b.MaxRetries {
			log.Warn("backend unreachable at startup, polling in background",
				"attempts", attempt, "error", err)
			break
		}
		log.Debug("backend probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			switch was := w.ready.Load(); {
			case was && err != nil:
				log.Warn("backend became unreachable", "error", err)
				w.transition(false, err)
			case !was && err == nil:
				log.Info("backend recovered")
				w.transition(true, nil)
			case !was:
				log.Debug("backend still unreachable", "error", err)
			}
		}
	}
}

func (w *Watcher) transition(up bool, err error) {
	w.ready.Store(up)
	switch {
	case up && w.cfg.OnUp != nil:
		go w.cfg.OnUp()
	case !up && w.cfg.OnDown != nil:
		go w.cfg.OnDown(err)
	}
}

// check runs one probe under the probe timeout and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	defer cancel()
	err := w.cfg.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
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

// Manager owns the watchers of every configured backend.
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
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. A watcher already registered under the same name is stopped
// and replaced. Name and Probe are required; a missing one panics.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

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

// Status returns the status of every watched backend, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down every watcher.
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
