// Package connwatch watches the MQTT broker connection in the background
// and logs when it goes down or recovers. The session reconnects on its
// own; the watcher exists so an outage always leaves a trace in the log
// and so the status of the broker can be read at any time.
//
// The watcher probes in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at MaxDelay)
//     until the first healthy probe or MaxRetries.
//  2. Background: periodic polling with state-transition callbacks.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the broker is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// MaxRetries bounds the startup phase.
	MaxRetries int

	// PollInterval is the background check interval.
	PollInterval time.Duration

	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoff returns a schedule suited to a tracker whose keepalive
// is keepalive: startup retries at 1s, 2s, 4s ... capped at keepalive,
// and background polling once per keepalive.
func DefaultBackoff(keepalive time.Duration) Backoff {
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     keepalive,
		MaxRetries:   8,
		PollInterval: keepalive,
		ProbeTimeout: 5 * time.Second,
	}
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the watched endpoint in logs, e.g. the broker URL.
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff Backoff

	// OnReady runs on its own goroutine when the broker becomes
	// reachable. Optional.
	OnReady func()

	// OnDown runs on its own goroutine when the broker becomes
	// unreachable. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// Status is a point-in-time view of the watched connection.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one connection.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Start begins watching in a background goroutine until ctx is
// cancelled or Stop is called. Zero Backoff fields take
// DefaultBackoff(0) values.
func Start(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	def := DefaultBackoff(0)
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = def.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = def.MaxDelay
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = def.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = def.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)
	return w
}

// Status returns the current health status.
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

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	logger := w.cfg.Logger.With("broker", w.cfg.Name)

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.transition(true, nil, logger)
			break
		}
		if attempt == b.MaxRetries {
			logger.Warn("broker unreachable at startup, continuing in background",
				"attempts", attempt, "error", err)
			break
		}
		logger.Debug("broker probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			w.transition(err == nil, err, logger)
		}
	}
}

// transition records a probe outcome and fires callbacks on state change.
func (w *Watcher) transition(healthy bool, err error, logger *slog.Logger) {
	was := w.ready.Swap(healthy)
	switch {
	case healthy && !was:
		logger.Info("broker connection ready")
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
	case !healthy && was:
		logger.Warn("broker connection lost", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case !healthy:
		logger.Debug("broker still unreachable", "error", err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
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
