// Package tracker drives the presence loop: connect to the broker,
// announce every device, then scan, evaluate, and publish on a fixed
// period until the context is cancelled, and finally mark the tracker
// offline.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/bt-mqtt-tracker/internal/config"
	"github.com/nugget/bt-mqtt-tracker/internal/mqtt"
	"github.com/nugget/bt-mqtt-tracker/internal/presence"
	"github.com/nugget/bt-mqtt-tracker/internal/scanner"
	"github.com/nugget/bt-mqtt-tracker/internal/sighting"
)

// Phase is a step of the tracker lifecycle. Phases only move forward.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseAnnouncing
	PhaseRunning
	PhaseStopping
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "STARTING"
	case PhaseAnnouncing:
		return "ANNOUNCING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseStopping:
		return "STOPPING"
	case PhaseStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Session is the broker connection the tracker owns. [mqtt.Session]
// satisfies it.
type Session interface {
	mqtt.Publisher
	Connect(ctx context.Context) error
	OnReconnect(fn func())
	Close(ctx context.Context) error
}

// Recorder persists per-cycle outcomes. [sighting.Store] satisfies it.
type Recorder interface {
	Record(sg sighting.Sighting) error
	List() ([]sighting.Sighting, error)
}

// Options wires a Tracker.
type Options struct {
	Session Session
	Scanner scanner.Scanner
	Devices []presence.TrackedDevice
	Topics  mqtt.Topics

	// Host is the sensing host's name, reported in discovery configs.
	Host string

	Interval    time.Duration
	ScanTimeout time.Duration
	ScanMode    string
	TrackerID   string

	// ShutdownTimeout bounds the final offline publish and disconnect.
	// Defaults to 5s.
	ShutdownTimeout time.Duration

	// Store is optional. When set, sightings survive restarts.
	Store Recorder

	Logger *slog.Logger
}

// Tracker is the top-level presence loop. A Tracker runs once.
type Tracker struct {
	session   Session
	scanner   scanner.Scanner
	devices   []presence.TrackedDevice
	announcer *mqtt.Announcer
	cycle     *mqtt.CyclePublisher
	store     Recorder
	logger    *slog.Logger

	interval        time.Duration
	scanTimeout     time.Duration
	scanMode        string
	trackerID       string
	shutdownTimeout time.Duration

	phase atomic.Int32

	// availMu serializes availability publishes against phase changes
	// so a reconnect can never announce "online" after "offline".
	availMu sync.Mutex
	// announcePending is set when the broker may not hold our discovery
	// configs or "online": a failed announcement, a reconnect before
	// RUNNING, or a lost connection. Guarded by availMu.
	announcePending bool

	lastSeen map[string]time.Time
	cycles   int
}

// New creates a Tracker. It copies the device list.
func New(opts Options) (*Tracker, error) {
	if opts.Session == nil {
		return nil, errors.New("tracker: session is required")
	}
	if opts.Scanner == nil {
		return nil, errors.New("tracker: scanner is required")
	}
	if len(opts.Devices) == 0 {
		return nil, errors.New("tracker: at least one device is required")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("tracker: interval must be positive")
	}
	if opts.ScanTimeout <= 0 || opts.ScanTimeout >= opts.Interval {
		return nil, fmt.Errorf("tracker: scan timeout %s must be positive and less than interval %s",
			opts.ScanTimeout, opts.Interval)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := opts.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}

	devices := make([]presence.TrackedDevice, len(opts.Devices))
	copy(devices, opts.Devices)

	return &Tracker{
		session:         opts.Session,
		scanner:         opts.Scanner,
		devices:         devices,
		announcer:       mqtt.NewAnnouncer(opts.Session, opts.Topics, opts.Host, logger),
		cycle:           mqtt.NewCyclePublisher(opts.Session, opts.Topics),
		store:           opts.Store,
		logger:          logger,
		interval:        opts.Interval,
		scanTimeout:     opts.ScanTimeout,
		scanMode:        opts.ScanMode,
		trackerID:       opts.TrackerID,
		shutdownTimeout: shutdown,
		lastSeen:        make(map[string]time.Time),
	}, nil
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	return Phase(t.phase.Load())
}

func (t *Tracker) setPhase(p Phase) {
	old := Phase(t.phase.Swap(int32(p)))
	t.logger.Debug("tracker phase", "from", old.String(), "to", p.String())
}

// Run connects, announces, and loops until ctx is cancelled. It returns
// an error only when the broker session cannot be established; a
// cancelled context is a clean stop and returns nil.
func (t *Tracker) Run(ctx context.Context) error {
	t.setPhase(PhaseStarting)
	t.loadSightings()

	t.session.OnReconnect(t.reannounce)
	if err := t.session.Connect(ctx); err != nil {
		t.setPhase(PhaseStopped)
		return fmt.Errorf("establish broker session: %w", err)
	}

	t.availMu.Lock()
	t.setPhase(PhaseAnnouncing)
	t.availMu.Unlock()

	announceErr := t.announcer.Announce(ctx, t.devices)
	if announceErr != nil {
		t.logger.Warn("announcement incomplete", "error", announceErr)
	}

	t.availMu.Lock()
	if announceErr != nil {
		t.announcePending = true
	}
	t.setPhase(PhaseRunning)
	if t.announcePending && ctx.Err() == nil {
		t.announceLocked("retrying announcement before first cycle")
	}
	t.availMu.Unlock()

	t.logger.Info("tracker running",
		"devices", len(t.devices),
		"interval", t.interval.String(),
		"scan_timeout", t.scanTimeout.String(),
		"scan_mode", t.scanMode,
	)

	t.loop(ctx)
	t.stop()
	return nil
}

// loop runs cycles back to back on the configured period. A cycle that
// overruns the period is followed immediately by the next one.
func (t *Tracker) loop(ctx context.Context) {
	for {
		start := time.Now()
		t.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := time.Until(start.Add(t.interval))
		if wait <= 0 {
			t.logger.Debug("cycle overran interval, starting next immediately",
				"overrun", (-wait).String())
			continue
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// runCycle performs one scan, evaluate, publish pass. A panic anywhere
// in the cycle is logged and the loop carries on.
func (t *Tracker) runCycle(ctx context.Context) {
	t.cycles++
	logger := t.logger.With("cycle", t.cycles)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, t.interval)
	result, err := t.scanner.Scan(scanCtx, t.scanTimeout)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, scanner.ErrUnavailable) {
			logger.Warn("scan unavailable, reporting all devices absent", "error", err)
		} else {
			logger.Warn("scan failed, reporting all devices absent", "error", err)
		}
		result = nil
	}

	states := presence.Evaluate(t.devices, result)
	now := time.Now()
	logger.Log(ctx, config.LevelTrace, "scan complete", "seen", len(result))

	for i := range t.devices {
		if ctx.Err() != nil {
			return
		}
		d := &t.devices[i]
		state := states[d.Name]
		seen, present := result[d.Address]

		if present {
			t.lastSeen[d.Address] = now
		}
		t.record(d, state, seen, present, now)

		if err := t.cycle.Publish(ctx, d.Name, state); err != nil {
			logger.Warn("presence publish failed", "device", d.Name, "state", state, "error", err)
		} else {
			logger.Debug("presence published", "device", d.Name, "state", state)
		}

		if ctx.Err() != nil {
			return
		}
		attrs := mqtt.Attributes{
			Address:      d.Address,
			LastSeen:     mqtt.FormatLastSeen(t.lastSeen[d.Address]),
			ObservedName: seen.Name,
			RSSI:         seen.RSSI,
			ScanMode:     t.scanMode,
			TrackerID:    t.trackerID,
		}
		if err := t.cycle.PublishAttributes(ctx, d.Name, attrs); err != nil {
			logger.Warn("attributes publish failed", "device", d.Name, "error", err)
		}
	}
}

func (t *Tracker) record(d *presence.TrackedDevice, state presence.State, seen scanner.Sighting, present bool, now time.Time) {
	if t.store == nil {
		return
	}
	sg := sighting.Sighting{
		Address:   d.Address,
		Name:      d.Name,
		State:     string(state),
		UpdatedAt: now,
	}
	if present {
		sg.LastSeen = now
		sg.ObservedName = seen.Name
		sg.RSSI = seen.RSSI
	}
	if err := t.store.Record(sg); err != nil {
		t.logger.Warn("sighting not recorded", "device", d.Name, "error", err)
	}
}

// loadSightings seeds last-seen times from the store so attributes
// survive a restart.
func (t *Tracker) loadSightings() {
	if t.store == nil {
		return
	}
	list, err := t.store.List()
	if err != nil {
		t.logger.Warn("sighting history unavailable", "error", err)
		return
	}
	for _, sg := range list {
		if !sg.LastSeen.IsZero() {
			t.lastSeen[sg.Address] = sg.LastSeen
		}
	}
}

// reannounce runs on every broker reconnection. The broker has
// published the will in the meantime, so discovery and "online" are
// sent again. A reconnect before RUNNING is deferred until Run reaches
// RUNNING; one after STOPPING has begun is ignored.
func (t *Tracker) reannounce() {
	t.availMu.Lock()
	defer t.availMu.Unlock()

	switch t.Phase() {
	case PhaseStarting, PhaseAnnouncing:
		t.announcePending = true
	case PhaseRunning:
		t.announceLocked("broker reconnected, re-announcing")
	}
}

// BrokerDown marks the announcement stale after the broker connection
// is lost, since the broker publishes the will once it notices.
func (t *Tracker) BrokerDown(err error) {
	t.availMu.Lock()
	defer t.availMu.Unlock()

	if t.Phase() <= PhaseRunning {
		t.announcePending = true
		t.logger.Debug("announcement marked stale", "error", err)
	}
}

// BrokerReady re-announces if an earlier announcement is stale or
// failed. It does nothing when the broker already holds "online".
func (t *Tracker) BrokerReady() {
	t.availMu.Lock()
	defer t.availMu.Unlock()

	if t.Phase() == PhaseRunning && t.announcePending {
		t.announceLocked("broker ready, re-announcing")
	}
}

// announceLocked publishes discovery and "online" with a fresh bounded
// context. The caller holds availMu.
func (t *Tracker) announceLocked(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	t.logger.Info(reason)
	if err := t.announcer.Announce(ctx, t.devices); err != nil {
		t.announcePending = true
		t.logger.Warn("re-announcement incomplete", "error", err)
		return
	}
	t.announcePending = false
}

// stop publishes "offline" with a fresh bounded context, since the run
// context is already cancelled, then releases the session.
func (t *Tracker) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), t.shutdownTimeout)
	defer cancel()

	t.availMu.Lock()
	t.setPhase(PhaseStopping)
	if err := t.announcer.PublishAvailability(ctx, mqtt.Offline); err != nil {
		t.logger.Warn("offline not published, relying on broker will", "error", err)
	}
	t.availMu.Unlock()

	if err := t.session.Close(ctx); err != nil {
		t.logger.Warn("broker disconnect failed", "error", err)
	}
	t.setPhase(PhaseStopped)
	t.logger.Info("tracker stopped", "cycles", t.cycles)
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
