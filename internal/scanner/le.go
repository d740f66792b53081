package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// stopGrace bounds how long Scan waits for the adapter to acknowledge
// StopScan before giving up on it.
const stopGrace = 2 * time.Second

var errScanStuck = errors.New("previous scan still running after stop")

// leAdapter is the part of [bluetooth.Adapter] the scanner drives.
type leAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// LEScanner listens for Bluetooth Low Energy advertisements on the
// system's default adapter. On Linux this goes through BlueZ over
// D-Bus, so advertisement addresses are real hardware addresses.
type LEScanner struct {
	adapter   leAdapter
	logger    *slog.Logger
	stopGrace time.Duration

	mu      sync.Mutex
	enabled bool
	// busy is the completion channel of a scan that did not stop within
	// stopGrace. The next Scan waits on it before starting.
	busy chan error
}

// NewLEScanner creates a scanner on the default Bluetooth adapter. The
// adapter is enabled lazily on the first scan, and again on later scans
// until enabling succeeds.
func NewLEScanner(logger *slog.Logger) *LEScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LEScanner{
		adapter:   bluetooth.DefaultAdapter,
		logger:    logger,
		stopGrace: stopGrace,
	}
}

func (s *LEScanner) enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return nil
	}
	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.enabled = true
	s.logger.Info("bluetooth adapter enabled")
	return nil
}

// Scan collects advertisements for window and returns every address
// seen. Advertisements whose address is not a hardware address (random
// resolvable addresses on some platforms) are ignored.
func (s *LEScanner) Scan(ctx context.Context, window time.Duration) (Result, error) {
	if err := s.enable(); err != nil {
		return nil, unavailable("enable adapter", err)
	}
	if err := s.awaitPrevious(ctx); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	result := make(Result)

	done := make(chan error, 1)
	go func() {
		done <- s.adapter.Scan(func(_ *bluetooth.Adapter, adv bluetooth.ScanResult) {
			addr, err := NormalizeAddress(adv.Address.String())
			if err != nil {
				return
			}
			mu.Lock()
			result.Add(Sighting{Address: addr, Name: adv.LocalName(), RSSI: int(adv.RSSI)})
			mu.Unlock()
		})
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	var scanErr error
	select {
	case err := <-done:
		// The scan ended before the window did, which only happens on
		// failure.
		if err == nil {
			err = errors.New("scan ended early")
		}
		return nil, unavailable("scan", err)
	case <-timer.C:
	case <-ctx.Done():
		scanErr = ctx.Err()
	}

	if err := s.adapter.StopScan(); err != nil {
		s.logger.Warn("bluetooth stop scan failed", "error", err)
	}
	select {
	case <-done:
	case <-time.After(s.stopGrace):
		s.logger.Warn("bluetooth scan did not stop in time")
		s.mu.Lock()
		s.busy = done
		s.mu.Unlock()
	}

	if scanErr != nil {
		return nil, scanErr
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(Result, len(result))
	for k, v := range result {
		out[k] = v
	}
	return out, nil
}

// awaitPrevious waits for a scan left running by an earlier call,
// asking the adapter to stop it once more.
func (s *LEScanner) awaitPrevious(ctx context.Context) error {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy == nil {
		return nil
	}

	if err := s.adapter.StopScan(); err != nil {
		s.logger.Debug("bluetooth stop scan retry failed", "error", err)
	}
	select {
	case <-busy:
		s.mu.Lock()
		s.busy = nil
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.stopGrace):
		return unavailable("scan", errScanStuck)
	}
}
