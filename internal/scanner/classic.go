package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// commandRunner runs an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ClassicScanner probes each tracked address with a BR/EDR remote name
// request. Classic devices do not advertise, so the only way to see
// them is to ask each one directly; a device that answers with a name
// is present.
//
// Lookups run one at a time and each is bounded by the scan window, so
// a full scan takes up to len(addresses) * window. If ctx's deadline
// passes first, the devices not yet probed are left out of the result.
type ClassicScanner struct {
	addresses []string
	run       commandRunner
	logger    *slog.Logger
}

// NewClassicScanner creates a scanner that probes the given normalized
// addresses with hcitool.
func NewClassicScanner(addresses []string, logger *slog.Logger) *ClassicScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassicScanner{
		addresses: addresses,
		run:       execRunner,
		logger:    logger,
	}
}

// Scan looks up every tracked address in turn. A lookup that times out
// or returns no name counts as absent. If the lookup tool itself cannot
// be run the whole scan is reported as unavailable.
func (s *ClassicScanner) Scan(ctx context.Context, window time.Duration) (Result, error) {
	result := make(Result)
	for i, addr := range s.addresses {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Out of cycle budget: report what was probed so far.
				s.logger.Warn("bluetooth name lookups cut short by cycle deadline",
					"probed", i, "total", len(s.addresses))
				return result, nil
			}
			return nil, err
		}

		name, err := s.lookupName(ctx, addr, window)
		switch {
		case err == nil && name != "":
			result.Add(Sighting{Address: addr, Name: name})
		case err == nil:
		case errors.Is(err, exec.ErrNotFound):
			return nil, unavailable("hcitool", err)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, ctx.Err()
		default:
			s.logger.Debug("bluetooth name lookup failed", "address", addr, "error", err)
		}
	}
	return result, nil
}

func (s *ClassicScanner) lookupName(ctx context.Context, addr string, timeout time.Duration) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := s.run(lookupCtx, "hcitool", "name", strings.ToUpper(addr))
	if err != nil {
		if lookupCtx.Err() != nil && ctx.Err() == nil {
			// Our own per-lookup deadline: the device did not answer.
			return "", nil
		}
		return "", fmt.Errorf("hcitool name %s: %w", addr, err)
	}
	return strings.TrimSpace(string(out)), nil
}
