// Package scanner wraps the mechanisms that observe nearby hardware
// addresses. Each strategy reports the set of addresses seen during one
// bounded scan window; the tracker never needs to know which radio or
// protocol produced them.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUnavailable reports that the underlying scan mechanism could not
// run (adapter missing, permission denied, tool not installed). It is
// distinct from an empty [Result], which means the scan ran and saw
// nothing.
var ErrUnavailable = errors.New("scanner unavailable")

// Scanner observes nearby devices. Scan must return within roughly
// window even when nothing is present, and must return ctx.Err() when
// ctx is cancelled.
type Scanner interface {
	Scan(ctx context.Context, window time.Duration) (Result, error)
}

// Sighting is one observed address, optionally with a human-readable
// name and signal strength when the mechanism provides them.
type Sighting struct {
	Address string
	Name    string
	RSSI    int
}

// Result maps normalized hardware addresses to what was seen of them
// during a single scan.
type Result map[string]Sighting

// Add records a sighting, keeping an already-known name when the new
// sighting carries none.
func (r Result) Add(s Sighting) {
	if old, ok := r[s.Address]; ok && s.Name == "" {
		s.Name = old.Name
	}
	r[s.Address] = s
}

// Contains reports whether addr (already normalized) was observed.
func (r Result) Contains(addr string) bool {
	_, ok := r[addr]
	return ok
}

// NormalizeAddress parses a 6-octet hardware address in any form
// accepted by [net.ParseMAC] and returns it lower-case and colon
// separated, e.g. "aa:bb:cc:dd:ee:01".
func NormalizeAddress(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", err
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("address %q is not a 6-octet hardware address", s)
	}
	return hw.String(), nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
