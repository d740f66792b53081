// Package presence decides, once per cycle, which tracked devices are
// present. Each cycle is evaluated on its own: there is no debounce, so
// a device that flaps between scans is reported as flapping.
package presence

import (
	"fmt"
	"strings"

	"github.com/nugget/bt-mqtt-tracker/internal/config"
	"github.com/nugget/bt-mqtt-tracker/internal/scanner"
)

// State is a device's presence for one cycle. The string values are
// the MQTT payloads.
type State string

const (
	StateUnknown State = "UNKNOWN"
	StateOn      State = "ON"
	StateOff     State = "OFF"
)

// TrackedDevice is one device the tracker looks for. Name and Address
// are fixed at startup; LastState is updated by [Evaluate].
type TrackedDevice struct {
	Name      string
	Address   string // normalized, see scanner.NormalizeAddress
	LastState State
}

// ShortAddress returns the address without separators, the form used
// in discovery identifiers.
func (d TrackedDevice) ShortAddress() string {
	return strings.ReplaceAll(d.Address, ":", "")
}

// NewDevices builds the tracked device list from configuration,
// normalizing every address. Names must be unique.
func NewDevices(cfgs []config.DeviceConfig) ([]TrackedDevice, error) {
	devices := make([]TrackedDevice, 0, len(cfgs))
	names := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		addr, err := scanner.NormalizeAddress(c.MAC)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", c.Name, err)
		}
		key := strings.ToLower(c.Name)
		if names[key] {
			return nil, fmt.Errorf("device name %q is used more than once", c.Name)
		}
		names[key] = true
		devices = append(devices, TrackedDevice{
			Name:      c.Name,
			Address:   addr,
			LastState: StateUnknown,
		})
	}
	return devices, nil
}

// Addresses returns the normalized addresses of devices in order.
func Addresses(devices []TrackedDevice) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Address
	}
	return out
}

// Evaluate computes every device's state from a scan result and stores
// it in LastState. A device is ON exactly when its address is present
// in result. The returned map has one entry per device and no others.
// A nil result (scan unavailable) yields OFF for every device.
func Evaluate(devices []TrackedDevice, result scanner.Result) map[string]State {
	states := make(map[string]State, len(devices))
	for i := range devices {
		state := StateOff
		if result.Contains(devices[i].Address) {
			state = StateOn
		}
		devices[i].LastState = state
		states[devices[i].Name] = state
	}
	return states
}
