package presence

import (
	"testing"

	"github.com/nugget/bt-mqtt-tracker/internal/config"
	"github.com/nugget/bt-mqtt-tracker/internal/scanner"
)

func mustDevices(t *testing.T, cfgs ...config.DeviceConfig) []TrackedDevice {
	t.Helper()
	devices, err := NewDevices(cfgs)
	if err != nil {
		t.Fatalf("NewDevices() error = %v", err)
	}
	return devices
}

func TestNewDevices_Normalizes(t *testing.T) {
	devices := mustDevices(t, config.DeviceConfig{Name: "Kitchen", MAC: "AA-BB-CC-DD-EE-01"})

	d := devices[0]
	if d.Address != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Address = %q, want %q", d.Address, "aa:bb:cc:dd:ee:01")
	}
	if d.LastState != StateUnknown {
		t.Errorf("LastState = %q, want %q", d.LastState, StateUnknown)
	}
	if d.ShortAddress() != "aabbccddee01" {
		t.Errorf("ShortAddress() = %q, want %q", d.ShortAddress(), "aabbccddee01")
	}
}

func TestNewDevices_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfgs []config.DeviceConfig
	}{
		{"bad mac", []config.DeviceConfig{{Name: "A", MAC: "zz"}}},
		{"duplicate name", []config.DeviceConfig{
			{Name: "Phone", MAC: "aa:bb:cc:dd:ee:01"},
			{Name: "phone", MAC: "aa:bb:cc:dd:ee:02"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDevices(tt.cfgs); err == nil {
				t.Error("NewDevices() = nil error, want error")
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	devices := mustDevices(t,
		config.DeviceConfig{Name: "Kitchen", MAC: "AA:BB:CC:DD:EE:01"},
		config.DeviceConfig{Name: "Garage", MAC: "AA:BB:CC:DD:EE:02"},
	)

	tests := []struct {
		name   string
		result scanner.Result
		want   map[string]State
	}{
		{
			name:   "one present",
			result: scanner.Result{"aa:bb:cc:dd:ee:01": {Address: "aa:bb:cc:dd:ee:01"}},
			want:   map[string]State{"Kitchen": StateOn, "Garage": StateOff},
		},
		{
			name:   "empty scan",
			result: scanner.Result{},
			want:   map[string]State{"Kitchen": StateOff, "Garage": StateOff},
		},
		{
			name:   "unavailable scan",
			result: nil,
			want:   map[string]State{"Kitchen": StateOff, "Garage": StateOff},
		},
		{
			name: "untracked addresses ignored",
			result: scanner.Result{
				"aa:bb:cc:dd:ee:02": {Address: "aa:bb:cc:dd:ee:02"},
				"11:22:33:44:55:66": {Address: "11:22:33:44:55:66"},
			},
			want: map[string]State{"Kitchen": StateOff, "Garage": StateOn},
		},
		{
			name:   "no partial match",
			result: scanner.Result{"aa:bb:cc:dd:ee:0": {Address: "aa:bb:cc:dd:ee:0"}},
			want:   map[string]State{"Kitchen": StateOff, "Garage": StateOff},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(devices, tt.result)
			if len(got) != len(tt.want) {
				t.Fatalf("Evaluate() returned %d states, want %d: %v", len(got), len(tt.want), got)
			}
			for name, want := range tt.want {
				if got[name] != want {
					t.Errorf("state[%s] = %q, want %q", name, got[name], want)
				}
			}
			for _, d := range devices {
				if d.LastState != tt.want[d.Name] {
					t.Errorf("%s LastState = %q, want %q", d.Name, d.LastState, tt.want[d.Name])
				}
			}
		})
	}
}

func TestEvaluate_NoHysteresis(t *testing.T) {
	devices := mustDevices(t, config.DeviceConfig{Name: "Kitchen", MAC: "AA:BB:CC:DD:EE:01"})
	seen := scanner.Result{"aa:bb:cc:dd:ee:01": {Address: "aa:bb:cc:dd:ee:01"}}

	sequence := []struct {
		result scanner.Result
		want   State
	}{
		{seen, StateOn},
		{scanner.Result{}, StateOff},
		{seen, StateOn},
	}
	for i, step := range sequence {
		if got := Evaluate(devices, step.result)["Kitchen"]; got != step.want {
			t.Errorf("cycle %d: state = %q, want %q", i, got, step.want)
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	devices := mustDevices(t,
		config.DeviceConfig{Name: "A", MAC: "aa:bb:cc:dd:ee:01"},
		config.DeviceConfig{Name: "B", MAC: "aa:bb:cc:dd:ee:02"},
	)
	result := scanner.Result{"aa:bb:cc:dd:ee:02": {Address: "aa:bb:cc:dd:ee:02"}}

	first := Evaluate(devices, result)
	for range 10 {
		again := Evaluate(devices, result)
		for k, v := range first {
			if again[k] != v {
				t.Fatalf("Evaluate() not deterministic: %v vs %v", first, again)
			}
		}
	}
}
