package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/bt-mqtt-tracker/internal/config"
	"github.com/nugget/bt-mqtt-tracker/internal/presence"
)

type message struct {
	topic   string
	payload string
	retain  bool
}

// recorder is a Publisher that records every message and fails the
// topics listed in fail.
type recorder struct {
	mu   sync.Mutex
	msgs []message
	fail map[string]bool
}

func (r *recorder) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[topic] {
		return errors.New("broker unreachable")
	}
	r.msgs = append(r.msgs, message{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func testTopics() Topics {
	return NewTopics(config.MQTTConfig{
		BaseTopic:       "bt_mqtt_tracker",
		DiscoveryPrefix: "homeassistant",
	}, "Home")
}

func testDevices(t *testing.T) []presence.TrackedDevice {
	t.Helper()
	devices, err := presence.NewDevices([]config.DeviceConfig{
		{Name: "Kitchen", MAC: "AA:BB:CC:DD:EE:01"},
		{Name: "Garage", MAC: "AA:BB:CC:DD:EE:02"},
	})
	if err != nil {
		t.Fatalf("NewDevices() error = %v", err)
	}
	return devices
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopics(t *testing.T) {
	topics := testTopics()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", topics.Availability(), "bt_mqtt_tracker/available/Home"},
		{"presence", topics.Presence("Kitchen"), "bt_mqtt_tracker/presence/Home/Kitchen"},
		{"attributes", topics.Attributes("Kitchen"), "bt_mqtt_tracker/presence/Home/Kitchen/attributes"},
		{"discovery", topics.Discovery("Kitchen"), "homeassistant/binary_sensor/bt_tracker_Home_Kitchen/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestNewDescriptor(t *testing.T) {
	d := testDevices(t)[0]
	desc := NewDescriptor(testTopics(), d, "pi-kitchen")

	data, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	want := map[string]string{
		"name":                  "Kitchen",
		"unique_id":             "Home_aabbccddee01",
		"state_topic":           "bt_mqtt_tracker/presence/Home/Kitchen",
		"availability_topic":    "bt_mqtt_tracker/available/Home",
		"json_attributes_topic": "bt_mqtt_tracker/presence/Home/Kitchen/attributes",
		"device_class":          "presence",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %q", k, got[k], v)
		}
	}

	dev, ok := got["device"].(map[string]any)
	if !ok {
		t.Fatalf("device block missing:\n%s", data)
	}
	if dev["manufacturer"] != "BT MQTT Tracker" {
		t.Errorf("manufacturer = %v", dev["manufacturer"])
	}
	if dev["model"] != "pi-kitchen" {
		t.Errorf("model = %v, want host name", dev["model"])
	}
	if dev["sw_version"] == "" || dev["sw_version"] == nil {
		t.Error("sw_version is empty")
	}
	if !strings.Contains(string(data), `"connections":[["mac","aa:bb:cc:dd:ee:01"]]`) {
		t.Errorf("connections missing mac pair:\n%s", data)
	}
	if !strings.Contains(string(data), `"identifiers":["aabbccddee01"]`) {
		t.Errorf("identifiers missing short mac:\n%s", data)
	}
}

func TestAnnouncer_AnnouncesBeforeOnline(t *testing.T) {
	rec := &recorder{}
	a := NewAnnouncer(rec, testTopics(), "pi", quietLogger())

	if err := a.Announce(context.Background(), testDevices(t)); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	if len(rec.msgs) != 3 {
		t.Fatalf("published %d messages, want 3: %+v", len(rec.msgs), rec.msgs)
	}
	for _, m := range rec.msgs[:2] {
		if !strings.HasPrefix(m.topic, "homeassistant/binary_sensor/") {
			t.Errorf("message %q before availability is not a discovery config", m.topic)
		}
		if !m.retain {
			t.Errorf("discovery %q not retained", m.topic)
		}
	}
	last := rec.msgs[2]
	if last.topic != "bt_mqtt_tracker/available/Home" || last.payload != Online || !last.retain {
		t.Errorf("last message = %+v, want retained online availability", last)
	}
}

func TestAnnouncer_FailureStillFlipsOnline(t *testing.T) {
	topics := testTopics()
	rec := &recorder{fail: map[string]bool{topics.Discovery("Kitchen"): true}}
	a := NewAnnouncer(rec, topics, "pi", quietLogger())

	err := a.Announce(context.Background(), testDevices(t))
	if err == nil || !strings.Contains(err.Error(), "announce Kitchen") {
		t.Errorf("Announce() error = %v, want failure for Kitchen", err)
	}

	if len(rec.msgs) != 2 {
		t.Fatalf("published %d messages, want 2: %+v", len(rec.msgs), rec.msgs)
	}
	if rec.msgs[0].topic != topics.Discovery("Garage") {
		t.Errorf("first message = %q, want Garage discovery", rec.msgs[0].topic)
	}
	if rec.msgs[1].payload != Online {
		t.Errorf("second message = %+v, want online", rec.msgs[1])
	}
}

func TestCyclePublisher_NotRetained(t *testing.T) {
	rec := &recorder{}
	c := NewCyclePublisher(rec, testTopics())

	if err := c.Publish(context.Background(), "Kitchen", presence.StateOn); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	want := message{topic: "bt_mqtt_tracker/presence/Home/Kitchen", payload: "ON", retain: false}
	if len(rec.msgs) != 1 || rec.msgs[0] != want {
		t.Errorf("messages = %+v, want [%+v]", rec.msgs, want)
	}
}

func TestCyclePublisher_ReturnsError(t *testing.T) {
	topics := testTopics()
	rec := &recorder{fail: map[string]bool{topics.Presence("Kitchen"): true}}
	c := NewCyclePublisher(rec, topics)

	if err := c.Publish(context.Background(), "Kitchen", presence.StateOff); err == nil {
		t.Error("Publish() error = nil, want error")
	}
	if err := c.Publish(context.Background(), "Garage", presence.StateOff); err != nil {
		t.Errorf("Publish(Garage) error = %v", err)
	}
}

func TestCyclePublisher_Attributes(t *testing.T) {
	rec := &recorder{}
	c := NewCyclePublisher(rec, testTopics())

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := c.PublishAttributes(context.Background(), "Kitchen", Attributes{
		Address:  "aa:bb:cc:dd:ee:01",
		LastSeen: FormatLastSeen(seen),
		ScanMode: "le",
	})
	if err != nil {
		t.Fatalf("PublishAttributes() error = %v", err)
	}

	m := rec.msgs[0]
	if m.topic != "bt_mqtt_tracker/presence/Home/Kitchen/attributes" || m.retain {
		t.Errorf("message = %+v", m)
	}
	var got Attributes
	if err := json.Unmarshal([]byte(m.payload), &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.LastSeen != "2026-03-01T12:00:00Z" {
		t.Errorf("LastSeen = %q", got.LastSeen)
	}
	if strings.Contains(m.payload, "rssi") {
		t.Errorf("zero rssi should be omitted: %s", m.payload)
	}
}

func TestFormatLastSeen_Never(t *testing.T) {
	if got := FormatLastSeen(time.Time{}); got != "never" {
		t.Errorf("FormatLastSeen(zero) = %q, want never", got)
	}
}

func TestLoadOrCreateTrackerID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateTrackerID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tracker_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file content = %q, want %q", data, first)
	}

	second, err := LoadOrCreateTrackerID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestLoadOrCreateTrackerID_StoredValue(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		want    string
		replace bool
	}{
		{"kept and normalized", "0198F3A2-7C4E-7B1D-9E2A-3F5C6D7E8F90\n", "0198f3a2-7c4e-7b1d-9e2a-3f5c6d7e8f90", false},
		{"garbage replaced", "not-a-uuid\n", "", true},
		{"empty replaced", "\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "tracker_id")
			if err := os.WriteFile(path, []byte(tt.stored), 0o644); err != nil {
				t.Fatal(err)
			}

			got, err := LoadOrCreateTrackerID(dir)
			if err != nil {
				t.Fatalf("LoadOrCreateTrackerID() error = %v", err)
			}
			if !tt.replace {
				if got != tt.want {
					t.Errorf("id = %q, want %q", got, tt.want)
				}
				return
			}

			if got == strings.TrimSpace(tt.stored) {
				t.Errorf("invalid stored id %q was returned", got)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if strings.TrimSpace(string(data)) != got {
				t.Errorf("file content = %q, want replacement %q", data, got)
			}
		})
	}
}
