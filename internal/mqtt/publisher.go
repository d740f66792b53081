package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/bt-mqtt-tracker/internal/presence"
)

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// Publisher sends one message to a topic. [Session] is the production
// implementation; tests substitute a recorder.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Announcer registers tracked devices with Home Assistant and flips the
// availability topic.
type Announcer struct {
	pub    Publisher
	topics Topics
	host   string
	logger *slog.Logger
}

// NewAnnouncer creates an Announcer. host is the sensing host's name.
func NewAnnouncer(pub Publisher, topics Topics, host string, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{pub: pub, topics: topics, host: host, logger: logger}
}

// Announce publishes a retained discovery config for every device and
// then, only after every config has been attempted, publishes "online".
// A consumer that sees "online" therefore already holds the configs
// needed to interpret presence messages. Individual failures do not
// stop the remaining devices from being announced; all failures are
// returned joined.
func (a *Announcer) Announce(ctx context.Context, devices []presence.TrackedDevice) error {
	var errs []error
	for _, d := range devices {
		topic := a.topics.Discovery(d.Name)
		payload, err := json.Marshal(NewDescriptor(a.topics, d, a.host))
		if err != nil {
			a.logger.Error("mqtt marshal discovery payload", "device", d.Name, "error", err)
			errs = append(errs, fmt.Errorf("marshal discovery for %s: %w", d.Name, err))
			continue
		}

		if err := a.pub.Publish(ctx, topic, payload, true); err != nil {
			a.logger.Warn("mqtt discovery publish failed",
				"device", d.Name, "topic", topic, "error", err)
			errs = append(errs, fmt.Errorf("announce %s: %w", d.Name, err))
			continue
		}
		a.logger.Debug("mqtt discovery published", "device", d.Name, "topic", topic)
	}

	if err := a.PublishAvailability(ctx, Online); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PublishAvailability publishes status ("online" or "offline") to the
// availability topic, retained.
func (a *Announcer) PublishAvailability(ctx context.Context, status string) error {
	if err := a.pub.Publish(ctx, a.topics.Availability(), []byte(status), true); err != nil {
		a.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return fmt.Errorf("publish availability %s: %w", status, err)
	}
	a.logger.Info("mqtt availability published", "status", status)
	return nil
}

// Attributes is the JSON document published next to each presence
// state. LastSeen is RFC 3339, or "never" if the device has not been
// seen by this tracker.
type Attributes struct {
	Address      string `json:"address"`
	LastSeen     string `json:"last_seen"`
	ObservedName string `json:"observed_name,omitempty"`
	RSSI         int    `json:"rssi,omitempty"`
	ScanMode     string `json:"scan_mode"`
	TrackerID    string `json:"tracker_id,omitempty"`
}

// FormatLastSeen renders a last-seen time for [Attributes].
func FormatLastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// CyclePublisher sends the per-cycle presence messages.
type CyclePublisher struct {
	pub    Publisher
	topics Topics
}

// NewCyclePublisher creates a CyclePublisher.
func NewCyclePublisher(pub Publisher, topics Topics) *CyclePublisher {
	return &CyclePublisher{pub: pub, topics: topics}
}

// Publish sends a device's state to its presence topic, not retained.
// The error is returned to the caller, which decides whether to carry
// on with the next device.
func (c *CyclePublisher) Publish(ctx context.Context, device string, state presence.State) error {
	topic := c.topics.Presence(device)
	if err := c.pub.Publish(ctx, topic, []byte(state), false); err != nil {
		return fmt.Errorf("publish %s to %s: %w", state, topic, err)
	}
	return nil
}

// PublishAttributes sends a device's attributes document, not retained.
func (c *CyclePublisher) PublishAttributes(ctx context.Context, device string, attrs Attributes) error {
	payload, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", device, err)
	}
	topic := c.topics.Attributes(device)
	if err := c.pub.Publish(ctx, topic, payload, false); err != nil {
		return fmt.Errorf("publish attributes to %s: %w", topic, err)
	}
	return nil
}
