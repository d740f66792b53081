package mqtt

import "github.com/nugget/bt-mqtt-tracker/internal/config"

// Topics derives every topic the tracker publishes to. All topics are
// namespaced by location so several trackers can share a broker.
type Topics struct {
	base            string
	discoveryPrefix string
	location        string
}

// NewTopics builds the topic set for a location.
func NewTopics(cfg config.MQTTConfig, location string) Topics {
	return Topics{
		base:            cfg.BaseTopic,
		discoveryPrefix: cfg.DiscoveryPrefix,
		location:        location,
	}
}

// Location returns the location the topics are namespaced by.
func (t Topics) Location() string { return t.location }

// Availability is the retained online/offline topic for this tracker.
func (t Topics) Availability() string {
	return t.base + "/available/" + t.location
}

// Presence is the ON/OFF state topic for a device.
func (t Topics) Presence(device string) string {
	return t.base + "/presence/" + t.location + "/" + device
}

// Attributes is the JSON attributes topic for a device.
func (t Topics) Attributes(device string) string {
	return t.Presence(device) + "/attributes"
}

// Discovery is the HA discovery config topic for a device.
func (t Topics) Discovery(device string) string {
	return t.discoveryPrefix + "/binary_sensor/bt_tracker_" + t.location + "_" + device + "/config"
}
