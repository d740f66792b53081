package mqtt

import (
	"github.com/nugget/bt-mqtt-tracker/internal/buildinfo"
	"github.com/nugget/bt-mqtt-tracker/internal/presence"
)

const (
	manufacturer = "BT MQTT Tracker"
	deviceClass  = "presence"
)

// DeviceInfo holds the Home Assistant device registry fields for one
// tracked device. The hardware address is both the identifier and a
// "mac" connection, so HA merges the entry with any other integration
// that knows the same device.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	SWVersion    string      `json:"sw_version"`
}

// BinarySensorConfig is the JSON payload for an HA MQTT binary_sensor
// discovery message. HA's default payload_on/payload_off ("ON"/"OFF")
// match the presence payloads, so they are not sent.
type BinarySensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	DeviceClass         string     `json:"device_class"`
	Device              DeviceInfo `json:"device"`
}

// NewDescriptor builds the discovery config for a tracked device. host
// is the sensing host's name, reported as the model so HA shows which
// tracker sees the device.
func NewDescriptor(topics Topics, d presence.TrackedDevice, host string) BinarySensorConfig {
	short := d.ShortAddress()
	return BinarySensorConfig{
		Name:                d.Name,
		UniqueID:            topics.Location() + "_" + short,
		StateTopic:          topics.Presence(d.Name),
		AvailabilityTopic:   topics.Availability(),
		JsonAttributesTopic: topics.Attributes(d.Name),
		DeviceClass:         deviceClass,
		Device: DeviceInfo{
			Identifiers:  []string{short},
			Connections:  [][2]string{{"mac", d.Address}},
			Name:         d.Name,
			Manufacturer: manufacturer,
			Model:        host,
			SWVersion:    buildinfo.Version,
		},
	}
}
