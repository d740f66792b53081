// Package mqtt publishes tracked-device presence to an MQTT broker
// using the Home Assistant MQTT discovery contract. Each tracked device
// appears in HA as a presence binary_sensor with availability tracking.
//
// Three kinds of messages are sent:
//
//   - a retained discovery config per device, once at startup
//     ([Announcer.Announce]);
//   - a retained availability value, "online" once all discovery
//     configs have been sent and "offline" at shutdown (or by the
//     broker, from the will message, on an unclean disconnect);
//   - a non-retained ON/OFF state per device every cycle
//     ([CyclePublisher.Publish]), followed by a JSON attributes
//     document. Presence is a live signal, so it is never retained: a
//     stale retained ON after a crash would misrepresent reality.
//
// The broker connection uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically in the background.
package mqtt
