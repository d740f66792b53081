// Package config handles bttracker configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scan modes understood by the scanner factory.
const (
	ScanModeLE      = "le"
	ScanModeClassic = "classic"
	ScanModeARP     = "arp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bttracker/config.yaml, /etc/bttracker/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bttracker", "config.yaml"))
	}

	paths = append(paths, "/etc/bttracker/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bttracker configuration. It is constructed once at
// startup and treated as read-only afterwards.
type Config struct {
	Location  string         `yaml:"location"`
	Devices   []DeviceConfig `yaml:"devices"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Scan      ScanConfig     `yaml:"scan"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	LogFile   string         `yaml:"log_file"`
}

// DeviceConfig is one tracked device. Name becomes part of the state
// topic, so it must be unique within the location.
type DeviceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
}

// MQTTConfig defines the broker session.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to bt_mqtt_tracker_<location>.
	ClientID string `yaml:"client_id"`
	// BaseTopic prefixes the availability and presence topics.
	BaseTopic       string `yaml:"base_topic"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// KeepAliveSec defaults to twice the scan interval.
	KeepAliveSec      int `yaml:"keepalive_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`
}

// BrokerURL renders the host, port and TLS flag as the URL form the
// MQTT client expects.
func (c MQTTConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.TLS {
		scheme = "mqtts"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectTimeout returns the connect budget as a duration.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// PublishTimeout returns the per-message publish budget as a duration.
func (c MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSec) * time.Second
}

// ScanConfig selects and tunes the scanner.
type ScanConfig struct {
	// Mode is one of "le", "classic" or "arp".
	Mode string `yaml:"mode"`
	// IntervalSec is the cycle period.
	IntervalSec int `yaml:"interval_sec"`
	// TimeoutSec bounds a single scan (or a single name lookup in
	// classic mode). Must be less than IntervalSec.
	TimeoutSec int `yaml:"timeout_sec"`
	// Interface names the network interface for ARP mode. Empty picks
	// the first up, non-loopback interface with an IPv4 address.
	Interface string `yaml:"interface"`
	// MDNS enables hostname enrichment of ARP results.
	MDNS bool `yaml:"mdns"`
}

// Interval returns the cycle period as a duration.
func (c ScanConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Timeout returns the scan window as a duration.
func (c ScanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Scan.Mode == "" {
		c.Scan.Mode = ScanModeLE
	}
	c.Scan.Mode = strings.ToLower(c.Scan.Mode)
	if c.Scan.IntervalSec == 0 {
		c.Scan.IntervalSec = 30
	}
	if c.Scan.TimeoutSec == 0 {
		c.Scan.TimeoutSec = 3
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "127.0.0.1"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "bt_mqtt_tracker_" + c.Location
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "bt_mqtt_tracker"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = c.Scan.IntervalSec * 2
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 30
	}
	if c.MQTT.PublishTimeoutSec == 0 {
		c.MQTT.PublishTimeoutSec = 5
	}
}

// Validate checks the configuration for problems that would make the
// tracker misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Location == "" {
		errs = append(errs, errors.New("location is required"))
	} else if !validTopicLevel(c.Location) {
		errs = append(errs, fmt.Errorf("location %q must not contain '/', '+' or '#'", c.Location))
	}

	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("at least one device is required"))
	}
	seen := make(map[string]int, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("devices[%d]: name is required", i))
		case !validTopicLevel(d.Name):
			errs = append(errs, fmt.Errorf("devices[%d]: name %q must not contain '/', '+' or '#'", i, d.Name))
		default:
			key := strings.ToLower(d.Name)
			if prev, dup := seen[key]; dup {
				errs = append(errs, fmt.Errorf("devices[%d]: name %q duplicates devices[%d]", i, d.Name, prev))
			} else {
				seen[key] = i
			}
		}
		if hw, err := net.ParseMAC(d.MAC); err != nil || len(hw) != 6 {
			errs = append(errs, fmt.Errorf("devices[%d]: invalid mac %q", i, d.MAC))
		}
	}

	switch c.Scan.Mode {
	case ScanModeLE, ScanModeClassic, ScanModeARP:
	default:
		errs = append(errs, fmt.Errorf("scan.mode %q is not one of le, classic, arp", c.Scan.Mode))
	}
	if c.Scan.IntervalSec <= 0 {
		errs = append(errs, errors.New("scan.interval_sec must be positive"))
	}
	if c.Scan.TimeoutSec <= 0 {
		errs = append(errs, errors.New("scan.timeout_sec must be positive"))
	} else if c.Scan.TimeoutSec >= c.Scan.IntervalSec {
		errs = append(errs, fmt.Errorf("scan.timeout_sec (%d) must be less than scan.interval_sec (%d)",
			c.Scan.TimeoutSec, c.Scan.IntervalSec))
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if !validTopicLevel(c.MQTT.BaseTopic) {
		errs = append(errs, fmt.Errorf("mqtt.base_topic %q must be a single topic level", c.MQTT.BaseTopic))
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keepalive_sec %d out of range", c.MQTT.KeepAliveSec))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	return errors.Join(errs...)
}

func validTopicLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
