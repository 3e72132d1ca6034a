// Package config handles otanode configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/otanode/internal/buildinfo"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/otanode/config.yaml, /etc/otanode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "otanode", "config.yaml"))
	}

	paths = append(paths, "/etc/otanode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all otanode configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Network   NetworkConfig   `yaml:"network"`
	TimeSync  TimeSyncConfig  `yaml:"time_sync"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sensor    SensorConfig    `yaml:"sensor"`
	OTA       OTAConfig       `yaml:"ota"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// DeviceConfig overrides identity fields that are otherwise taken from
// the build.
type DeviceConfig struct {
	// FirmwareVersion is reported as fw_version. Empty means
	// buildinfo.Version.
	FirmwareVersion string `yaml:"firmware_version"`
}

// BrokerConfig describes the ThingsBoard MQTT endpoint and the
// credentials used to authenticate against it.
type BrokerConfig struct {
	URL            string        `yaml:"url"`          // mqtt://host:1883 or mqtts://host:8883
	ClientID       string        `yaml:"client_id"`    // persisted under data_dir when empty
	AccessToken    string        `yaml:"access_token"` // sent as the MQTT username
	KeepAlive      time.Duration `yaml:"keep_alive"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	ConnectPoll    time.Duration `yaml:"connect_poll"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// NetworkConfig controls the link attach step of the bootstrap.
type NetworkConfig struct {
	// Interface restricts attach detection to one interface name
	// (e.g. wlan0). Empty accepts any non-loopback interface.
	Interface    string        `yaml:"interface"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// WatchInterval is how often the link is re-checked after bootstrap.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// TimeSyncConfig controls wall-clock synchronization.
type TimeSyncConfig struct {
	Server       string        `yaml:"server"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	// Disabled trusts the host clock as-is (e.g. when chrony/systemd
	// already disciplines it).
	Disabled bool `yaml:"disabled"`
}

// TelemetryConfig controls the periodic sensor publish loop.
type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	// UTCOffset is the fixed offset applied to send_time, in hours.
	UTCOffset int `yaml:"utc_offset"`
}

// SensorConfig selects the sensor driver.
type SensorConfig struct {
	Driver string `yaml:"driver"` // iio (default) or simulated
	// IIODevice is the sysfs IIO device directory of the DHT sensor.
	IIODevice string `yaml:"iio_device"`
}

// OTAConfig controls the firmware update engine.
type OTAConfig struct {
	// ImagePath is the executable replaced by a committed update and
	// re-executed on restart. Empty means the running executable.
	ImagePath       string        `yaml:"image_path"`
	ChunkSize       int           `yaml:"chunk_size"`
	PostStatusDelay time.Duration `yaml:"post_status_delay"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	RestartCommand  []string      `yaml:"restart_command"`
}

// DeviceIdentity is the immutable identity assembled at startup.
type DeviceIdentity struct {
	FirmwareVersion string
	ClientID        string
	AccessToken     string
	BrokerURL       string
}

// Identity returns the device identity derived from the loaded config.
func (c *Config) Identity() DeviceIdentity {
	ver := c.Device.FirmwareVersion
	if ver == "" {
		ver = buildinfo.Version
	}
	return DeviceIdentity{
		FirmwareVersion: ver,
		ClientID:        c.Broker.ClientID,
		AccessToken:     c.Broker.AccessToken,
		BrokerURL:       c.Broker.URL,
	}
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the environment first so that
// secrets such as the access token can stay out of the YAML file and
// be referenced as ${THINGSBOARD_TOKEN}.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration. The timings match the
// ESP32 firmware already deployed on the same ThingsBoard devices.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "mqtt://mqtt.thingsboard.cloud:1883",
			KeepAlive:      30 * time.Second,
			RetryDelay:     5 * time.Second,
			ConnectPoll:    500 * time.Millisecond,
			PublishTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			PollInterval:  time.Second,
			WatchInterval: 30 * time.Second,
		},
		TimeSync: TimeSyncConfig{
			Server:       "pool.ntp.org",
			PollInterval: time.Second,
			SettleDelay:  5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Interval:  60 * time.Second,
			UTCOffset: 7,
		},
		Sensor: SensorConfig{
			Driver:    "iio",
			IIODevice: "/sys/bus/iio/devices/iio:device0",
		},
		OTA: OTAConfig{
			ChunkSize:       1024,
			PostStatusDelay: 500 * time.Millisecond,
			RestartDelay:    time.Second,
		},
		DataDir: "./data",
	}
}

// applyDefaults fills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Broker.KeepAlive <= 0 {
		c.Broker.KeepAlive = d.Broker.KeepAlive
	}
	if c.Broker.RetryDelay <= 0 {
		c.Broker.RetryDelay = d.Broker.RetryDelay
	}
	if c.Broker.ConnectPoll <= 0 {
		c.Broker.ConnectPoll = d.Broker.ConnectPoll
	}
	if c.Broker.PublishTimeout <= 0 {
		c.Broker.PublishTimeout = d.Broker.PublishTimeout
	}
	if c.Network.PollInterval <= 0 {
		c.Network.PollInterval = d.Network.PollInterval
	}
	if c.Network.WatchInterval <= 0 {
		c.Network.WatchInterval = d.Network.WatchInterval
	}
	if c.TimeSync.PollInterval <= 0 {
		c.TimeSync.PollInterval = d.TimeSync.PollInterval
	}
	if c.TimeSync.Server == "" {
		c.TimeSync.Server = d.TimeSync.Server
	}
	if c.Telemetry.Interval <= 0 {
		c.Telemetry.Interval = d.Telemetry.Interval
	}
	if c.Sensor.Driver == "" {
		c.Sensor.Driver = d.Sensor.Driver
	}
	if c.OTA.ChunkSize <= 0 {
		c.OTA.ChunkSize = d.OTA.ChunkSize
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports configuration errors that would prevent the device
// from ever coming online.
func (c *Config) Validate() error {
	if c.Broker.AccessToken == "" {
		return errors.New("broker.access_token is required")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls":
	default:
		return fmt.Errorf("broker.url: unsupported scheme %q", u.Scheme)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Sensor.Driver {
	case "iio", "simulated":
	default:
		return fmt.Errorf("sensor.driver: unknown driver %q (valid: iio, simulated)", c.Sensor.Driver)
	}
	return nil
}
