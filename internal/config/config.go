package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/solem-toolkit/internal/ble"
)

// MinBluetoothTimeout is the floor applied to per-call connect timeouts, in seconds.
const MinBluetoothTimeout = 5

// Config holds all application configuration.
type Config struct {
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"` // "text" or "json"
	BLE       BLEConfig  `yaml:"ble"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// BLEConfig holds adapter and controller settings.
type BLEConfig struct {
	Adapter          string        `yaml:"adapter"`           // BlueZ adapter id, Linux only
	DeviceMAC        string        `yaml:"device_mac"`        // default controller for CLI calls
	BluetoothTimeout int           `yaml:"bluetooth_timeout"` // connect timeout in seconds
	ResolveTimeout   time.Duration `yaml:"resolve_timeout"`
	ConnectAttempts  int           `yaml:"connect_attempts"`
	WriteAttempts    int           `yaml:"write_attempts"`
	WriteBackoff     time.Duration `yaml:"write_backoff"`
	WriteBackoffMax  time.Duration `yaml:"write_backoff_max"`
}

// MQTTConfig holds the service bridge settings.
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	TopicPrefix    string `yaml:"topic_prefix"`
	QoS            byte   `yaml:"qos"`
	CallsPerMinute int    `yaml:"calls_per_minute"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "solem")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultClientOptions()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		BLE: BLEConfig{
			Adapter:          "hci0",
			BluetoothTimeout: int(ble.DefaultConnectTimeout / time.Second),
			ResolveTimeout:   opts.ResolveTimeout,
			ConnectAttempts:  opts.ConnectAttempts,
			WriteAttempts:    opts.WriteAttempts,
			WriteBackoff:     opts.WriteBackoff,
			WriteBackoffMax:  opts.WriteBackoffMax,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "solem-toolkit",
			TopicPrefix:    "solem",
			QoS:            1,
			CallsPerMinute: 30,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// WriteDefault writes the default config to path unless a file already exists there.
func WriteDefault(path string) error {
	path = expandTilde(path)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.BLE.BluetoothTimeout < MinBluetoothTimeout {
		return fmt.Errorf("ble.bluetooth_timeout must be >= %d, got %d", MinBluetoothTimeout, c.BLE.BluetoothTimeout)
	}
	if c.BLE.ResolveTimeout <= 0 {
		return fmt.Errorf("ble.resolve_timeout must be > 0")
	}
	if c.BLE.ConnectAttempts < 1 {
		return fmt.Errorf("ble.connect_attempts must be >= 1")
	}
	if c.BLE.WriteAttempts < 1 {
		return fmt.Errorf("ble.write_attempts must be >= 1")
	}
	if c.BLE.WriteBackoff <= 0 || c.BLE.WriteBackoffMax < c.BLE.WriteBackoff {
		return fmt.Errorf("ble.write_backoff must be > 0 and <= ble.write_backoff_max")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if strings.Contains(c.MQTT.TopicPrefix, "+") || strings.Contains(c.MQTT.TopicPrefix, "#") {
			return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", c.MQTT.TopicPrefix)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.CallsPerMinute < 1 {
			return fmt.Errorf("mqtt.calls_per_minute must be >= 1")
		}
	}

	return nil
}

// ClientOptions converts the BLE section into client options.
func (b BLEConfig) ClientOptions() ble.ClientOptions {
	opts := ble.DefaultClientOptions()
	opts.ResolveTimeout = b.ResolveTimeout
	opts.ConnectAttempts = b.ConnectAttempts
	opts.WriteAttempts = b.WriteAttempts
	opts.WriteBackoff = b.WriteBackoff
	opts.WriteBackoffMax = b.WriteBackoffMax
	return opts
}

// ParseLogLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
