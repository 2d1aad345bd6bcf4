package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hwble/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	BLE      BLEConfig `yaml:"ble"`
}

// BLEConfig holds the wallet transport settings.
type BLEConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
	WriteUUID   string `yaml:"write_uuid"`
	NotifyUUID  string `yaml:"notify_uuid"`

	Framing      string `yaml:"framing"`       // "stream" or "chunk"
	HIDEmulation bool   `yaml:"hid_emulation"` // deliver 64-byte reports

	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"` // 0 disables
	LowLatency     bool          `yaml:"low_latency"`

	Bond           BondConfig  `yaml:"bond"`
	SubscribeRetry RetryConfig `yaml:"subscribe_retry"`

	MaxFrameBytes           int           `yaml:"max_frame_bytes"`
	QueueSize               int           `yaml:"queue_size"`
	InterChunkDelay         time.Duration `yaml:"inter_chunk_delay"`
	RetainQueueOnDisconnect bool          `yaml:"retain_queue_on_disconnect"`
	DefaultDeviceName       string        `yaml:"default_device_name"`
}

// BondConfig controls OS-level pairing before connect.
type BondConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	Settle  time.Duration `yaml:"settle"`
}

// RetryConfig bounds a retried step.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     string        `yaml:"backoff"` // "linear" or "exponential"
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"` // exponential cap
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hwble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ServiceUUID:    ble.ServiceUUID,
			WriteUUID:      ble.WriteUUID,
			NotifyUUID:     ble.NotifyUUID,
			Framing:        "stream",
			HIDEmulation:   true,
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 15 * time.Second,
			SettleDelay:    500 * time.Millisecond,
			LowLatency:     true,
			Bond: BondConfig{
				Enabled: false,
				Timeout: 60 * time.Second,
				Settle:  time.Second,
			},
			SubscribeRetry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     "linear",
				BaseDelay:   time.Second,
				MaxDelay:    10 * time.Second,
			},
			MaxFrameBytes:     64 * 1024,
			QueueSize:         64,
			InterChunkDelay:   20 * time.Millisecond,
			DefaultDeviceName: "Hardware Wallet",
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

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	b := c.BLE
	for _, u := range []struct {
		key, value string
	}{
		{"ble.service_uuid", b.ServiceUUID},
		{"ble.write_uuid", b.WriteUUID},
		{"ble.notify_uuid", b.NotifyUUID},
	} {
		if _, err := uuid.Parse(u.value); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", u.key, u.value, err)
		}
	}

	switch b.Framing {
	case "stream", "chunk":
	default:
		return fmt.Errorf("ble.framing must be \"stream\" or \"chunk\", got %q", b.Framing)
	}

	if b.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if b.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if b.SettleDelay < 0 || b.InterChunkDelay < 0 {
		return fmt.Errorf("ble.settle_delay and ble.inter_chunk_delay must not be negative")
	}
	if b.Bond.Enabled && b.Bond.Timeout <= 0 {
		return fmt.Errorf("ble.bond.timeout must be > 0 when bonding is enabled")
	}
	if b.SubscribeRetry.MaxAttempts < 1 {
		return fmt.Errorf("ble.subscribe_retry.max_attempts must be >= 1")
	}
	if b.SubscribeRetry.BaseDelay < 0 {
		return fmt.Errorf("ble.subscribe_retry.base_delay must not be negative")
	}
	switch b.SubscribeRetry.Backoff {
	case "linear":
	case "exponential":
		if b.SubscribeRetry.MaxDelay < b.SubscribeRetry.BaseDelay {
			return fmt.Errorf("ble.subscribe_retry.max_delay must be >= base_delay for exponential backoff")
		}
	default:
		return fmt.Errorf("ble.subscribe_retry.backoff must be \"linear\" or \"exponential\", got %q", b.SubscribeRetry.Backoff)
	}
	// A frame needs at least its 8-byte header.
	if b.MaxFrameBytes < 8 {
		return fmt.Errorf("ble.max_frame_bytes must be >= 8, got %d", b.MaxFrameBytes)
	}
	if b.QueueSize < 1 {
		return fmt.Errorf("ble.queue_size must be >= 1")
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values mean info.
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

const defaultHeader = `# hwble configuration
#
# framing: "stream" parses frames from a continuous byte stream;
#          "chunk" expects every message to open with a 3f 23 23 header chunk.
# hid_emulation: hand responses to the SDK as 64-byte HID reports.
# settle_delay: pause after connect and after service discovery (0 disables).

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
