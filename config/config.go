package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "rangelink"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "RANGELINK_DATA_DIR"
	// DefaultExchangePort is the TCP port used in fixed mode when none is set.
	DefaultExchangePort = 47800
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured exchange port value.
	PortModeFixed = "fixed"
	// DefaultService is the advertised mDNS service type.
	DefaultService = "_rangelink._tcp"
	// DefaultHTTPAddress is where the local API listens.
	DefaultHTTPAddress = "127.0.0.1:8087"
	// DefaultLogLevel is used when log_level is empty or unknown.
	DefaultLogLevel = "info"

	DefaultStaleThresholdMS          = 10_000
	DefaultSweepIntervalMS           = 5_000
	DefaultRangingUpdateIntervalMS   = 1_000
	DefaultSimulatedSampleIntervalMS = 500
	DefaultJournalRetentionHours     = 7 * 24

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// defaultDeviceName is used when the hostname is unavailable.
	defaultDeviceName = "Ranging Device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID     string `json:"device_id"`
	DeviceName   string `json:"device_name"`
	PortMode     string `json:"port_mode"`
	ExchangePort int    `json:"exchange_port"`
	Service      string `json:"service"`

	StaleThresholdMS          int64 `json:"stale_threshold_ms"`
	SweepIntervalMS           int64 `json:"sweep_interval_ms"`
	RangingUpdateIntervalMS   int64 `json:"ranging_update_interval_ms"`
	SimulatedSampleIntervalMS int64 `json:"simulated_sample_interval_ms"`

	HTTPAddress           string `json:"http_address"`
	JournalEnabled        *bool  `json:"journal_enabled"`
	JournalRetentionHours int    `json:"journal_retention_hours"`
	LogLevel              string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RANGELINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and calls LoadOrCreateIn.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures dataDir and its config exist, then returns the
// config and its path. Missing fields are filled in and written back.
func LoadOrCreateIn(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ListenAddress is the exchange server bind address for the port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ExchangePort > 0 {
		return fmt.Sprintf(":%d", c.ExchangePort)
	}
	return ":0"
}

func (c *DeviceConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMS) * time.Millisecond
}

func (c *DeviceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// RangingUpdateInterval is negative when rate limiting is disabled.
func (c *DeviceConfig) RangingUpdateInterval() time.Duration {
	return time.Duration(c.RangingUpdateIntervalMS) * time.Millisecond
}

func (c *DeviceConfig) SimulatedSampleInterval() time.Duration {
	return time.Duration(c.SimulatedSampleIntervalMS) * time.Millisecond
}

func (c *DeviceConfig) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionHours) * time.Hour
}

// Journal reports whether discovery events are persisted.
func (c *DeviceConfig) Journal() bool {
	return c.JournalEnabled == nil || *c.JournalEnabled
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceID:   uuid.NewString(),
		DeviceName: hostDeviceName(),
		PortMode:   PortModeAutomatic,
	}
	normalizeDefaults(cfg)
	return cfg
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ExchangePort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ExchangePort <= 0 {
		cfg.ExchangePort = DefaultExchangePort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ExchangePort != 0 {
		cfg.ExchangePort = 0
		updated = true
	}

	if cfg.Service == "" {
		cfg.Service = DefaultService
		updated = true
	}

	for _, field := range []struct {
		value    *int64
		fallback int64
	}{
		{&cfg.StaleThresholdMS, DefaultStaleThresholdMS},
		{&cfg.SweepIntervalMS, DefaultSweepIntervalMS},
		{&cfg.SimulatedSampleIntervalMS, DefaultSimulatedSampleIntervalMS},
	} {
		if *field.value <= 0 {
			*field.value = field.fallback
			updated = true
		}
	}
	// Negative disables rate limiting and is kept.
	if cfg.RangingUpdateIntervalMS == 0 {
		cfg.RangingUpdateIntervalMS = DefaultRangingUpdateIntervalMS
		updated = true
	}

	if cfg.HTTPAddress == "" {
		cfg.HTTPAddress = DefaultHTTPAddress
		updated = true
	}

	if cfg.JournalEnabled == nil {
		enabled := true
		cfg.JournalEnabled = &enabled
		updated = true
	}
	if cfg.JournalRetentionHours <= 0 {
		cfg.JournalRetentionHours = DefaultJournalRetentionHours
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
