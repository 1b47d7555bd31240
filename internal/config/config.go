// Package config loads daemon settings from an optional YAML file with
// environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// Config holds every tunable of the daemon.
type Config struct {
	DataFile     string        `yaml:"data_file"`
	SaveInterval time.Duration `yaml:"save_interval"`
	Tick         time.Duration `yaml:"tick"`
	Debounce     time.Duration `yaml:"debounce"`

	BridgePort string `yaml:"bridge_port"`
	HTTPPort   string `yaml:"http_port"`
	DisableTLS bool   `yaml:"disable_tls"`

	LogMode string `yaml:"log_mode"`
	// ContentKey is a hex encoded 32 byte AES key sealing moment content at rest.
	ContentKey string `yaml:"content_key"`

	Defaults UserDefaults `yaml:"defaults"`
}

// UserDefaults seed the notification settings of a freshly onboarded user.
type UserDefaults struct {
	Locale        string `yaml:"locale"`
	IntervalHours int    `yaml:"interval_hours"`
	ActiveHours   string `yaml:"active_hours"`
	Timezone      string `yaml:"timezone"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataFile:     "./data/moments.json",
		SaveInterval: 5 * time.Minute,
		Tick:         time.Minute,
		Debounce:     2 * time.Second,
		BridgePort:   "7001",
		HTTPPort:     "7002",
		LogMode:      "dev",
		Defaults: UserDefaults{
			Locale:        "en",
			IntervalHours: 3,
			ActiveHours:   "09:00-21:00",
			Timezone:      "UTC",
		},
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// MOMENTS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}

	str("MOMENTS_DATA_FILE", &c.DataFile)
	str("MOMENTS_BRIDGE_PORT", &c.BridgePort)
	str("MOMENTS_HTTP_PORT", &c.HTTPPort)
	str("MOMENTS_LOG_MODE", &c.LogMode)
	str("MOMENTS_CONTENT_KEY", &c.ContentKey)
	if v := strings.TrimSpace(os.Getenv("MOMENTS_DISABLE_TLS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOMENTS_DISABLE_TLS: %w", err)
		}
		c.DisableTLS = b
	}
	for name, dst := range map[string]*time.Duration{
		"MOMENTS_TICK":          &c.Tick,
		"MOMENTS_SAVE_INTERVAL": &c.SaveInterval,
		"MOMENTS_DEBOUNCE":      &c.Debounce,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	var errs []error
	if c.DataFile == "" {
		errs = append(errs, errors.New("data_file is required"))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.SaveInterval <= 0 {
		errs = append(errs, errors.New("save_interval must be positive"))
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	if c.Defaults.IntervalHours <= 0 {
		errs = append(errs, errors.New("defaults.interval_hours must be positive"))
	}
	if _, err := schema.ParseWindow(c.Defaults.ActiveHours); err != nil {
		errs = append(errs, fmt.Errorf("defaults.active_hours: %w", err))
	}
	if c.ContentKey != "" {
		if _, err := c.ContentKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ContentKeyBytes decodes ContentKey; nil means content is stored in clear.
func (c Config) ContentKeyBytes() ([]byte, error) {
	if c.ContentKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.ContentKey)
	if err != nil {
		return nil, fmt.Errorf("content_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("content_key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Settings returns the notification settings for a new user.
func (d UserDefaults) Settings() schema.NotificationSettings {
	w, err := schema.ParseWindow(d.ActiveHours)
	if err != nil {
		w = schema.Window{Start: schema.MustTimeOfDay("09:00"), End: schema.MustTimeOfDay("21:00")}
	}
	return schema.NotificationSettings{
		IntervalHours: d.IntervalHours,
		ActiveStart:   w.Start,
		ActiveEnd:     w.End,
		Timezone:      d.Timezone,
		Enabled:       true,
	}
}
