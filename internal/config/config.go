// Package config loads the operator-supplied driver configuration: the
// serial device path, link parameters, retry/timeout policy, and the
// human-readable zone names. Zone names are labels only; they never affect
// protocol behaviour.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soundpost/breatheamp/internal/engine"
	"github.com/soundpost/breatheamp/internal/serialport"
)

// Defaults for the exchange policy.
const (
	DefaultReadTimeout = 500 * time.Millisecond
	DefaultRetries     = 2
)

// Config is the root configuration. Durations are strings like "500ms" so
// the YAML stays readable.
type Config struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0. Required.
	Port string `yaml:"port"`

	// Serial holds the link parameters. The amplifier is fixed at 9600
	// 8N1, which the zero value normalizes to.
	Serial serialport.PortOptions `yaml:"serial"`

	ReadTimeout string   `yaml:"read_timeout"`
	Retries     *int     `yaml:"retries"`
	Backoff     []string `yaml:"backoff"`

	// Zones maps zone id (1-6) to a display name. Missing zones get
	// "Zone N".
	Zones map[int]string `yaml:"zones"`

	readTimeout time.Duration
	backoff     []time.Duration
}

// Load reads and normalizes a YAML config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.Normalize()
}

// Normalize validates the config and applies defaults for unset values.
func (c Config) Normalize() (Config, error) {
	cfg := c

	if cfg.Port == "" {
		return cfg, fmt.Errorf("serial port path is required")
	}

	serial, err := cfg.Serial.Normalize()
	if err != nil {
		return cfg, err
	}
	cfg.Serial = serial

	cfg.readTimeout = DefaultReadTimeout
	if cfg.ReadTimeout != "" {
		d, err := time.ParseDuration(cfg.ReadTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid read_timeout %q: %w", cfg.ReadTimeout, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("read_timeout must be positive, got %q", cfg.ReadTimeout)
		}
		cfg.readTimeout = d
	}

	if cfg.Retries == nil {
		retries := DefaultRetries
		cfg.Retries = &retries
	} else if *cfg.Retries < 0 {
		return cfg, fmt.Errorf("retries must not be negative, got %d", *cfg.Retries)
	}

	cfg.backoff = nil
	for _, s := range cfg.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return cfg, fmt.Errorf("invalid backoff %q: %w", s, err)
		}
		if d <= 0 {
			return cfg, fmt.Errorf("backoff must be positive, got %q", s)
		}
		cfg.backoff = append(cfg.backoff, d)
	}

	for id := range cfg.Zones {
		if id < 1 || id > 6 {
			return cfg, fmt.Errorf("zone name for unknown zone id %d", id)
		}
	}

	return cfg, nil
}

// EngineOptions converts the normalized config into the engine's policy.
func (c Config) EngineOptions() engine.Options {
	opts := engine.Options{
		ReadTimeout: c.readTimeout,
		Backoff:     c.backoff,
	}
	if c.Retries != nil {
		opts.Retries = *c.Retries
	} else {
		opts.Retries = DefaultRetries
	}
	return opts
}

// ZoneName returns the configured display name for a zone, or "Zone N".
func (c Config) ZoneName(id int) string {
	if name, ok := c.Zones[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Zone %d", id)
}
