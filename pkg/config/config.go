package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/poller"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/publisher"
	"github.com/srg/bar228/session"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Address          string                  `yaml:"address"`
	PollInterval     string                  `yaml:"poll_interval" default:"15m"`
	Units            protocol.UnitPreference `yaml:"unit_preference"`
	Elevation        float64                 `yaml:"elevation"` // metres above sea level
	BatteryVoltage   protocol.VoltageRange   `yaml:"battery_voltage"`
	FailureThreshold int                     `yaml:"failure_threshold" default:"3"`
	Timeouts         Timeouts                `yaml:"timeouts"`
	Backoff          Backoff                 `yaml:"backoff"`
	LogLevel         string                  `yaml:"log_level" default:"info"`
	// MQTT publishing is enabled when a broker is set.
	MQTT publisher.MQTTConfig `yaml:"mqtt"`
}

type Timeouts struct {
	Scan       time.Duration `yaml:"scan" default:"30s"`
	Connect    time.Duration `yaml:"connect" default:"20s"`
	Read       time.Duration `yaml:"read" default:"30s"`
	StaleGrace time.Duration `yaml:"stale_grace" default:"10s"`
	Disconnect time.Duration `yaml:"disconnect" default:"5s"`
}

type Backoff struct {
	Base time.Duration `yaml:"base" default:"30s"`
	Max  time.Duration `yaml:"max" default:"15m"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field and normalizes the radon unit.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Address) == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if _, err := poller.ParseSchedule(c.PollInterval); err != nil {
		errs = append(errs, err)
	}
	unit, err := protocol.ParseRadonUnit(string(c.Units.RadonUnit))
	if err != nil {
		errs = append(errs, err)
	} else {
		c.Units.RadonUnit = unit
	}
	if err := c.BatteryVoltage.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold))
	}
	for name, d := range map[string]time.Duration{
		"timeouts.scan":        c.Timeouts.Scan,
		"timeouts.connect":     c.Timeouts.Connect,
		"timeouts.read":        c.Timeouts.Read,
		"timeouts.stale_grace": c.Timeouts.StaleGrace,
		"timeouts.disconnect":  c.Timeouts.Disconnect,
		"backoff.base":         c.Backoff.Base,
		"backoff.max":          c.Backoff.Max,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Backoff.Max > 0 && c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max %s is below backoff.base %s", c.Backoff.Max, c.Backoff.Base))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.MQTTEnabled() {
		if err := c.MQTT.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTT.Broker) != ""
}

// SessionOptions maps the config onto session options.
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	opts.Address = c.Address
	opts.ScanTimeout = c.Timeouts.Scan
	opts.ConnectTimeout = c.Timeouts.Connect
	opts.ReadTimeout = c.Timeouts.Read
	opts.StaleGrace = c.Timeouts.StaleGrace
	opts.DisconnectTimeout = c.Timeouts.Disconnect
	opts.BackoffBase = c.Backoff.Base
	opts.BackoffMax = c.Backoff.Max
	opts.Decoder = protocol.Decoder{Battery: c.BatteryVoltage}
	return opts
}

// PollerOptions maps the config onto coordinator options.
func (c *Config) PollerOptions(sink poller.Sink) (poller.Options, error) {
	sched, err := poller.ParseSchedule(c.PollInterval)
	if err != nil {
		return poller.Options{}, err
	}
	return poller.Options{
		Schedule:         sched,
		FailureThreshold: c.FailureThreshold,
		Sink:             sink,
	}, nil
}

// FieldsOptions returns the display settings for readings.
func (c *Config) FieldsOptions() protocol.FieldsOptions {
	return protocol.FieldsOptions{Units: c.Units, Elevation: c.Elevation}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
