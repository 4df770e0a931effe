package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFILE = "config.yml"

// DefaultPollInterval is the cadence used for poll-mode absolute encoders
// when the config does not set one.
const DefaultPollInterval = 25 * time.Millisecond

// EncoderConfig describes a single attached encoder. It is immutable once
// the platform has been started.
type EncoderConfig struct {
	// Lines are the BCM numbers of the monitored GPIO lines, most
	// significant line first. At least two.
	Lines []int `yaml:"Lines"`

	// Steps per full revolution or scale.
	Steps int `yaml:"Steps"`

	// StepsPerPeriod is the number of decode steps per detent period.
	// Zero means "not set".
	StepsPerPeriod int `yaml:"StepsPerPeriod"`

	// HalfPeriod is deprecated; use StepsPerPeriod instead. It is still
	// parsed for compatibility, see ResolveStepsPerPeriod.
	HalfPeriod bool `yaml:"HalfPeriod"`

	Rollover        bool `yaml:"Rollover"`
	Axis            int  `yaml:"Axis"`
	RelativeAxis    bool `yaml:"RelativeAxis"`
	AbsoluteEncoder bool `yaml:"AbsoluteEncoder"`

	// WakeupSource keeps edge delivery alive while the platform is
	// suspended.
	WakeupSource bool `yaml:"WakeupSource"`

	// PollInterval is the sampling cadence for poll-mode operation.
	PollInterval time.Duration `yaml:"PollInterval"`
}

// ResolveStepsPerPeriod applies the documented precedence: an explicit
// StepsPerPeriod always wins; otherwise the deprecated HalfPeriod flag
// maps to 2, and absent both the encoder runs one step per period. This
// is a compatibility behavior and the only place it is derived.
func (e EncoderConfig) ResolveStepsPerPeriod() int {
	if e.StepsPerPeriod != 0 {
		return e.StepsPerPeriod
	}
	if e.HalfPeriod {
		return 2
	}
	return 1
}

// HardwareConfig selects the GPIO backend.
type HardwareConfig struct {
	// GPIOLibrary is "periph.io" (edge-capable, the default) or
	// "go-rpio" (poll-only).
	GPIOLibrary string `yaml:"GPIOLibrary"`
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

type Config struct {
	RealHW     bool   `yaml:"-"`
	Configfile string `yaml:"-"`

	Hardware HardwareConfig           `yaml:"Hardware"`
	Encoders map[string]EncoderConfig `yaml:"Encoders"`
	Logging  LoggingConfig            `yaml:"Logging"`
}

// ReadConfig parses and validates the YAML configuration. Any validation
// failure is fatal to startup; no partially valid configuration is
// returned.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't open config file %s: %w", cfile, err)
	}
	defer f.Close()

	var conf Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&conf); err != nil {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	conf.Configfile = cfile

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *Config) validate() error {
	switch c.Hardware.GPIOLibrary {
	case "":
		c.Hardware.GPIOLibrary = "periph.io"
	case "periph.io", "go-rpio":
	default:
		return fmt.Errorf("unknown GPIO library: %s", c.Hardware.GPIOLibrary)
	}

	if len(c.Encoders) == 0 {
		return fmt.Errorf("at least one encoder must be configured")
	}

	for name, enc := range c.Encoders {
		if len(enc.Lines) < 2 {
			return fmt.Errorf("encoder %s: not enough lines, need at least 2", name)
		}
		seen := make(map[int]bool, len(enc.Lines))
		for _, line := range enc.Lines {
			if line < 0 {
				return fmt.Errorf("encoder %s: invalid GPIO line %d", name, line)
			}
			if seen[line] {
				return fmt.Errorf("encoder %s: GPIO line %d listed twice", name, line)
			}
			seen[line] = true
		}

		if !enc.AbsoluteEncoder {
			spp := enc.ResolveStepsPerPeriod()
			switch spp >> (len(enc.Lines) - 2) {
			case 1, 2, 4:
			default:
				return fmt.Errorf("encoder %s: '%d' is not a valid steps-per-period value", name, spp)
			}
		}

		if !enc.RelativeAxis && !enc.AbsoluteEncoder && enc.Steps <= 0 {
			return fmt.Errorf("encoder %s: Steps must be positive for absolute-axis reporting", name)
		}

		if enc.PollInterval < 0 {
			return fmt.Errorf("encoder %s: PollInterval must not be negative", name)
		}
		if enc.PollInterval == 0 {
			enc.PollInterval = DefaultPollInterval
			c.Encoders[name] = enc
		}
	}

	return nil
}
