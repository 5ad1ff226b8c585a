package controller

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/calvinmclean/sinevel/bringup"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/trajectory"
)

// EnvPrefix is prepended to every environment variable read by ApplyEnv
const EnvPrefix = "SINEVEL_"

// Config is everything needed to run a Controller
type Config struct {
	// SerialPorts to open. Empty discovers USB serial ports
	SerialPorts []string `yaml:"serial_ports"`
	BaudRate    int      `yaml:"baud_rate"`

	// Simulate replaces the serial bus with simulated nodes
	Simulate bool `yaml:"simulate"`
	SimPorts int  `yaml:"sim_ports"`
	SimNodes int  `yaml:"sim_nodes"`

	Rate       float64       `yaml:"rate"`
	Timeout    time.Duration `yaml:"timeout"`
	ResetDelay time.Duration `yaml:"reset_delay"`
	// Duration limits how long each loop runs. Zero runs until stopped
	Duration time.Duration `yaml:"duration"`

	LogDir      string `yaml:"log_dir"`
	TWChartAddr string `yaml:"twchart_addr"`

	Trajectory trajectory.Params `yaml:"trajectory"`
}

// DefaultConfig returns the Config used when nothing else is set
func DefaultConfig() Config {
	return Config{
		BaudRate:   115200,
		SimPorts:   1,
		SimNodes:   1,
		Rate:       DefaultRate,
		Timeout:    bringup.DefaultTimeout,
		ResetDelay: 200 * time.Millisecond,
		LogDir:     ".",
		Trajectory: trajectory.DefaultParams(),
	}
}

// LoadFile reads YAML from path on top of the existing values
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	err = yaml.Unmarshal(data, c)
	if err != nil {
		return fmt.Errorf("error parsing config file %q: %w", path, err)
	}
	return nil
}

// NewConfigFromEnv returns the default Config with environment variables applied
func NewConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(os.LookupEnv)
	return cfg, err
}

// ApplyEnv overrides values with SINEVEL_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}
	parse := func(name string, f func(string) error) {
		v, ok := get(name)
		if !ok {
			return
		}
		err := f(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err))
		}
	}

	if v, ok := get("PORT"); ok {
		c.SerialPorts = strings.Split(v, ",")
	}
	if v, ok := get("LOG_DIR"); ok {
		c.LogDir = v
	}
	if v, ok := get("TWCHART_ADDR"); ok {
		c.TWChartAddr = v
	}

	parse("BAUD", func(v string) (err error) {
		c.BaudRate, err = cast.ToIntE(v)
		return
	})
	parse("SIMULATE", func(v string) (err error) {
		c.Simulate, err = cast.ToBoolE(v)
		return
	})
	parse("SIM_PORTS", func(v string) (err error) {
		c.SimPorts, err = cast.ToIntE(v)
		return
	})
	parse("SIM_NODES", func(v string) (err error) {
		c.SimNodes, err = cast.ToIntE(v)
		return
	})
	parse("RATE", func(v string) (err error) {
		c.Rate, err = cast.ToFloat64E(v)
		return
	})
	parse("TIMEOUT", func(v string) (err error) {
		c.Timeout, err = cast.ToDurationE(v)
		return
	})
	parse("RESET_DELAY", func(v string) (err error) {
		c.ResetDelay, err = cast.ToDurationE(v)
		return
	})
	parse("DURATION", func(v string) (err error) {
		c.Duration, err = cast.ToDurationE(v)
		return
	})
	parse("VEL_LIMIT", func(v string) (err error) {
		c.Trajectory.VelLimit, err = cast.ToFloat64E(v)
		return
	})
	parse("FREQUENCY", func(v string) (err error) {
		c.Trajectory.Frequency, err = cast.ToFloat64E(v)
		return
	})
	parse("AMPLITUDE", func(v string) (err error) {
		c.Trajectory.Amplitude, err = cast.ToFloat64E(v)
		return
	})
	parse("ACCEL_LIMIT", func(v string) (err error) {
		c.Trajectory.AccelLimit, err = cast.ToFloat64E(v)
		return
	})

	return errors.Join(errs...)
}

// Validate checks the Config before any hardware is touched
func (c Config) Validate() error {
	var errs []error
	if c.Rate <= 0 {
		errs = append(errs, errors.New("rate must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.ResetDelay < 0 {
		errs = append(errs, errors.New("reset delay must not be negative"))
	}
	if c.Duration < 0 {
		errs = append(errs, errors.New("duration must not be negative"))
	}
	if c.Simulate && (c.SimPorts < 0 || c.SimNodes < 0) {
		errs = append(errs, errors.New("simulated ports and nodes must not be negative"))
	}
	if !c.Simulate && c.BaudRate <= 0 {
		errs = append(errs, errors.New("baud rate must be positive"))
	}

	err := c.Trajectory.Validate()
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid trajectory: %w", err))
	}

	return errors.Join(errs...)
}

// simNodeConfig is a node that takes a few polls to enable and home
var simNodeConfig = motor.SimNodeConfig{
	PollsUntilReady: 5,
	HomingSupported: true,
	PollsUntilHomed: 50,
}

// Bus creates the Bus described by the Config
func (c Config) Bus() motor.Bus {
	if c.Simulate {
		return motor.NewUniformSimBus(c.SimPorts, c.SimNodes, simNodeConfig)
	}
	return motor.NewSerialBus(motor.SerialConfig{
		Ports:    c.SerialPorts,
		BaudRate: c.BaudRate,
	})
}
