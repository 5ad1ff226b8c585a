package main

import (
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/calvinmclean/sinevel/controller"
)

// runFlags holds the command line. Only flags that were set override the file and environment
type runFlags struct {
	configFile string
	logLevel   string
	logFormat  string

	ports       []string
	baud        int
	simulate    bool
	simPorts    int
	simNodes    int
	rate        float64
	timeout     time.Duration
	resetDelay  time.Duration
	duration    time.Duration
	logDir      string
	twchartAddr string

	velLimit   float64
	frequency  float64
	amplitude  float64
	accelLimit float64
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	def := controller.DefaultConfig()

	fs.StringVar(&f.configFile, "config", "", "YAML config file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")

	fs.StringSliceVar(&f.ports, "port", nil, "serial port(s) to open. Empty discovers USB serial ports")
	fs.IntVar(&f.baud, "baud", def.BaudRate, "serial baud rate")
	fs.BoolVar(&f.simulate, "simulate", def.Simulate, "use simulated nodes instead of serial hardware")
	fs.IntVar(&f.simPorts, "sim-ports", def.SimPorts, "number of simulated ports")
	fs.IntVar(&f.simNodes, "sim-nodes", def.SimNodes, "number of simulated nodes per port")
	fs.Float64Var(&f.rate, "rate", def.Rate, "control loop rate in Hz")
	fs.DurationVar(&f.timeout, "timeout", def.Timeout, "timeout for enabling and for homing")
	fs.DurationVar(&f.resetDelay, "reset-delay", def.ResetDelay, "time a node is left disabled before clearing faults. 0 skips the reset")
	fs.DurationVar(&f.duration, "duration", def.Duration, "stop after this long. 0 runs until interrupted")
	fs.StringVar(&f.logDir, "log-dir", def.LogDir, "directory for velocity logs")
	fs.StringVar(&f.twchartAddr, "twchart-addr", def.TWChartAddr, "TWChart server address for reporting sessions")

	fs.Float64Var(&f.velLimit, "vel-limit", def.Trajectory.VelLimit, "peak velocity in RPM")
	fs.Float64Var(&f.frequency, "frequency", def.Trajectory.Frequency, "oscillation frequency in Hz")
	fs.Float64Var(&f.amplitude, "amplitude", def.Trajectory.Amplitude, "nominal amplitude in counts")
	fs.Float64Var(&f.accelLimit, "accel-limit", def.Trajectory.AccelLimit, "acceleration limit in RPM/s")
}

// loadConfig layers defaults, the config file, SINEVEL_* environment variables, and then flags
func loadConfig(fs *pflag.FlagSet, f *runFlags) (controller.Config, error) {
	cfg := controller.DefaultConfig()

	if f.configFile != "" {
		err := cfg.LoadFile(f.configFile)
		if err != nil {
			return cfg, err
		}
	}

	err := cfg.ApplyEnv(os.LookupEnv)
	if err != nil {
		return cfg, err
	}

	f.apply(fs, &cfg)

	return cfg, cfg.Validate()
}

func (f *runFlags) apply(fs *pflag.FlagSet, cfg *controller.Config) {
	t := &cfg.Trajectory
	fs.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "port":
			cfg.SerialPorts = f.ports
		case "baud":
			cfg.BaudRate = f.baud
		case "simulate":
			cfg.Simulate = f.simulate
		case "sim-ports":
			cfg.SimPorts = f.simPorts
		case "sim-nodes":
			cfg.SimNodes = f.simNodes
		case "rate":
			cfg.Rate = f.rate
		case "timeout":
			cfg.Timeout = f.timeout
		case "reset-delay":
			cfg.ResetDelay = f.resetDelay
		case "duration":
			cfg.Duration = f.duration
		case "log-dir":
			cfg.LogDir = f.logDir
		case "twchart-addr":
			cfg.TWChartAddr = f.twchartAddr
		case "vel-limit":
			t.VelLimit = f.velLimit
		case "frequency":
			t.Frequency = f.frequency
		case "amplitude":
			t.Amplitude = f.amplitude
		case "accel-limit":
			t.AccelLimit = f.accelLimit
		}
	})
}
