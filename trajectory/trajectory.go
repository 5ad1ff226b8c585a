// Package trajectory generates the sinusoidal velocity profile commanded to each axis
package trajectory

import (
	"errors"
	"math"
)

// Defaults for a run
const (
	DefaultAmplitude  = 10000
	DefaultVelLimit   = 400
	DefaultFrequency  = 0.5
	DefaultAccelLimit = 100000
)

// Params are fixed for the lifetime of a run
type Params struct {
	// Amplitude is the nominal displacement in counts. It does not shape the velocity profile
	Amplitude float64 `yaml:"amplitude"`
	// VelLimit is the peak velocity in RPM
	VelLimit float64 `yaml:"vel_limit"`
	// Frequency of oscillation in Hz
	Frequency float64 `yaml:"frequency"`
	// AccelLimit in RPM/s
	AccelLimit float64 `yaml:"accel_limit"`
}

// DefaultParams returns the default trajectory
func DefaultParams() Params {
	return Params{
		Amplitude:  DefaultAmplitude,
		VelLimit:   DefaultVelLimit,
		Frequency:  DefaultFrequency,
		AccelLimit: DefaultAccelLimit,
	}
}

// Validate checks that the Params describe a usable trajectory
func (p Params) Validate() error {
	switch {
	case !(p.VelLimit > 0) || math.IsInf(p.VelLimit, 0):
		return errors.New("velocity limit must be positive")
	case !(p.Frequency > 0) || math.IsInf(p.Frequency, 0):
		return errors.New("frequency must be positive")
	case !(p.AccelLimit > 0) || math.IsInf(p.AccelLimit, 0):
		return errors.New("acceleration limit must be positive")
	case p.Amplitude < 0:
		return errors.New("amplitude must not be negative")
	}
	return nil
}

// Velocity returns the target velocity t seconds after the control loop started
func (p Params) Velocity(t float64) float64 {
	return p.VelLimit * math.Cos(2*math.Pi*p.Frequency*t)
}

// Clamp bounds v to [-VelLimit, VelLimit]
func (p Params) Clamp(v float64) float64 {
	return math.Max(-p.VelLimit, math.Min(p.VelLimit, v))
}

// Period returns the duration of one oscillation in seconds
func (p Params) Period() float64 {
	return 1 / p.Frequency
}

// PeakAccel returns the largest acceleration the profile demands, in RPM/s
func (p Params) PeakAccel() float64 {
	return 2 * math.Pi * p.Frequency * p.VelLimit
}
