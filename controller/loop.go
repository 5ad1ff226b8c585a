package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/clock"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/trajectory"
)

// DefaultRate is the control loop rate in Hz
const DefaultRate = 50

// Recorder receives one record per control cycle. runlog.Logger implements it
type Recorder interface {
	Append(t, velocity float64) error
	Close() error
}

// LoopConfig controls the cadence and the optional limits of a Loop
type LoopConfig struct {
	// Rate in Hz
	Rate float64
	// Duration stops the loop once this much time has elapsed. Zero runs until stopped
	Duration time.Duration
	// MaxCycles stops the loop after this many cycles. Zero runs until stopped
	MaxCycles int
}

// Result summarizes a finished Loop
type Result struct {
	Cycles       int
	Overruns     int
	Elapsed      float64
	LastVelocity float64
	// Stopped is true when the loop ended because of the stop signal
	Stopped bool
}

// Loop commands the velocity trajectory to one Axis at a fixed rate
type Loop struct {
	axis     sinevel.Axis
	motor    motor.Motor
	clock    clock.Clock
	sleeper  clock.Sleeper
	params   trajectory.Params
	recorder Recorder
	cfg      LoopConfig
	log      *logrus.Entry
}

// NewLoop creates a Loop. The Loop owns recorder and closes it when Run returns
func NewLoop(axis sinevel.Axis, m motor.Motor, clk clock.Clock, sleeper clock.Sleeper, params trajectory.Params, recorder Recorder, cfg LoopConfig) *Loop {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	return &Loop{
		axis:     axis,
		motor:    m,
		clock:    clk,
		sleeper:  sleeper,
		params:   params,
		recorder: recorder,
		cfg:      cfg,
		log:      log.WithFields(axis.Fields()),
	}
}

// Run commands velocity until ctx is done or a limit is reached. The stop signal is checked once
// per cycle after the record is written. Whatever the exit path, zero velocity is commanded, the
// Axis is disabled, and the recorder is closed, each exactly once
func (l *Loop) Run(ctx context.Context) (result Result, err error) {
	defer func() {
		err = multierr.Append(err, l.shutdown())
	}()

	period := 1000 / l.cfg.Rate
	start := l.clock.NowMillis()
	next := start

	l.log.WithFields(logrus.Fields{
		"rate":      l.cfg.Rate,
		"vel_limit": l.params.VelLimit,
		"frequency": l.params.Frequency,
	}).Info("starting velocity loop")

	for cycle := 1; ; cycle++ {
		t := (l.clock.NowMillis() - start) / 1000
		result.Elapsed = t
		if l.cfg.Duration > 0 && t >= l.cfg.Duration.Seconds() {
			break
		}

		v := l.params.Clamp(l.params.Velocity(t))

		err = l.motor.CommandVelocity(v)
		if err != nil {
			l.log.WithError(err).Errorf("error commanding velocity on cycle %d", cycle)
			return result, &sinevel.AxisError{Axis: l.axis, Err: fmt.Errorf("error commanding velocity: %w", err)}
		}
		result.Cycles = cycle
		result.LastVelocity = v

		err = l.recorder.Append(t, v)
		if err != nil {
			return result, &sinevel.AxisError{Axis: l.axis, Err: err}
		}

		if ctx.Err() != nil {
			result.Stopped = true
			break
		}
		if l.cfg.MaxCycles > 0 && cycle >= l.cfg.MaxCycles {
			break
		}

		next += period
		now := l.clock.NowMillis()
		wait := next - now
		if wait <= 0 {
			// the next cycle starts late instead of being dropped. Once a whole period behind, the
			// schedule restarts from now so missed cycles are not run back to back
			result.Overruns++
			l.log.Debugf("cycle %d overran by %.3fms", cycle, -wait)
			if wait <= -period {
				next = now
			}
			continue
		}
		l.sleeper.Sleep(time.Duration(wait * float64(time.Millisecond)))
	}

	l.log.WithFields(logrus.Fields{
		"cycles":   result.Cycles,
		"overruns": result.Overruns,
		"elapsed":  result.Elapsed,
		"stopped":  result.Stopped,
	}).Info("velocity loop finished")

	return result, nil
}

// shutdown attempts every step even if an earlier one fails
func (l *Loop) shutdown() error {
	var err error

	zeroErr := l.motor.CommandVelocity(0)
	if zeroErr != nil {
		err = multierr.Append(err, fmt.Errorf("error commanding zero velocity: %w", zeroErr))
	}

	disableErr := l.motor.RequestEnable(false)
	if disableErr != nil {
		err = multierr.Append(err, fmt.Errorf("error disabling: %w", disableErr))
	}

	closeErr := l.recorder.Close()
	if closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("error closing log: %w", closeErr))
	}

	if err != nil {
		l.log.WithError(err).Error("shutdown incomplete")
		return &sinevel.AxisError{Axis: l.axis, Err: err}
	}

	l.log.Info("motion stopped and log saved")
	return nil
}
