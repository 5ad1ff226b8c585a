// Package bringup takes a motor node from power-up to ready for velocity commands: clear faults,
// enable, and home when the node supports it. Every blocking wait is bounded by a timeout
package bringup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/clock"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/trajectory"
)

// DefaultTimeout bounds the enable and homing waits
const DefaultTimeout = 10 * time.Second

var log = logrus.WithField("pkg", "bringup")

// Config controls a bring-up
type Config struct {
	// Timeout for each of the enable and homing waits
	Timeout time.Duration
	// ResetDelay is how long the node is left disabled before clearing faults. Zero skips the reset
	ResetDelay time.Duration
	// Params provide the limits configured once the node is ready
	Params trajectory.Params
}

// Machine runs the bring-up state machine for one Axis. It never commands velocity
type Machine struct {
	axis    sinevel.Axis
	motor   motor.Motor
	clock   clock.Clock
	sleeper clock.Sleeper
	cfg     Config
	log     *logrus.Entry

	state   sinevel.State
	skipped bool
}

// New creates a Machine. A zero Timeout uses DefaultTimeout
func New(axis sinevel.Axis, m motor.Motor, clk clock.Clock, sleeper clock.Sleeper, cfg Config) *Machine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Machine{
		axis:    axis,
		motor:   m,
		clock:   clk,
		sleeper: sleeper,
		cfg:     cfg,
		log:     log.WithFields(axis.Fields()),
	}
}

// State returns the current state
func (m *Machine) State() sinevel.State {
	return m.state
}

func (m *Machine) setState(s sinevel.State) {
	m.log.Infof("state=%v", s)
	m.state = s
}

// Run drives the Axis through bring-up. Timeouts return the matching Outcome along with an
// *sinevel.AxisError wrapping ErrEnableTimeout or ErrHomingTimeout. Hardware faults and
// cancellation return OutcomeUnknown
func (m *Machine) Run(ctx context.Context) (sinevel.Outcome, error) {
	m.skipped = false
	m.setState(sinevel.StateFaultClearing)

	for !m.state.Terminal() {
		next, err := m.step(ctx)
		if err != nil {
			m.log.WithError(err).Errorf("bring-up failed in state %v", m.state)
			return sinevel.OutcomeUnknown, &sinevel.AxisError{
				Axis: m.axis,
				Err:  fmt.Errorf("error during %v: %w", m.state, err),
			}
		}
		m.setState(next)
	}

	switch m.state {
	case sinevel.StateEnableTimedOut:
		m.log.Errorf("node failed to enable within %v", m.cfg.Timeout)
		return sinevel.OutcomeEnableTimeout, &sinevel.AxisError{Axis: m.axis, Err: sinevel.ErrEnableTimeout}
	case sinevel.StateHomingTimedOut:
		m.log.Errorf("node homing timed out after %v", m.cfg.Timeout)
		return sinevel.OutcomeHomingTimeout, &sinevel.AxisError{Axis: m.axis, Err: sinevel.ErrHomingTimeout}
	}

	if m.skipped {
		return sinevel.OutcomeHomingSkipped, nil
	}
	return sinevel.OutcomeReady, nil
}

func (m *Machine) step(ctx context.Context) (sinevel.State, error) {
	switch m.state {
	case sinevel.StateFaultClearing:
		return sinevel.StateEnabling, m.clearFaults()

	case sinevel.StateEnabling:
		err := WaitFor(ctx, m.clock, m.cfg.Timeout, m.motor.IsReady)
		if errors.Is(err, ErrWaitTimeout) {
			return sinevel.StateEnableTimedOut, nil
		}
		return sinevel.StateHomingCheck, err

	case sinevel.StateHomingCheck:
		needed, err := m.homingNeeded()
		if err != nil {
			return m.state, err
		}
		if needed {
			return sinevel.StateHoming, nil
		}

		m.skipped = true
		return sinevel.StateReady, m.configure()

	case sinevel.StateHoming:
		err := m.motor.InitiateHoming()
		if err != nil {
			return m.state, err
		}

		err = WaitFor(ctx, m.clock, m.cfg.Timeout, m.motor.WasHomed)
		if errors.Is(err, ErrWaitTimeout) {
			return sinevel.StateHomingTimedOut, nil
		}
		if err != nil {
			return m.state, err
		}

		m.log.Info("node homed successfully")
		return sinevel.StateReady, m.configure()

	default:
		return m.state, fmt.Errorf("unexpected state: %v", m.state)
	}
}

// clearFaults optionally power-cycles the enable, then clears alerts and any motion stop and
// requests enable
func (m *Machine) clearFaults() error {
	if m.cfg.ResetDelay > 0 {
		err := m.motor.RequestEnable(false)
		if err != nil {
			return fmt.Errorf("error disabling before reset: %w", err)
		}
		m.sleeper.Sleep(m.cfg.ResetDelay)
	}

	err := m.motor.ClearFaults()
	if err != nil {
		return fmt.Errorf("error clearing faults: %w", err)
	}

	err = m.motor.ClearMotionStop()
	if err != nil {
		return fmt.Errorf("error clearing motion stop: %w", err)
	}

	err = m.motor.RequestEnable(true)
	if err != nil {
		return fmt.Errorf("error requesting enable: %w", err)
	}

	return nil
}

func (m *Machine) homingNeeded() (bool, error) {
	supported, err := m.motor.HomingSupported()
	if err != nil {
		return false, fmt.Errorf("error checking homing support: %w", err)
	}
	if !supported {
		m.log.Info("homing not supported, skipping")
		return false, nil
	}

	homed, err := m.motor.AlreadyHomed()
	if err != nil {
		return false, fmt.Errorf("error checking homed: %w", err)
	}
	if homed {
		m.log.Info("already homed, skipping")
		return false, nil
	}

	return true, nil
}

// configure sets the units and limits required before any motion
func (m *Machine) configure() error {
	p := m.cfg.Params

	err := m.motor.SetVelocityUnits(motor.VelUnitRPM)
	if err != nil {
		return fmt.Errorf("error setting velocity units: %w", err)
	}

	err = m.motor.SetAccelUnits(motor.AccUnitRPMPerSec)
	if err != nil {
		return fmt.Errorf("error setting acceleration units: %w", err)
	}

	err = m.motor.SetAccelLimit(p.AccelLimit)
	if err != nil {
		return fmt.Errorf("error setting acceleration limit: %w", err)
	}

	err = m.motor.SetVelocityLimit(p.VelLimit)
	if err != nil {
		return fmt.Errorf("error setting velocity limit: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"vel_limit":   p.VelLimit,
		"accel_limit": p.AccelLimit,
	}).Info("configured motion limits")
	return nil
}
