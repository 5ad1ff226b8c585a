package bringup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/clock"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/trajectory"
)

var testAxis = sinevel.Axis{Port: 0, Node: 1, PortName: "sim0"}

func newMachine(node *motor.SimNode, clk *clock.Fake, cfg Config) *Machine {
	if cfg.Params == (trajectory.Params{}) {
		cfg.Params = trajectory.DefaultParams()
	}
	return New(testAxis, node, clk, clk, cfg)
}

func TestRun(t *testing.T) {
	configureCalls := []string{
		motor.CallSetVelocityUnits,
		motor.CallSetAccelUnits,
		motor.CallSetAccelLimit,
		motor.CallSetVelocityLimit,
	}

	tests := []struct {
		name            string
		cfg             motor.SimNodeConfig
		expectedOutcome sinevel.Outcome
		expectedCalls   []string
	}{
		{
			"HomingNotSupported",
			motor.SimNodeConfig{PollsUntilReady: 2},
			sinevel.OutcomeHomingSkipped,
			append([]string{
				motor.CallClearFaults,
				motor.CallClearMotionStop,
				motor.CallEnable,
				motor.CallIsReady, motor.CallIsReady, motor.CallIsReady,
				motor.CallHomingSupported,
			}, configureCalls...),
		},
		{
			"AlreadyHomed",
			motor.SimNodeConfig{PollsUntilReady: 0, HomingSupported: true, AlreadyHomed: true},
			sinevel.OutcomeHomingSkipped,
			append([]string{
				motor.CallClearFaults,
				motor.CallClearMotionStop,
				motor.CallEnable,
				motor.CallIsReady,
				motor.CallHomingSupported,
				motor.CallAlreadyHomed,
			}, configureCalls...),
		},
		{
			"Homed",
			motor.SimNodeConfig{PollsUntilReady: 1, HomingSupported: true, PollsUntilHomed: 2},
			sinevel.OutcomeReady,
			append([]string{
				motor.CallClearFaults,
				motor.CallClearMotionStop,
				motor.CallEnable,
				motor.CallIsReady, motor.CallIsReady,
				motor.CallHomingSupported,
				motor.CallAlreadyHomed,
				motor.CallInitiateHoming,
				motor.CallWasHomed, motor.CallWasHomed, motor.CallWasHomed,
			}, configureCalls...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := motor.NewSimNode(1, tt.cfg)
			m := newMachine(node, clock.NewFake(time.Millisecond), Config{})

			outcome, err := m.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expectedOutcome, outcome)
			assert.True(t, outcome.CanRun())
			assert.Equal(t, sinevel.StateReady, m.State())
			assert.Equal(t, tt.expectedCalls, node.Calls())

			accLimit, velLimit := node.Limits()
			assert.Equal(t, float64(trajectory.DefaultAccelLimit), accLimit)
			assert.Equal(t, float64(trajectory.DefaultVelLimit), velLimit)
			assert.True(t, node.Enabled())
		})
	}
}

func TestRunAlreadyHomedNeverInitiates(t *testing.T) {
	node := motor.NewSimNode(1, motor.SimNodeConfig{HomingSupported: true, AlreadyHomed: true})
	m := newMachine(node, clock.NewFake(time.Millisecond), Config{})

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, node.Count(motor.CallInitiateHoming))
	assert.Equal(t, 0, node.Count(motor.CallWasHomed))
}

func TestRunEnableTimeout(t *testing.T) {
	timeout := 2 * time.Second
	clk := clock.NewFake(time.Millisecond)
	node := motor.NewSimNode(1, motor.SimNodeConfig{PollsUntilReady: -1, HomingSupported: true})
	m := newMachine(node, clk, Config{Timeout: timeout})

	outcome, err := m.Run(context.Background())
	assert.Equal(t, sinevel.OutcomeEnableTimeout, outcome)
	assert.False(t, outcome.CanRun())
	assert.Equal(t, sinevel.StateEnableTimedOut, m.State())
	assert.ErrorIs(t, err, sinevel.ErrEnableTimeout)

	var axisErr *sinevel.AxisError
	require.ErrorAs(t, err, &axisErr)
	assert.Equal(t, testAxis, axisErr.Axis)

	assert.Greater(t, clk.Elapsed(), timeout)
	assert.LessOrEqual(t, clk.Elapsed(), timeout+10*time.Millisecond)

	assert.Equal(t, 0, node.Count(motor.CallCommandVelocity))
	assert.Equal(t, 0, node.Count(motor.CallHomingSupported))
	assert.Equal(t, 0, node.Count(motor.CallSetVelocityLimit))
}

func TestRunHomingTimeout(t *testing.T) {
	timeout := time.Second
	clk := clock.NewFake(time.Millisecond)
	node := motor.NewSimNode(1, motor.SimNodeConfig{HomingSupported: true, PollsUntilHomed: -1})
	m := newMachine(node, clk, Config{Timeout: timeout})

	outcome, err := m.Run(context.Background())
	assert.Equal(t, sinevel.OutcomeHomingTimeout, outcome)
	assert.Equal(t, sinevel.StateHomingTimedOut, m.State())
	assert.ErrorIs(t, err, sinevel.ErrHomingTimeout)
	assert.Equal(t, 1, node.Count(motor.CallInitiateHoming))
	assert.Equal(t, 0, node.Count(motor.CallCommandVelocity))
	assert.Equal(t, 0, node.Count(motor.CallSetVelocityLimit))
}

func TestRunHardwareFault(t *testing.T) {
	tests := []struct {
		name          string
		call          string
		expectedState sinevel.State
	}{
		{"ClearFaults", motor.CallClearFaults, sinevel.StateFaultClearing},
		{"IsReady", motor.CallIsReady, sinevel.StateEnabling},
		{"HomingSupported", motor.CallHomingSupported, sinevel.StateHomingCheck},
		{"InitiateHoming", motor.CallInitiateHoming, sinevel.StateHoming},
		{"SetVelocityLimit", motor.CallSetVelocityLimit, sinevel.StateHoming},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := motor.NewSimNode(1, motor.SimNodeConfig{HomingSupported: true})
			node.FailOn(tt.call, 0, 0x100, "injected")
			m := newMachine(node, clock.NewFake(time.Millisecond), Config{})

			outcome, err := m.Run(context.Background())
			assert.Equal(t, sinevel.OutcomeUnknown, outcome)
			assert.Equal(t, tt.expectedState, m.State())

			var fault *motor.Fault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, uint32(0x100), fault.Code)

			var axisErr *sinevel.AxisError
			require.ErrorAs(t, err, &axisErr)
			assert.Equal(t, testAxis, axisErr.Axis)
			assert.Equal(t, sinevel.ExitHardwareFault, sinevel.ExitCode(err))

			assert.Equal(t, 0, node.Count(motor.CallCommandVelocity))
		})
	}
}

func TestRunResetDelay(t *testing.T) {
	clk := clock.NewFake(0)
	node := motor.NewSimNode(1, motor.SimNodeConfig{})
	m := newMachine(node, clk, Config{ResetDelay: 200 * time.Millisecond})

	_, err := m.Run(context.Background())
	require.NoError(t, err)

	calls := node.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{
		motor.CallDisable,
		motor.CallClearFaults,
		motor.CallClearMotionStop,
		motor.CallEnable,
	}, calls[:4])
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, clk.Sleeps())
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	node := motor.NewSimNode(1, motor.SimNodeConfig{PollsUntilReady: -1})
	m := newMachine(node, clock.NewFake(time.Millisecond), Config{})

	outcome, err := m.Run(ctx)
	assert.Equal(t, sinevel.OutcomeUnknown, outcome)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sinevel.StateEnabling, m.State())
}
