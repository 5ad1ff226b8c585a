package controller

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinmclean/sinevel"
	"github.com/calvinmclean/sinevel/clock"
	"github.com/calvinmclean/sinevel/motor"
	"github.com/calvinmclean/sinevel/runlog"
	"github.com/calvinmclean/sinevel/trajectory"
)

var testAxis = sinevel.Axis{Port: 0, Node: 0, PortName: "sim0"}

type record struct {
	t, v float64
}

// memRecorder keeps records in memory and counts closes
type memRecorder struct {
	records  []record
	closes   int
	onAppend func(n int) error
}

func (m *memRecorder) Append(t, v float64) error {
	m.records = append(m.records, record{t, v})
	if m.onAppend != nil {
		return m.onAppend(len(m.records))
	}
	return nil
}

func (m *memRecorder) Close() error {
	m.closes++
	return nil
}

// readyNode returns a SimNode in the state bring-up leaves it in
func readyNode(t *testing.T, params trajectory.Params) *motor.SimNode {
	t.Helper()
	node := motor.NewSimNode(0, motor.SimNodeConfig{})
	require.NoError(t, node.RequestEnable(true))
	require.NoError(t, node.SetVelocityLimit(params.VelLimit))
	return node
}

func assertShutdownOnce(t *testing.T, node *motor.SimNode, rec *memRecorder) {
	t.Helper()

	calls := node.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{motor.CallCommandVelocity, motor.CallDisable}, calls[len(calls)-2:])
	// one Enable from setup and one Disable from shutdown
	assert.Equal(t, 1, node.Count(motor.CallDisable))
	assert.False(t, node.Enabled())
	assert.Equal(t, 1, rec.closes)
}

func TestLoopEndToEnd(t *testing.T) {
	params := trajectory.Params{Amplitude: 10000, VelLimit: 400, Frequency: 0.5, AccelLimit: 100000}
	node := readyNode(t, params)
	clk := clock.NewFake(0)
	rec := &memRecorder{}

	l := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{Rate: 50, Duration: 2 * time.Second})
	result, err := l.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100, result.Cycles)
	assert.Equal(t, 0, result.Overruns)
	assert.False(t, result.Stopped)
	assert.InDelta(t, 2.0, result.Elapsed, 1e-9)

	require.Len(t, rec.records, 100)
	assert.Equal(t, record{0, 400}, rec.records[0])
	assert.InDelta(t, 1.0, rec.records[50].t, 1e-9)
	assert.InDelta(t, -400, rec.records[50].v, 1e-9)
	assert.InDelta(t, 1.98, rec.records[99].t, 1e-9)

	velocities := node.Velocities()
	require.Len(t, velocities, 101)
	assert.Equal(t, 0.0, velocities[len(velocities)-1])
	for _, v := range velocities {
		assert.LessOrEqual(t, v, params.VelLimit)
		assert.GreaterOrEqual(t, v, -params.VelLimit)
	}

	for _, s := range clk.Sleeps() {
		assert.Equal(t, 20*time.Millisecond, s)
	}

	assertShutdownOnce(t, node, rec)
}

func TestLoopLogFidelity(t *testing.T) {
	params := trajectory.DefaultParams()
	node := readyNode(t, params)
	clk := clock.NewFake(0)

	var buf strings.Builder
	logger, err := runlog.New(nopCloser{&buf})
	require.NoError(t, err)

	const cycles = 60
	l := NewLoop(testAxis, node, clk, clk, params, logger, LoopConfig{MaxCycles: cycles})
	result, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cycles, result.Cycles)
	assert.Equal(t, cycles, logger.Rows())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, cycles+1)
	assert.Equal(t, "Time(s),Velocity(RPM)", lines[0])
	assert.Equal(t, "0,400", lines[1])
	assert.Equal(t, "0.02,399.211", lines[2])
	assert.Equal(t, "1,-400", lines[51])

	velocities := node.Velocities()
	for k := range cycles {
		assert.InDelta(t, params.Velocity(float64(k)*0.02), velocities[k], 1e-9)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func TestLoopShutdown(t *testing.T) {
	params := trajectory.DefaultParams()

	t.Run("CycleLimit", func(t *testing.T) {
		node := readyNode(t, params)
		clk := clock.NewFake(0)
		rec := &memRecorder{}

		result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{MaxCycles: 10}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 10, result.Cycles)
		assert.Len(t, rec.records, 10)
		assert.Equal(t, 11, node.Count(motor.CallCommandVelocity))
		assertShutdownOnce(t, node, rec)
	})

	t.Run("StopSignal", func(t *testing.T) {
		node := readyNode(t, params)
		clk := clock.NewFake(0)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rec := &memRecorder{onAppend: func(n int) error {
			if n == 7 {
				cancel()
			}
			return nil
		}}

		result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{}).Run(ctx)
		require.NoError(t, err)
		assert.True(t, result.Stopped)
		assert.Equal(t, 7, result.Cycles)
		assert.Len(t, rec.records, 7)
		assert.Equal(t, 0.0, node.Velocities()[7])
		assertShutdownOnce(t, node, rec)
	})

	t.Run("StoppedBeforeStart", func(t *testing.T) {
		node := readyNode(t, params)
		clk := clock.NewFake(0)
		rec := &memRecorder{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{}).Run(ctx)
		require.NoError(t, err)
		assert.True(t, result.Stopped)
		assert.Equal(t, 1, result.Cycles)
		assertShutdownOnce(t, node, rec)
	})

	t.Run("HardwareFault", func(t *testing.T) {
		node := readyNode(t, params)
		node.FailOn(motor.CallCommandVelocity, 10, 0x1234, "overcurrent")
		clk := clock.NewFake(0)
		rec := &memRecorder{}

		result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{}).Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, 10, result.Cycles)
		assert.Len(t, rec.records, 10)

		var fault *motor.Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, uint32(0x1234), fault.Code)
		assert.Equal(t, sinevel.ExitHardwareFault, sinevel.ExitCode(err))

		var axisErr *sinevel.AxisError
		require.ErrorAs(t, err, &axisErr)
		assert.Equal(t, testAxis, axisErr.Axis)

		// ten good commands, the failing one, then a single zero attempt
		assert.Equal(t, 12, node.Count(motor.CallCommandVelocity))
		assertShutdownOnce(t, node, rec)
	})

	t.Run("LogFailure", func(t *testing.T) {
		node := readyNode(t, params)
		clk := clock.NewFake(0)
		logErr := errors.New("disk full")
		rec := &memRecorder{onAppend: func(n int) error {
			if n == 3 {
				return logErr
			}
			return nil
		}}

		result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{}).Run(context.Background())
		require.ErrorIs(t, err, logErr)
		assert.Equal(t, 3, result.Cycles)
		assert.Equal(t, 0.0, node.Velocities()[3])
		assertShutdownOnce(t, node, rec)
	})

	t.Run("ShutdownErrorsCombined", func(t *testing.T) {
		node := readyNode(t, params)
		node.FailOn(motor.CallDisable, 0, 0x5555, "disable refused")
		clk := clock.NewFake(0)
		rec := &memRecorder{}

		_, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{MaxCycles: 2}).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disable refused")
		assert.Equal(t, sinevel.ExitHardwareFault, sinevel.ExitCode(err))
		assert.Equal(t, 1, rec.closes)
	})
}

func TestLoopOverrun(t *testing.T) {
	params := trajectory.DefaultParams()
	node := readyNode(t, params)
	// every clock read costs more than a whole period
	clk := clock.NewFake(30 * time.Millisecond)
	rec := &memRecorder{}

	result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{MaxCycles: 5}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Cycles)
	assert.Equal(t, 4, result.Overruns)
	assert.Empty(t, clk.Sleeps())
	assert.Len(t, rec.records, 5)
}

func TestLoopOverrunNoBurst(t *testing.T) {
	params := trajectory.DefaultParams()
	node := readyNode(t, params)
	clk := clock.NewFake(0)
	rec := &memRecorder{onAppend: func(n int) error {
		// the third cycle stalls for ten periods
		if n == 3 {
			clk.Advance(200 * time.Millisecond)
		}
		return nil
	}}

	result, err := NewLoop(testAxis, node, clk, clk, params, rec, LoopConfig{MaxCycles: 20}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, result.Cycles)
	assert.Equal(t, 1, result.Overruns)

	require.Len(t, rec.records, 20)
	expected := []float64{0, 0.02, 0.04, 0.24, 0.26}
	for i, want := range expected {
		assert.InDelta(t, want, rec.records[i].t, 1e-9)
	}
	for i := 1; i < len(rec.records); i++ {
		assert.GreaterOrEqual(t, rec.records[i].t-rec.records[i-1].t, 0.02-1e-9, "cycle %d repeated a time", i+1)
	}
	assert.InDelta(t, 0.56, rec.records[19].t, 1e-9)

	// the trajectory phase follows the clock, not the cycle count
	assert.InDelta(t, params.Velocity(0.24), rec.records[3].v, 1e-9)
}

func TestLoopDefaultRate(t *testing.T) {
	params := trajectory.DefaultParams()
	node := readyNode(t, params)
	clk := clock.NewFake(0)

	_, err := NewLoop(testAxis, node, clk, clk, params, &memRecorder{}, LoopConfig{MaxCycles: 3}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{20 * time.Millisecond, 20 * time.Millisecond}, clk.Sleeps())
}
