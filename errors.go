package sinevel

import (
	"errors"
	"fmt"
)

var (
	ErrNoHardwareFound = errors.New("no hardware found")
	ErrEnableTimeout   = errors.New("enable timed out")
	ErrHomingTimeout   = errors.New("homing timed out")
)

// Exit codes returned by the CLI for each class of failure
const (
	ExitOK = iota
	ExitNoHardware
	ExitEnableTimeout
	ExitHomingTimeout
	ExitHardwareFault
	ExitOther
)

// AxisError attaches the Axis identity to an error
type AxisError struct {
	Axis Axis
	Err  error
}

func (e *AxisError) Error() string {
	return fmt.Sprintf("%s: %v", e.Axis, e.Err)
}

func (e *AxisError) Unwrap() error {
	return e.Err
}

// faultCoder is satisfied by hardware-layer errors that carry a fault code
type faultCoder interface {
	FaultCode() uint32
}

// ExitCode classifies an error into one of the Exit* codes. Timeouts take precedence over hardware
// faults so a combined error still reports why the run stopped
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var fc faultCoder
	switch {
	case errors.Is(err, ErrNoHardwareFound):
		return ExitNoHardware
	case errors.Is(err, ErrEnableTimeout):
		return ExitEnableTimeout
	case errors.Is(err, ErrHomingTimeout):
		return ExitHomingTimeout
	case errors.As(err, &fc):
		return ExitHardwareFault
	default:
		return ExitOther
	}
}
