package motor

import (
	"errors"
	"fmt"
)

// ErrNoHardware is returned by a Bus when no ports or nodes are available
var ErrNoHardware = errors.New("no motor hubs found")

// Motor is the capability set of a single motor node. Any call can fail with a *Fault
type Motor interface {
	ClearFaults() error
	ClearMotionStop() error
	RequestEnable(enable bool) error
	IsReady() (bool, error)

	HomingSupported() (bool, error)
	AlreadyHomed() (bool, error)
	InitiateHoming() error
	WasHomed() (bool, error)

	SetVelocityUnits(VelUnit) error
	SetAccelUnits(AccUnit) error
	SetAccelLimit(float64) error
	SetVelocityLimit(float64) error

	CommandVelocity(float64) error
}

// Port is one communication endpoint (hub) with one or more nodes
type Port interface {
	Name() string
	NodeCount() int
	Node(i int) (Motor, error)
}

// Bus discovers and owns the ports. Close releases every port that was opened
type Bus interface {
	Ports() ([]Port, error)
	Close() error
}

// VelUnit is the unit used for velocity values
type VelUnit int

const (
	VelUnitRPM VelUnit = iota
	VelUnitCountsPerSec
)

func (u VelUnit) String() string {
	switch u {
	case VelUnitRPM:
		return "RPM"
	case VelUnitCountsPerSec:
		return "COUNTS_PER_SEC"
	default:
		return "UNKNOWN"
	}
}

// AccUnit is the unit used for acceleration values
type AccUnit int

const (
	AccUnitRPMPerSec AccUnit = iota
	AccUnitCountsPerSecSq
)

func (u AccUnit) String() string {
	switch u {
	case AccUnitRPMPerSec:
		return "RPM_PER_SEC"
	case AccUnitCountsPerSecSq:
		return "COUNTS_PER_SEC2"
	default:
		return "UNKNOWN"
	}
}

// Fault is a hardware-layer error reported by a node or its hub
type Fault struct {
	Addr int
	Code uint32
	Msg  string

	// Err is the underlying transport error, if any
	Err error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("hardware fault: addr=%d, code=0x%08x: %s: %v", f.Addr, f.Code, f.Msg, f.Err)
	}
	return fmt.Sprintf("hardware fault: addr=%d, code=0x%08x: %s", f.Addr, f.Code, f.Msg)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// FaultCode returns the raw code reported by the hardware
func (f *Fault) FaultCode() uint32 {
	return f.Code
}
