package sinevel

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Axis identifies one motor node on a port
type Axis struct {
	Port     int
	Node     int
	PortName string
}

func (a Axis) String() string {
	if a.PortName == "" {
		return fmt.Sprintf("port %d node %d", a.Port, a.Node)
	}
	return fmt.Sprintf("port %d (%s) node %d", a.Port, a.PortName, a.Node)
}

// Fields returns structured logging fields identifying the Axis
func (a Axis) Fields() logrus.Fields {
	return logrus.Fields{
		"port":      a.Port,
		"port_name": a.PortName,
		"node":      a.Node,
	}
}

// State is the bring-up state of a single Axis
type State int

const (
	StateUnknown State = iota
	StateFaultClearing
	StateEnabling
	StateHomingCheck
	StateHoming
	StateReady
	StateEnableTimedOut
	StateHomingTimedOut
)

func (s State) String() string {
	switch s {
	case StateFaultClearing:
		return "FaultClearing"
	case StateEnabling:
		return "Enabling"
	case StateHomingCheck:
		return "HomingCheck"
	case StateHoming:
		return "Homing"
	case StateReady:
		return "Ready"
	case StateEnableTimedOut:
		return "EnableTimedOut"
	case StateHomingTimedOut:
		return "HomingTimedOut"
	default:
		return "Unknown"
	}
}

// Terminal is true when no further transitions happen from this State
func (s State) Terminal() bool {
	return s == StateReady || s == StateEnableTimedOut || s == StateHomingTimedOut
}

// Outcome is the result of bringing up an Axis
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeReady
	OutcomeEnableTimeout
	OutcomeHomingTimeout
	// OutcomeHomingSkipped means the Axis is ready but homing was not run because it
	// is not supported or was already done
	OutcomeHomingSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "Ready"
	case OutcomeEnableTimeout:
		return "EnableTimeout"
	case OutcomeHomingTimeout:
		return "HomingTimeout"
	case OutcomeHomingSkipped:
		return "HomingSkipped"
	default:
		return "Unknown"
	}
}

// CanRun tells if an Axis with this Outcome may receive velocity commands
func (o Outcome) CanRun() bool {
	return o == OutcomeReady || o == OutcomeHomingSkipped
}
