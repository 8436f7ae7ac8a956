package loop

import "fmt"

// Mode is an integer enum. In auto mode the regulator drives the output, in
// manual mode the operator does.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAuto
	ModeManual
)

func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	default:
		return ModeUnknown, fmt.Errorf("invalid mode: %q", s)
	}
}

// Action tells how the error is derived from setpoint and measurement.
// Direct acting loops raise the output when the measurement is below the
// setpoint (heating); reverse acting loops do the opposite (cooling).
type Action int

const (
	ActionUnknown Action = iota
	ActionDirect
	ActionReverse
)

func (a Action) Valid() bool {
	return a == ActionDirect || a == ActionReverse
}

func (a Action) String() string {
	switch a {
	case ActionDirect:
		return "direct"
	case ActionReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

func ParseAction(s string) (Action, error) {
	switch s {
	case "direct":
		return ActionDirect, nil
	case "reverse":
		return ActionReverse, nil
	default:
		return ActionUnknown, fmt.Errorf("invalid action: %q", s)
	}
}

// Error returns the regulation error for the given action.
func (a Action) Error(setpoint, measurement float64) float64 {
	if a == ActionReverse {
		return measurement - setpoint
	}
	return setpoint - measurement
}
