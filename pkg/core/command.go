// pkg/core/command.go
package core

import (
	"errors"
	"fmt"
)

// CommandKind enumerates the commands the link can carry.
type CommandKind uint8

const (
	CommandArm CommandKind = iota + 1
	CommandDisarm
	CommandTakeoff
	CommandLand
	CommandStartOffboard
	CommandStopOffboard
	CommandStartFollow
	CommandStopFollow
	CommandSetFollowConfig
	CommandSetPositionGlobal
	CommandSetTargetLocation
)

var commandNames = map[CommandKind]string{
	CommandArm:               "arm",
	CommandDisarm:            "disarm",
	CommandTakeoff:           "takeoff",
	CommandLand:              "land",
	CommandStartOffboard:     "start_offboard",
	CommandStopOffboard:      "stop_offboard",
	CommandStartFollow:       "start_follow",
	CommandStopFollow:        "stop_follow",
	CommandSetFollowConfig:   "set_follow_config",
	CommandSetPositionGlobal: "set_position_global",
	CommandSetTargetLocation: "set_target_location",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", uint8(k))
}

// Command is a single request to a vehicle. Only the fields relevant to Kind are read.
type Command struct {
	Kind    CommandKind
	Vehicle VehicleID

	// CommandTakeoff
	TakeoffAltitude float64

	// CommandSetPositionGlobal, CommandSetTargetLocation
	Setpoint Setpoint

	// CommandSetFollowConfig
	Follow FollowGeometry
}

// OutcomeKind is the resolution of an executed command.
type OutcomeKind uint8

const (
	Accepted OutcomeKind = iota
	Rejected
	TimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrCommandRejected and ErrCommandTimedOut are matched by Outcome.Err.
var (
	ErrCommandRejected = errors.New("command rejected")
	ErrCommandTimedOut = errors.New("command timed out")
)

// Outcome is the definite result of one command.
type Outcome struct {
	Command CommandKind
	Kind    OutcomeKind
	Reason  string
}

// Ok is true only for an accepted and corroborated command.
func (o Outcome) Ok() bool {
	return o.Kind == Accepted
}

// Err converts a failed outcome to an error wrapping ErrCommandRejected or ErrCommandTimedOut.
func (o Outcome) Err() error {
	switch o.Kind {
	case Accepted:
		return nil
	case Rejected:
		return fmt.Errorf("%s: %w: %s", o.Command, ErrCommandRejected, o.Reason)
	default:
		if o.Reason != "" {
			return fmt.Errorf("%s: %w: %s", o.Command, ErrCommandTimedOut, o.Reason)
		}
		return fmt.Errorf("%s: %w", o.Command, ErrCommandTimedOut)
	}
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return fmt.Sprintf("%s %s", o.Command, o.Kind)
	}
	return fmt.Sprintf("%s %s (%s)", o.Command, o.Kind, o.Reason)
}
