// Package link defines the contract between the flight core and a vehicle
// transport. Implementations live in subpackages (mavlink, sim).
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/neostellar/tracker/pkg/core"
)

var (
	// ErrUnknownVehicle is returned for a vehicle the link has never seen.
	ErrUnknownVehicle = errors.New("unknown vehicle")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link closed")
	// ErrAckTimeout is returned when the vehicle never answered a command.
	ErrAckTimeout = errors.New("no acknowledgement from vehicle")
	// ErrUnsupportedCommand is returned for a command kind the link cannot encode.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrOriginUnavailable is returned by ReadOrigin when the vehicle has no GPS origin yet.
	ErrOriginUnavailable = errors.New("gps origin unavailable")
)

// RejectedError is the synchronous rejection of a command by the vehicle.
type RejectedError struct {
	Command core.CommandKind
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Reason)
}

// Subscription is a cancellable telemetry registration.
type Subscription interface {
	Cancel()
}

// Link is a connection to one or more vehicles.
type Link interface {
	// Vehicles lists the vehicles seen so far, in order of discovery.
	Vehicles(ctx context.Context) ([]core.VehicleID, error)

	// Subscribe delivers every sample of topic from vehicle to fn, in order,
	// on a goroutine owned by the link.
	Subscribe(vehicle core.VehicleID, topic core.Topic, fn func(core.Telemetry)) (Subscription, error)

	// SendCommand issues cmd and returns once the vehicle accepted it (nil),
	// rejected it (*RejectedError) or did not answer (ErrAckTimeout).
	SendCommand(ctx context.Context, cmd core.Command) error

	// ReadOrigin returns the vehicle's GPS global origin.
	ReadOrigin(ctx context.Context, vehicle core.VehicleID) (core.Position, error)

	Close() error
}

// IsRejected reports whether err is a synchronous rejection and returns its reason.
func IsRejected(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
