package main

import (
	"fmt"
	"time"

	"github.com/neostellar/tracker/internal/command"
	"github.com/neostellar/tracker/internal/config"
	"github.com/neostellar/tracker/internal/flight"
	"github.com/neostellar/tracker/internal/follow"
	"github.com/neostellar/tracker/internal/session"
	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
)

func commandConfig(c config.CommandConfig) command.Config {
	return command.Config{
		DefaultDeadline: c.DefaultDeadline,
		Deadlines: map[core.CommandKind]time.Duration{
			core.CommandArm:           c.ArmDeadline,
			core.CommandDisarm:        c.ArmDeadline,
			core.CommandTakeoff:       c.TakeoffDeadline,
			core.CommandLand:          c.LandDeadline,
			core.CommandStartOffboard: c.ModeDeadline,
			core.CommandStopOffboard:  c.ModeDeadline,
			core.CommandStartFollow:   c.ModeDeadline,
			core.CommandStopFollow:    c.ModeDeadline,
		},
	}
}

func sessionConfig(s config.SessionConfig, f config.FollowConfig, l config.LinkConfig) session.Config {
	return session.Config{
		DiscoveryTimeout: s.DiscoveryTimeout,
		Registry: vehicle.Options{
			PollInterval:  s.DiscoveryPoll,
			MinVehicles:   s.MinVehicles,
			OriginTimeout: l.AckTimeout,
		},
		Flight: flight.Config{
			SafetyOverride:      s.SafetyOverride,
			TakeoffAltitude:     s.TakeoffAltitude,
			HealthPollInterval:  s.HealthPollInterval,
			HealthTimeout:       s.HealthTimeout,
			LandingPollInterval: s.LandingPollInterval,
			LandingTimeout:      s.LandingTimeout,
		},
		Follow:         follow.Config{Interval: f.Interval},
		FollowDuration: s.FollowDuration,
		Land:           s.Land,
	}
}

func sessionParams(s config.SessionConfig, f config.FollowConfig) (session.Params, error) {
	control, err := core.ParseControlMode(s.Control)
	if err != nil {
		return session.Params{}, err
	}
	ref, err := core.ParseAltitudeReference(f.AltitudeReference)
	if err != nil {
		return session.Params{}, err
	}
	geometry := core.FollowGeometry{
		MinHeightMeters:        f.MinHeight,
		StandoffDistanceMeters: f.Distance,
		ApproachAngleDegrees:   f.Angle,
		Responsiveness:         f.Responsiveness,
		AltitudeReference:      ref,
	}
	if err := geometry.Validate(); err != nil {
		return session.Params{}, err
	}
	if s.TargetIndex < 0 {
		return session.Params{}, fmt.Errorf("target index %d is negative", s.TargetIndex)
	}

	selector := vehicle.FirstDiscovered()
	if s.MainSystemID > 0 {
		selector = vehicle.ByID(core.VehicleID(s.MainSystemID))
	}
	return session.Params{
		MainSelector: selector,
		TargetIndex:  s.TargetIndex,
		Geometry:     geometry,
		Control:      control,
	}, nil
}
