package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neostellar/tracker/internal/geo"
	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/internal/link/sim"
	"github.com/neostellar/tracker/internal/telemetry"
	"github.com/neostellar/tracker/pkg/core"
)

const (
	demoMain   core.VehicleID = 1
	demoTarget core.VehicleID = 2
)

// newDemoLink creates a simulated link with a healthy main vehicle on the
// ground at home ("lat,lon,alt") and an airborne target 30 m north of it. The
// returned demo drives the target around a square until ctx is done.
func newDemoLink(home string, settings telemetry.Settings, logger *slog.Logger) (link.Link, func(context.Context), error) {
	origin, err := geo.PositionFromString(home)
	if err != nil {
		return nil, nil, fmt.Errorf("sim home %q: %w", home, err)
	}
	origin.RelativeAltitude = 0

	l, err := sim.New(sim.Config{
		AckDelay:                      50 * time.Millisecond,
		EventDelay:                    300 * time.Millisecond,
		LandDuration:                  3 * time.Second,
		StreamInterval:                time.Second,
		RequireSetpointBeforeOffboard: true,
		RejectArmWhenUnhealthy:        true,
		SentHistory:                   1000,
		Telemetry:                     settings,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	healthy := core.Health{SensorsOK: true, GlobalPositionOK: true, HomePositionOK: true}
	target := origin
	target.Latitude, target.Longitude = geo.Offset(origin.Latitude, origin.Longitude, 30, 0)
	target.RelativeAltitude = 15
	target.Altitude += 15

	for _, spec := range []sim.VehicleSpec{
		{ID: demoMain, Position: origin, Health: healthy},
		{ID: demoTarget, Position: target, Health: healthy, InAir: true, Armed: true, Mode: core.FlightModeOffboard},
	} {
		if err := l.AddVehicle(spec); err != nil {
			l.Close()
			return nil, nil, err
		}
	}

	demo := func(ctx context.Context) {
		legs := []struct{ north, east float64 }{{0, 3}, {-3, 0}, {0, -3}, {3, 0}}
		for i := 0; ; i++ {
			leg := legs[i%len(legs)]
			legCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			l.Drive(legCtx, demoTarget, leg.north, leg.east, 200*time.Millisecond)
			<-legCtx.Done()
			cancel()
			if ctx.Err() != nil {
				return
			}
			sent, evicted := l.DrainSent()
			logger.Debug("Demo target turning", "leg", i+1, "commands", len(sent), "evicted", evicted)
		}
	}
	return l, demo, nil
}
