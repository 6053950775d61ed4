// Package follow runs the setpoint loop that keeps the main vehicle on
// station relative to the target.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrTargetPositionUnavailable = errors.New("target position unavailable")
	ErrModeConflict              = errors.New("follow loop is running")
	ErrNotUnderControl           = errors.New("main vehicle is not under control")
	ErrOriginUnavailable         = errors.New("main vehicle origin unavailable")
	ErrInvalidGeometry           = core.ErrInvalidGeometry
)

// DefaultInterval is the setpoint cadence.
const DefaultInterval = 5 * time.Second

// Sender executes a setpoint command.
type Sender interface {
	Execute(ctx context.Context, cmd core.Command) core.Outcome
}

// Gate reports whether the main vehicle accepts setpoints and how.
type Gate interface {
	UnderControl() (core.ControlMode, bool)
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration
	// CommandTimeout bounds each setpoint send; 0 uses the interval.
	CommandTimeout time.Duration
}

// Controller issues one setpoint per tick while running.
type Controller struct {
	sender Sender
	main   *vehicle.State
	target *vehicle.State
	gate   Gate
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the loop goroutine
	geometry core.FollowGeometry
	prev     *core.Setpoint

	sentCount   atomic.Int64
	failedCount atomic.Int64

	// OTEL metrics
	sent   metric.Int64Counter
	failed metric.Int64Counter
}

// New creates a stopped controller.
func New(sender Sender, main, target *vehicle.State, gate Gate, cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = cfg.Interval
	}
	c := &Controller{
		sender: sender,
		main:   main,
		target: target,
		gate:   gate,
		cfg:    cfg,
		logger: logger.With("main", int(main.ID()), "target", int(target.ID())),
	}

	m := meter()
	var err error
	c.sent, err = m.Int64Counter(
		"follow.setpoints.sent",
		metric.WithDescription("Setpoints accepted by the main vehicle"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sent counter: %w", err)
	}
	c.failed, err = m.Int64Counter(
		"follow.setpoints.failed",
		metric.WithDescription("Ticks that did not deliver a setpoint"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}
	return c, nil
}

// Start begins following with g. The first setpoint is issued immediately.
func (c *Controller) Start(g core.FollowGeometry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrModeConflict
	}
	mode, ok := c.gate.UnderControl()
	if !ok {
		return ErrNotUnderControl
	}
	if err := g.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.geometry = g
	c.prev = nil
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx, mode, c.done)
	c.logger.Info("follow loop started", "mode", mode.String(), "interval", c.cfg.Interval,
		"standoff", g.StandoffDistanceMeters, "angle", g.ApproachAngleDegrees, "min_height", g.MinHeightMeters)
	return nil
}

// Stop halts the loop and waits for it; no setpoint is issued after it
// returns. Stopping a stopped controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.cancel()
	<-c.done
	c.running = false
	c.logger.Info("follow loop stopped", "sent", c.sentCount.Load(), "failed", c.failedCount.Load())
	return nil
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) loop(ctx context.Context, mode core.ControlMode, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.tick(ctx, mode); err != nil && ctx.Err() == nil {
			c.failedCount.Add(1)
			c.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", mode.String())))
			c.logger.Warn("setpoint not sent", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) tick(ctx context.Context, mode core.ControlMode) error {
	if ctx.Err() != nil {
		return nil
	}
	if _, ok := c.gate.UnderControl(); !ok {
		return ErrNotUnderControl
	}

	target := c.target.Position()
	if !target.Valid {
		return ErrTargetPositionUnavailable
	}

	cmd := core.Command{Vehicle: c.main.ID()}
	var next core.Setpoint
	switch mode {
	case core.ControlFollowMe:
		cmd.Kind = core.CommandSetTargetLocation
		next = core.Setpoint{
			Latitude:  target.Latitude,
			Longitude: target.Longitude,
			Altitude:  target.Altitude,
			Reference: core.AltitudeAbsoluteGPS,
		}
	default:
		desired, err := ComputeSetpoint(target, c.main.Origin(), c.geometry)
		if err != nil {
			return err
		}
		cmd.Kind = core.CommandSetPositionGlobal
		next = Blend(c.prev, desired, c.geometry.Responsiveness)
	}
	cmd.Setpoint = next

	return c.send(ctx, cmd, mode, func() { c.prev = &next })
}

func (c *Controller) send(ctx context.Context, cmd core.Command, mode core.ControlMode, onOK func()) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	out := c.sender.Execute(ctx, cmd)
	if !out.Ok() {
		return out.Err()
	}
	if onOK != nil {
		onOK()
	}
	c.sentCount.Add(1)
	c.sent.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", mode.String())))
	c.logger.Debug("setpoint sent", "command", cmd.Kind.String(), "setpoint", cmd.Setpoint.String())
	return nil
}

// SetOffset sends one setpoint relative to the main vehicle's origin: latitude
// and longitude offsets in degrees, altitude above home in metres. It is
// refused while the loop is running.
func (c *Controller) SetOffset(ctx context.Context, latOffset, lonOffset, altOffset, yaw float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrModeConflict
	}
	mode, ok := c.gate.UnderControl()
	if !ok {
		return ErrNotUnderControl
	}
	origin := c.main.Origin()
	if !origin.Valid {
		return ErrOriginUnavailable
	}

	cmd := core.Command{
		Kind:    core.CommandSetPositionGlobal,
		Vehicle: c.main.ID(),
		Setpoint: core.Setpoint{
			Latitude:   origin.Latitude + latOffset,
			Longitude:  origin.Longitude + lonOffset,
			Altitude:   altOffset,
			YawDegrees: yaw,
			Reference:  core.AltitudeRelativeToHome,
		},
	}
	if mode == core.ControlFollowMe {
		cmd.Kind = core.CommandSetTargetLocation
		cmd.Setpoint.Altitude = origin.Altitude + altOffset
		cmd.Setpoint.Reference = core.AltitudeAbsoluteGPS
	}
	return c.send(ctx, cmd, mode, nil)
}

// SetpointsSent returns the number of setpoints the vehicle accepted.
func (c *Controller) SetpointsSent() int64 {
	return c.sentCount.Load()
}

// SetpointsFailed returns the number of ticks that sent nothing.
func (c *Controller) SetpointsFailed() int64 {
	return c.failedCount.Load()
}
