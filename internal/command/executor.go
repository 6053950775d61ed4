// Package command executes vehicle commands to a definite outcome.
//
// A command is sent through the link, which answers synchronously with an
// accept or a reject. An accepted command is only reported Accepted once the
// vehicle's telemetry corroborates it (armed, in air, mode changed) before the
// command's deadline; otherwise it is TimedOut. Commands are never retried.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultDeadline applies to kinds without a configured deadline.
const DefaultDeadline = 10 * time.Second

// Config holds per-kind corroboration deadlines.
type Config struct {
	Deadlines       map[core.CommandKind]time.Duration
	DefaultDeadline time.Duration
}

// Deadline returns the corroboration deadline of kind.
func (c Config) Deadline(kind core.CommandKind) time.Duration {
	if d, ok := c.Deadlines[kind]; ok && d > 0 {
		return d
	}
	if c.DefaultDeadline > 0 {
		return c.DefaultDeadline
	}
	return DefaultDeadline
}

// OutcomeRecorder receives every outcome, e.g. to persist it as a metric point.
type OutcomeRecorder interface {
	RecordOutcome(vehicle core.VehicleID, outcome core.Outcome, latency time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder forwards outcomes to r. It may be given more than once.
func WithRecorder(r OutcomeRecorder) Option {
	return func(e *Executor) {
		e.recorders = append(e.recorders, r)
	}
}

// Executor runs commands against one link.
type Executor struct {
	link      link.Link
	cfg       Config
	logger    *slog.Logger
	recorders []OutcomeRecorder

	active atomic.Int64

	// OTEL metrics
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// New creates an Executor. Uses the global OTel meter (no-op if not configured).
func New(l link.Link, cfg Config, logger *slog.Logger, opts ...Option) (*Executor, error) {
	e := &Executor{
		link:   l,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	m := meter()
	var err error
	e.outcomes, err = m.Int64Counter(
		"command.outcomes",
		metric.WithDescription("Command outcomes by command and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outcomes counter: %w", err)
	}
	e.latency, err = m.Float64Histogram(
		"command.latency",
		metric.WithDescription("Time from send to outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating latency histogram: %w", err)
	}
	return e, nil
}

// corroboration describes the telemetry that confirms a command took effect.
type corroboration struct {
	topic core.Topic
	match func(core.Telemetry) bool
}

func corroborationFor(kind core.CommandKind) (corroboration, bool) {
	switch kind {
	case core.CommandArm:
		return corroboration{core.TopicArmed, func(t core.Telemetry) bool { return t.Armed }}, true
	case core.CommandDisarm:
		return corroboration{core.TopicArmed, func(t core.Telemetry) bool { return !t.Armed }}, true
	case core.CommandTakeoff:
		return corroboration{core.TopicLandedState, func(t core.Telemetry) bool {
			return t.LandedState == core.LandedInAir
		}}, true
	case core.CommandLand:
		return corroboration{core.TopicLandedState, func(t core.Telemetry) bool {
			return t.LandedState == core.LandedLanding || t.LandedState == core.LandedOnGround
		}}, true
	case core.CommandStartOffboard:
		return modeIs(core.FlightModeOffboard), true
	case core.CommandStartFollow:
		return modeIs(core.FlightModeFollowMe), true
	case core.CommandStopOffboard:
		return modeIsNot(core.FlightModeOffboard), true
	case core.CommandStopFollow:
		return modeIsNot(core.FlightModeFollowMe), true
	default:
		return corroboration{}, false
	}
}

func modeIs(mode core.FlightMode) corroboration {
	return corroboration{core.TopicFlightMode, func(t core.Telemetry) bool { return t.FlightMode == mode }}
}

func modeIsNot(mode core.FlightMode) corroboration {
	return corroboration{core.TopicFlightMode, func(t core.Telemetry) bool {
		return t.FlightMode != core.FlightModeUnknown && t.FlightMode != mode
	}}
}

// Execute sends cmd and waits for its outcome.
func (e *Executor) Execute(ctx context.Context, cmd core.Command) core.Outcome {
	start := time.Now()
	outcome := e.execute(ctx, cmd)
	e.record(cmd, outcome, time.Since(start))
	return outcome
}

func (e *Executor) execute(ctx context.Context, cmd core.Command) core.Outcome {
	if err := ctx.Err(); err != nil {
		return core.Outcome{Command: cmd.Kind, Kind: core.TimedOut, Reason: err.Error()}
	}
	c, needsEvent := corroborationFor(cmd.Kind)

	var seen chan struct{}
	if needsEvent {
		seen = make(chan struct{}, 1)
		sub, err := e.link.Subscribe(cmd.Vehicle, c.topic, func(t core.Telemetry) {
			if !c.match(t) {
				return
			}
			select {
			case seen <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return core.Outcome{Command: cmd.Kind, Kind: core.Rejected, Reason: err.Error()}
		}
		e.active.Add(1)
		defer func() {
			sub.Cancel()
			e.active.Add(-1)
		}()
	}

	if err := e.link.SendCommand(ctx, cmd); err != nil {
		if reason, ok := link.IsRejected(err); ok {
			return core.Outcome{Command: cmd.Kind, Kind: core.Rejected, Reason: reason}
		}
		if errors.Is(err, link.ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Canceled) {
			return core.Outcome{Command: cmd.Kind, Kind: core.TimedOut, Reason: err.Error()}
		}
		return core.Outcome{Command: cmd.Kind, Kind: core.Rejected, Reason: err.Error()}
	}

	if !needsEvent {
		return core.Outcome{Command: cmd.Kind, Kind: core.Accepted}
	}

	deadline := e.cfg.Deadline(cmd.Kind)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-seen:
		return core.Outcome{Command: cmd.Kind, Kind: core.Accepted}
	case <-timer.C:
		return core.Outcome{
			Command: cmd.Kind,
			Kind:    core.TimedOut,
			Reason:  fmt.Sprintf("no %s confirmation within %s", c.topic, deadline),
		}
	case <-ctx.Done():
		return core.Outcome{Command: cmd.Kind, Kind: core.TimedOut, Reason: ctx.Err().Error()}
	}
}

func (e *Executor) record(cmd core.Command, o core.Outcome, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("command", cmd.Kind.String()),
		attribute.String("outcome", o.Kind.String()),
	)
	e.outcomes.Add(context.Background(), 1, attrs)
	e.latency.Record(context.Background(), latency.Seconds(), attrs)

	if o.Ok() {
		e.logger.Debug("command accepted", "vehicle", int(cmd.Vehicle), "command", cmd.Kind.String(),
			"latency", latency)
	} else {
		e.logger.Warn("command failed", "vehicle", int(cmd.Vehicle), "command", cmd.Kind.String(),
			"outcome", o.Kind.String(), "reason", o.Reason, "latency", latency)
	}

	for _, r := range e.recorders {
		r.RecordOutcome(cmd.Vehicle, o, latency)
	}
}

// Active returns the number of corroboration subscriptions currently open.
func (e *Executor) Active() int {
	return int(e.active.Load())
}
