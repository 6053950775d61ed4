// Package session runs one leader/follower session end to end: discovery,
// role designation, launch, control, following and landing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neostellar/tracker/internal/flight"
	"github.com/neostellar/tracker/internal/follow"
	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
)

// ErrUnsupportedControl is returned for a control mode other than offboard or follow-me.
var ErrUnsupportedControl = errors.New("unsupported control mode")

// Executor runs one command to an outcome.
type Executor interface {
	Execute(ctx context.Context, cmd core.Command) core.Outcome
}

// Config tunes a session.
type Config struct {
	DiscoveryTimeout time.Duration
	Registry         vehicle.Options
	Flight           flight.Config
	Follow           follow.Config
	// FollowDuration ends following after this long; 0 follows until the
	// context is cancelled.
	FollowDuration time.Duration
	// Land lands the main vehicle once following ends. When false the
	// vehicle is left under control.
	Land bool
}

// Params selects the vehicles and how to follow.
type Params struct {
	// MainSelector defaults to the first discovered vehicle.
	MainSelector vehicle.Selector
	TargetIndex  int
	Geometry     core.FollowGeometry
	Control      core.ControlMode
}

// Validate checks the control mode and geometry before anything is sent.
func (p Params) Validate() error {
	switch p.Control {
	case core.ControlOffboard, core.ControlFollowMe:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedControl, p.Control)
	}
	if err := p.Geometry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", flight.ErrFollowConfigRejected, err)
	}
	return nil
}

// Result reports how far a session got.
type Result struct {
	ID                  string
	FinalState          flight.State
	Err                 error
	HealthCheckBypassed bool
	AlreadyAirborne     bool
	SetpointsSent       int64
	StartedAt           time.Time
	Duration            time.Duration
}

// Status is a point-in-time view of a running session.
type Status struct {
	ID            string
	State         flight.State
	Main          *vehicle.Snapshot
	Target        *vehicle.Snapshot
	SetpointsSent int64
	Following     bool
	Uptime        time.Duration
}

// Runner executes sessions on one link.
type Runner struct {
	link   link.Link
	exec   Executor
	cfg    Config
	logger *slog.Logger
	sc     *Context

	mu         sync.RWMutex
	main       *vehicle.State
	target     *vehicle.State
	controller *follow.Controller
}

// NewRunner creates a runner. sc may be shared with the logging context handler.
func NewRunner(l link.Link, exec Executor, cfg Config, logger *slog.Logger, sc *Context) *Runner {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 3 * time.Second
	}
	if sc == nil {
		sc = NewContext()
	}
	return &Runner{
		link:   l,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		sc:     sc,
	}
}

// Context returns the session context.
func (r *Runner) Context() *Context {
	return r.sc
}

// Run executes one session. A failure stops the session where it happened;
// the vehicle is never landed automatically after an error. Cancelling ctx
// while following ends the session normally and, if configured, lands.
func (r *Runner) Run(ctx context.Context, p Params) Result {
	res := Result{ID: r.sc.ID(), StartedAt: time.Now(), FinalState: flight.Grounded}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if res.Err != nil {
			r.logger.Error("session failed", "state", res.FinalState.String(), "error", res.Err)
		} else {
			r.logger.Info("session finished", "state", res.FinalState.String(), "duration", res.Duration)
		}
	}()

	if err := p.Validate(); err != nil {
		res.Err = err
		return res
	}
	if p.MainSelector == nil {
		p.MainSelector = vehicle.FirstDiscovered()
	}

	registry := vehicle.NewRegistry(r.link, r.logger, r.cfg.Registry)
	defer registry.Close()

	if _, err := registry.Discover(ctx, r.cfg.DiscoveryTimeout); err != nil {
		res.Err = err
		return res
	}
	main, err := registry.DesignateMain(p.MainSelector)
	if err != nil {
		res.Err = err
		return res
	}
	target, err := registry.DesignateTarget(p.TargetIndex)
	if err != nil {
		res.Err = err
		return res
	}
	r.sc.SetVehicles(main.ID(), target.ID())
	r.mu.Lock()
	r.main, r.target = main, target
	r.mu.Unlock()
	r.logger.Debug("main vehicle\n" + main.String())
	r.logger.Debug("target vehicle\n" + target.String())

	machine := flight.New(r.exec, main, r.cfg.Flight, r.logger)
	machine.OnTransition(func(_, to flight.State) { r.sc.SetState(to) })
	finish := func(err error) Result {
		res.Err = err
		res.FinalState = machine.State()
		res.HealthCheckBypassed = machine.HealthCheckBypassed()
		res.AlreadyAirborne = machine.AlreadyAirborne()
		if c := r.follower(); c != nil {
			res.SetpointsSent = c.SetpointsSent()
		}
		return res
	}

	if err := machine.Launch(ctx); err != nil {
		return finish(err)
	}

	if p.Control == core.ControlFollowMe {
		err = machine.StartFollow(ctx, p.Geometry)
	} else {
		err = machine.StartOffboard(ctx)
	}
	if err != nil {
		return finish(err)
	}

	controller, err := follow.New(r.exec, main, target, machine, r.cfg.Follow, r.logger)
	if err != nil {
		return finish(err)
	}
	machine.Attach(controller)
	r.mu.Lock()
	r.controller = controller
	r.mu.Unlock()
	if err := controller.Start(p.Geometry); err != nil {
		return finish(err)
	}

	r.waitFollowing(ctx)

	if !r.cfg.Land {
		if err := controller.Stop(); err != nil {
			return finish(err)
		}
		return finish(nil)
	}

	// landing must complete even when the session was cancelled
	landCtx := context.WithoutCancel(ctx)
	if err := machine.Land(landCtx); err != nil {
		return finish(err)
	}
	return finish(machine.WaitLanded(landCtx))
}

func (r *Runner) waitFollowing(ctx context.Context) {
	if r.cfg.FollowDuration <= 0 {
		<-ctx.Done()
		r.logger.Info("session interrupted, ending follow")
		return
	}
	timer := time.NewTimer(r.cfg.FollowDuration)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.logger.Info("follow duration elapsed", "duration", r.cfg.FollowDuration)
	case <-ctx.Done():
		r.logger.Info("session interrupted, ending follow")
	}
}

func (r *Runner) follower() *follow.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// Status returns a snapshot for the status monitor.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		ID:     r.sc.ID(),
		State:  r.sc.State(),
		Uptime: time.Since(r.sc.StartedAt()),
	}
	if r.main != nil {
		snap := r.main.Snapshot()
		st.Main = &snap
	}
	if r.target != nil {
		snap := r.target.Snapshot()
		st.Target = &snap
	}
	if r.controller != nil {
		st.SetpointsSent = r.controller.SetpointsSent()
		st.Following = r.controller.Running()
	}
	return st
}
