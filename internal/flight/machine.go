// Package flight drives the main vehicle through its lifecycle:
// health check, arm, takeoff, offboard or follow control, and landing.
package flight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
)

var (
	ErrArmFailed            = errors.New("arm failed")
	ErrTakeoffFailed        = errors.New("takeoff failed")
	ErrTakeoffTimeout       = errors.New("takeoff timed out")
	ErrOffboardRejected     = errors.New("offboard rejected")
	ErrFollowConfigRejected = errors.New("follow configuration rejected")
	ErrLandRejected         = errors.New("land rejected")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrHealthCheckTimeout   = errors.New("health check timed out")
	ErrLandingTimeout       = errors.New("landing timed out")
)

// State is the lifecycle state of the main vehicle.
type State uint8

const (
	Grounded State = iota
	HealthChecked
	Armed
	Airborne
	UnderControl
	Landing
)

func (s State) String() string {
	switch s {
	case Grounded:
		return "grounded"
	case HealthChecked:
		return "health_checked"
	case Armed:
		return "armed"
	case Airborne:
		return "airborne"
	case UnderControl:
		return "under_control"
	case Landing:
		return "landing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Executor runs one command to an outcome.
type Executor interface {
	Execute(ctx context.Context, cmd core.Command) core.Outcome
}

// Controller is a running setpoint loop that must stop before landing.
type Controller interface {
	Stop() error
}

// Config tunes the machine. Zero timeouts wait forever.
type Config struct {
	// SafetyOverride skips the health check and allows arming from Grounded.
	SafetyOverride      bool
	TakeoffAltitude     float64
	HealthPollInterval  time.Duration
	HealthTimeout       time.Duration
	LandingPollInterval time.Duration
	LandingTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.TakeoffAltitude <= 0 {
		c.TakeoffAltitude = 10
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = time.Second
	}
	if c.LandingPollInterval <= 0 {
		c.LandingPollInterval = time.Second
	}
	return c
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Machine is the flight state machine of one main vehicle. It reads the
// vehicle's state and never writes it.
type Machine struct {
	exec   Executor
	main   *vehicle.State
	cfg    Config
	logger *slog.Logger

	// mu serializes operations
	mu          sync.Mutex
	controller  Controller
	listeners   []TransitionFunc
	bypassed    bool
	wasAirborne bool

	stateMu sync.RWMutex
	state   State
	control core.ControlMode
}

// New creates a machine in Grounded.
func New(exec Executor, main *vehicle.State, cfg Config, logger *slog.Logger) *Machine {
	return &Machine{
		exec:   exec,
		main:   main,
		cfg:    cfg.withDefaults(),
		logger: logger.With("vehicle", int(main.ID())),
		state:  Grounded,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// UnderControl returns the active control mode and whether setpoints may be sent.
func (m *Machine) UnderControl() (core.ControlMode, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.control, m.state == UnderControl
}

// HealthCheckBypassed reports whether SafetyOverride skipped a health check.
func (m *Machine) HealthCheckBypassed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bypassed
}

// AlreadyAirborne reports whether Sync found the vehicle in the air.
func (m *Machine) AlreadyAirborne() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasAirborne
}

// OnTransition registers fn for every later state change.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Attach registers the setpoint loop that Land must stop.
func (m *Machine) Attach(c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controller = c
}

// setState runs with m.mu held.
func (m *Machine) setState(to State, control core.ControlMode) {
	m.stateMu.Lock()
	from := m.state
	m.state = to
	m.control = control
	m.stateMu.Unlock()

	if from == to {
		return
	}
	m.logger.Info("flight state changed", "from", from.String(), "to", to.String())
	for _, fn := range m.listeners {
		fn(from, to)
	}
}

func (m *Machine) invalid(op string, allowed ...State) error {
	cur := m.State()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, cur)
}

func (m *Machine) command(kind core.CommandKind) core.Command {
	return core.Command{Kind: kind, Vehicle: m.main.ID()}
}

// Sync moves straight to Airborne when the vehicle already reports in-air,
// e.g. after a restart mid-flight. It reports whether it did.
func (m *Machine) Sync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sync()
}

func (m *Machine) sync() bool {
	if m.State() != Grounded || !m.main.InAir() {
		return false
	}
	m.wasAirborne = true
	m.logger.Info("vehicle already in air, skipping launch")
	m.setState(Airborne, core.ControlNone)
	return true
}

// HealthCheck polls the vehicle's health until every check passes.
// With SafetyOverride it only logs a warning.
func (m *Machine) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthCheck(ctx)
}

func (m *Machine) healthCheck(ctx context.Context) error {
	if err := m.invalid("health check", Grounded); err != nil {
		return err
	}
	if m.cfg.SafetyOverride {
		m.bypassed = true
		m.logger.Warn("safety override enabled, health check bypassed",
			"health", fmt.Sprintf("%+v", m.main.Snapshot().Health))
		return nil
	}

	if m.cfg.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HealthTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(m.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		h := m.main.Snapshot().Health
		if h.AllOK() {
			m.setState(HealthChecked, core.ControlNone)
			return nil
		}
		m.logger.Info("waiting for vehicle to be ready",
			"sensors", h.SensorsOK, "global_position", h.GlobalPositionOK, "home_position", h.HomePositionOK)

		select {
		case <-ctx.Done():
			if m.cfg.HealthTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrHealthCheckTimeout, m.cfg.HealthTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Arm arms the vehicle. A failed arm leaves the state unchanged.
func (m *Machine) Arm(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.arm(ctx)
}

func (m *Machine) arm(ctx context.Context) error {
	allowed := []State{HealthChecked}
	if m.cfg.SafetyOverride {
		allowed = append(allowed, Grounded)
	}
	if err := m.invalid("arm", allowed...); err != nil {
		return err
	}
	if out := m.exec.Execute(ctx, m.command(core.CommandArm)); !out.Ok() {
		// a new health check is required before the next attempt
		m.setState(Grounded, core.ControlNone)
		return fmt.Errorf("%w: %w", ErrArmFailed, out.Err())
	}
	m.setState(Armed, core.ControlNone)
	return nil
}

// Takeoff climbs to the configured altitude and waits until the vehicle is in the air.
func (m *Machine) Takeoff(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeoff(ctx)
}

func (m *Machine) takeoff(ctx context.Context) error {
	if err := m.invalid("takeoff", Armed); err != nil {
		return err
	}
	cmd := m.command(core.CommandTakeoff)
	cmd.TakeoffAltitude = m.cfg.TakeoffAltitude

	out := m.exec.Execute(ctx, cmd)
	switch out.Kind {
	case core.Accepted:
		m.setState(Airborne, core.ControlNone)
		return nil
	case core.Rejected:
		return fmt.Errorf("%w: %w", ErrTakeoffFailed, out.Err())
	default:
		return fmt.Errorf("%w: %w", ErrTakeoffTimeout, out.Err())
	}
}

// Launch takes the vehicle from the ground to Airborne. A vehicle already
// in the air is adopted as is.
func (m *Machine) Launch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sync() || m.State() == Airborne {
		return nil
	}
	if err := m.healthCheck(ctx); err != nil {
		return err
	}
	if err := m.arm(ctx); err != nil {
		return err
	}
	return m.takeoff(ctx)
}

// StartOffboard primes the setpoint stream with the current position and
// switches the vehicle to offboard control.
func (m *Machine) StartOffboard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.invalid("start offboard", Airborne); err != nil {
		return err
	}

	snap := m.main.Snapshot()
	pos := snap.Position
	if !pos.Valid {
		pos = snap.Origin
	}
	alt := pos.RelativeAltitude
	if alt <= 0 {
		alt = m.cfg.TakeoffAltitude
	}
	prime := m.command(core.CommandSetPositionGlobal)
	prime.Setpoint = core.Setpoint{
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Altitude:  alt,
		Reference: core.AltitudeRelativeToHome,
	}
	if out := m.exec.Execute(ctx, prime); !out.Ok() {
		return fmt.Errorf("%w: initial setpoint: %w", ErrOffboardRejected, out.Err())
	}

	if out := m.exec.Execute(ctx, m.command(core.CommandStartOffboard)); !out.Ok() {
		return fmt.Errorf("%w: %w", ErrOffboardRejected, out.Err())
	}
	m.setState(UnderControl, core.ControlOffboard)
	return nil
}

// StartFollow uploads the follow geometry and switches the vehicle to the
// firmware follow-me mode.
func (m *Machine) StartFollow(ctx context.Context, g core.FollowGeometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.invalid("start follow", Airborne); err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrFollowConfigRejected, err)
	}

	cfg := m.command(core.CommandSetFollowConfig)
	cfg.Follow = g
	if out := m.exec.Execute(ctx, cfg); !out.Ok() {
		return fmt.Errorf("%w: %w", ErrFollowConfigRejected, out.Err())
	}
	if out := m.exec.Execute(ctx, m.command(core.CommandStartFollow)); !out.Ok() {
		return fmt.Errorf("%w: %w", ErrFollowConfigRejected, out.Err())
	}
	m.setState(UnderControl, core.ControlFollowMe)
	return nil
}

// Land stops any setpoint loop and active control, then commands a landing.
func (m *Machine) Land(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.invalid("land", UnderControl, Airborne); err != nil {
		return err
	}

	if m.controller != nil {
		if err := m.controller.Stop(); err != nil {
			m.logger.Error("stopping setpoint loop", "error", err)
		}
		m.controller = nil
	}

	control, _ := m.UnderControl()
	var stop core.CommandKind
	switch control {
	case core.ControlOffboard:
		stop = core.CommandStopOffboard
	case core.ControlFollowMe:
		stop = core.CommandStopFollow
	}
	if stop != 0 {
		if out := m.exec.Execute(ctx, m.command(stop)); !out.Ok() {
			m.logger.Error("stopping control before landing", "command", stop.String(), "error", out.Err())
		}
	}
	m.setState(Airborne, core.ControlNone)

	if out := m.exec.Execute(ctx, m.command(core.CommandLand)); !out.Ok() {
		return fmt.Errorf("%w: %w", ErrLandRejected, out.Err())
	}
	m.setState(Landing, core.ControlNone)
	return nil
}

// WaitLanded polls the vehicle until it reports being on the ground. An
// unknown landed state is not taken as landed.
func (m *Machine) WaitLanded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.invalid("wait landed", Landing); err != nil {
		return err
	}
	if m.cfg.LandingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.LandingTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(m.cfg.LandingPollInterval)
	defer ticker.Stop()

	for {
		if m.main.LandedState() == core.LandedOnGround {
			m.logger.Info("vehicle landed")
			m.setState(Grounded, core.ControlNone)
			return nil
		}
		m.logger.Debug("vehicle is landing")

		select {
		case <-ctx.Done():
			if m.cfg.LandingTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrLandingTimeout, m.cfg.LandingTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
