package follow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/neostellar/tracker/internal/command"
	"github.com/neostellar/tracker/internal/geo"
	"github.com/neostellar/tracker/internal/link/sim"
	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu     sync.Mutex
	cmds   []core.Command
	reject bool
}

func (s *fakeSender) Execute(_ context.Context, cmd core.Command) core.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	if s.reject {
		return core.Outcome{Command: cmd.Kind, Kind: core.Rejected, Reason: "denied"}
	}
	return core.Outcome{Command: cmd.Kind, Kind: core.Accepted}
}

func (s *fakeSender) sent() []core.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Command, len(s.cmds))
	copy(out, s.cmds)
	return out
}

type fakeGate struct {
	mu      sync.Mutex
	mode    core.ControlMode
	control bool
}

func (g *fakeGate) UnderControl() (core.ControlMode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode, g.control
}

func (g *fakeGate) set(mode core.ControlMode, control bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode, g.control = mode, control
}

var (
	origin    = core.Position{Latitude: 10, Longitude: 20, Altitude: 0, Valid: true}
	targetPos = core.Position{Latitude: 10.001, Longitude: 20.001, Altitude: 50, RelativeAltitude: 50, Valid: true}
)

func states(targetKnown bool) (*vehicle.State, *vehicle.State) {
	main := vehicle.NewState(1)
	main.Apply(core.Telemetry{VehicleID: 1, Topic: core.TopicPosition, Position: origin})
	target := vehicle.NewState(2)
	if targetKnown {
		target.Apply(core.Telemetry{VehicleID: 2, Topic: core.TopicPosition, Position: targetPos})
	}
	return main, target
}

// registered discovers main at origin and target at targetPos through a sim
// link, so the main vehicle's origin is recorded.
func registered(t *testing.T) (*vehicle.State, *vehicle.State) {
	t.Helper()
	l, err := sim.New(sim.Config{}, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.AddVehicle(sim.VehicleSpec{ID: 1, Position: origin}))
	require.NoError(t, l.AddVehicle(sim.VehicleSpec{ID: 2, Position: targetPos}))

	reg := vehicle.NewRegistry(l, discard(), vehicle.Options{PollInterval: 5 * time.Millisecond})
	t.Cleanup(reg.Close)
	_, err = reg.Discover(context.Background(), time.Second)
	require.NoError(t, err)
	main, err := reg.DesignateMain(vehicle.ByID(1))
	require.NoError(t, err)
	target, err := reg.DesignateTarget(1)
	require.NoError(t, err)
	return main, target
}

func newController(t *testing.T, sender Sender, main, target *vehicle.State, gate Gate) *Controller {
	t.Helper()
	c, err := New(sender, main, target, gate, Config{Interval: 10 * time.Millisecond}, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestController_StartRequiresControl(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{})

	assert.ErrorIs(t, c.Start(core.DefaultFollowGeometry()), ErrNotUnderControl)
	assert.False(t, c.Running())
	assert.Empty(t, sender.sent())
}

func TestController_StartRejectsInvalidGeometry(t *testing.T) {
	main, target := states(true)
	c := newController(t, &fakeSender{}, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	g := core.DefaultFollowGeometry()
	g.StandoffDistanceMeters = -1
	assert.ErrorIs(t, c.Start(g), ErrInvalidGeometry)
}

func TestController_OffboardLoop(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	g := core.DefaultFollowGeometry()
	g.Responsiveness = 1
	require.NoError(t, c.Start(g))
	assert.ErrorIs(t, c.Start(g), ErrModeConflict)

	require.Eventually(t, func() bool { return c.SetpointsSent() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	want, err := ComputeSetpoint(targetPos, origin, g)
	require.NoError(t, err)
	for _, cmd := range sender.sent() {
		assert.Equal(t, core.CommandSetPositionGlobal, cmd.Kind)
		assert.Equal(t, core.VehicleID(1), cmd.Vehicle)
		assert.InDelta(t, want.Latitude, cmd.Setpoint.Latitude, 1e-12)
		assert.InDelta(t, 50, cmd.Setpoint.Altitude, 1e-9)
	}
}

func TestController_FollowMeSendsTargetLocation(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlFollowMe, control: true})

	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	require.Eventually(t, func() bool { return c.SetpointsSent() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	cmd := sender.sent()[0]
	assert.Equal(t, core.CommandSetTargetLocation, cmd.Kind)
	assert.Equal(t, targetPos.Latitude, cmd.Setpoint.Latitude)
	assert.Equal(t, targetPos.Altitude, cmd.Setpoint.Altitude)
}

func TestController_NoSetpointWithoutTargetPosition(t *testing.T) {
	main, target := states(false)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	require.Eventually(t, func() bool { return c.SetpointsFailed() >= 3 }, time.Second, time.Millisecond)
	assert.Empty(t, sender.sent())
	assert.True(t, c.Running())

	// the loop keeps going and picks the target up once it reports
	target.Apply(core.Telemetry{VehicleID: 2, Topic: core.TopicPosition, Position: targetPos})
	require.Eventually(t, func() bool { return c.SetpointsSent() >= 1 }, time.Second, time.Millisecond)
}

func TestController_FailedTickContinues(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{reject: true}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	require.Eventually(t, func() bool { return c.SetpointsFailed() >= 2 }, time.Second, time.Millisecond)
	assert.Zero(t, c.SetpointsSent())
	assert.True(t, c.Running())
}

func TestController_LosingControlStopsSetpoints(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	gate := &fakeGate{mode: core.ControlOffboard, control: true}
	c := newController(t, sender, main, target, gate)

	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	require.Eventually(t, func() bool { return c.SetpointsSent() >= 1 }, time.Second, time.Millisecond)
	gate.set(core.ControlNone, false)
	n := len(sender.sent())
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sender.sent()), n+1)
}

func TestController_StopIsIdempotent(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	assert.NoError(t, c.Stop())
	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	assert.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())

	n := len(sender.sent())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.sent(), n)

	// restart after stop
	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	assert.True(t, c.Running())
}

func TestController_SetOffsetWhileRunning(t *testing.T) {
	main, target := states(true)
	sender := &fakeSender{}
	c := newController(t, sender, main, target, &fakeGate{mode: core.ControlOffboard, control: true})

	require.NoError(t, c.Start(core.DefaultFollowGeometry()))
	require.Eventually(t, func() bool { return c.SetpointsSent() >= 1 }, time.Second, time.Millisecond)
	before := len(sender.sent())

	require.True(t, c.Running())

	err := c.SetOffset(context.Background(), 0.001, 0, 10, 0)
	assert.ErrorIs(t, err, ErrModeConflict)

	require.NoError(t, c.Stop())
	for _, cmd := range sender.sent()[before:] {
		assert.NotEqual(t, origin.Latitude+0.001, cmd.Setpoint.Latitude)
	}
}

func TestController_SetOffset(t *testing.T) {
	main := vehicle.NewState(1)
	target := vehicle.NewState(2)
	sender := &fakeSender{}
	gate := &fakeGate{}
	c := newController(t, sender, main, target, gate)
	ctx := context.Background()

	assert.ErrorIs(t, c.SetOffset(ctx, 0, 0, 10, 0), ErrNotUnderControl)

	gate.set(core.ControlOffboard, true)
	assert.ErrorIs(t, c.SetOffset(ctx, 0, 0, 10, 0), ErrOriginUnavailable)
	assert.Empty(t, sender.sent())

	main, target = registered(t)
	require.True(t, main.Origin().Valid)
	c = newController(t, sender, main, target, gate)
	require.NoError(t, c.SetOffset(ctx, 0.0001, -0.0002, 15, 90))

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.CommandSetPositionGlobal, sent[0].Kind)
	assert.InDelta(t, 10.0001, sent[0].Setpoint.Latitude, 1e-12)
	assert.InDelta(t, 19.9998, sent[0].Setpoint.Longitude, 1e-12)
	assert.Equal(t, 15.0, sent[0].Setpoint.Altitude)
	assert.Equal(t, 90.0, sent[0].Setpoint.YawDegrees)
	assert.Equal(t, core.AltitudeRelativeToHome, sent[0].Setpoint.Reference)
	assert.Equal(t, int64(1), c.SetpointsSent())

	gate.set(core.ControlFollowMe, true)
	require.NoError(t, c.SetOffset(ctx, 0, 0, 15, 0))
	sent = sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, core.CommandSetTargetLocation, sent[1].Kind)
	assert.Equal(t, 15.0, sent[1].Setpoint.Altitude)
	assert.Equal(t, core.AltitudeAbsoluteGPS, sent[1].Setpoint.Reference)
}

func TestScenario_FollowTargetThroughSimLink(t *testing.T) {
	l, err := sim.New(sim.Config{}, discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.AddVehicle(sim.VehicleSpec{ID: 1, Position: origin, InAir: true}))
	require.NoError(t, l.AddVehicle(sim.VehicleSpec{ID: 2,
		Position: core.Position{Latitude: 10.0, Longitude: 20.0, Altitude: 50.0, RelativeAltitude: 50, Valid: true}}))

	reg := vehicle.NewRegistry(l, discard(), vehicle.Options{PollInterval: 5 * time.Millisecond})
	t.Cleanup(reg.Close)
	_, err = reg.Discover(context.Background(), time.Second)
	require.NoError(t, err)
	main, err := reg.DesignateMain(vehicle.FirstDiscovered())
	require.NoError(t, err)
	target, err := reg.DesignateTarget(1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return target.Position().Valid }, time.Second, time.Millisecond)

	exec, err := command.New(l, command.Config{DefaultDeadline: 100 * time.Millisecond}, discard())
	require.NoError(t, err)

	g := core.DefaultFollowGeometry()
	g.StandoffDistanceMeters = 20
	g.MinHeightMeters = 12
	g.Responsiveness = 1

	c := newController(t, exec, main, target, &fakeGate{mode: core.ControlOffboard, control: true})
	require.NoError(t, c.Start(g))
	require.Eventually(t, func() bool { return c.SetpointsSent() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	sent := l.SentOf(core.CommandSetPositionGlobal)
	require.NotEmpty(t, sent)
	sp := sent[0].Setpoint
	assert.GreaterOrEqual(t, sp.Altitude, 12.0)
	d, err := geo.Distance(10, 20, sp.Latitude, sp.Longitude)
	require.NoError(t, err)
	assert.InDelta(t, 20, d, 0.05)
	assert.InDelta(t, 180, geo.Bearing(10, 20, sp.Latitude, sp.Longitude), 0.01)
}
