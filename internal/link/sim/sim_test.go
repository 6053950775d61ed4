package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var home = core.Position{Latitude: 47.397742, Longitude: 8.545594, Altitude: 488, Valid: true}

var healthy = core.Health{SensorsOK: true, GlobalPositionOK: true, HomePositionOK: true}

func newLink(t *testing.T, cfg Config) *Link {
	t.Helper()
	l, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func collect(t *testing.T, l *Link, id core.VehicleID, topic core.Topic) <-chan core.Telemetry {
	t.Helper()
	ch := make(chan core.Telemetry, 64)
	sub, err := l.Subscribe(id, topic, func(s core.Telemetry) {
		select {
		case ch <- s:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return ch
}

func next(t *testing.T, ch <-chan core.Telemetry) core.Telemetry {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("no telemetry received")
		return core.Telemetry{}
	}
}

func TestLink_VehiclesInAddOrder(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 3, Position: home}))
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))

	ids, err := l.Vehicles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.VehicleID{3, 1}, ids)

	assert.ErrorIs(t, l.AddVehicle(VehicleSpec{ID: 3}), ErrDuplicateVehicle)
}

func TestLink_SubscribeReplaysCurrentValue(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home, Health: healthy}))

	s := next(t, collect(t, l, 1, core.TopicHealth))
	assert.Equal(t, core.VehicleID(1), s.VehicleID)
	assert.True(t, s.Health.AllOK())

	_, err := l.Subscribe(9, core.TopicHealth, func(core.Telemetry) {})
	assert.ErrorIs(t, err, link.ErrUnknownVehicle)
}

func TestLink_ArmPublishesArmed(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home, Health: healthy}))
	armed := collect(t, l, 1, core.TopicArmed)
	assert.False(t, next(t, armed).Armed)

	require.NoError(t, l.SendCommand(context.Background(), core.Command{Kind: core.CommandArm, Vehicle: 1}))
	assert.True(t, next(t, armed).Armed)
	assert.Len(t, l.SentOf(core.CommandArm), 1)
}

func TestLink_Behaviours(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))
	ctx := context.Background()

	require.NoError(t, l.SetBehaviour(1, core.CommandArm, Behaviour{Reject: "denied"}))
	err := l.SendCommand(ctx, core.Command{Kind: core.CommandArm, Vehicle: 1})
	reason, ok := link.IsRejected(err)
	require.True(t, ok)
	assert.Equal(t, "denied", reason)

	require.NoError(t, l.SetBehaviour(1, core.CommandLand, Behaviour{NoAck: true}))
	assert.ErrorIs(t, l.SendCommand(ctx, core.Command{Kind: core.CommandLand, Vehicle: 1}), link.ErrAckTimeout)

	require.NoError(t, l.SetBehaviour(1, core.CommandTakeoff, Behaviour{Silent: true}))
	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandTakeoff, Vehicle: 1, TakeoffAltitude: 5}))
	pos, _, _ := l.Snapshot(1)
	assert.Equal(t, 0.0, pos.RelativeAltitude)

	assert.Len(t, l.Sent(), 3)
}

func TestLink_RejectArmWhenUnhealthy(t *testing.T) {
	l := newLink(t, Config{RejectArmWhenUnhealthy: true})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))

	_, ok := link.IsRejected(l.SendCommand(context.Background(), core.Command{Kind: core.CommandArm, Vehicle: 1}))
	assert.True(t, ok)

	require.NoError(t, l.SetHealth(1, healthy))
	assert.NoError(t, l.SendCommand(context.Background(), core.Command{Kind: core.CommandArm, Vehicle: 1}))
}

func TestLink_TakeoffAndLand(t *testing.T) {
	l := newLink(t, Config{LandDuration: 20 * time.Millisecond})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home, Health: healthy}))
	landed := collect(t, l, 1, core.TopicLandedState)
	assert.Equal(t, core.LandedOnGround, next(t, landed).LandedState)

	ctx := context.Background()
	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandTakeoff, Vehicle: 1, TakeoffAltitude: 10}))
	assert.Equal(t, core.LandedInAir, next(t, landed).LandedState)

	pos, _, _ := l.Snapshot(1)
	assert.Equal(t, 10.0, pos.RelativeAltitude)
	assert.Equal(t, 498.0, pos.Altitude)

	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandLand, Vehicle: 1}))
	assert.Equal(t, core.LandedLanding, next(t, landed).LandedState)
	assert.Equal(t, core.LandedOnGround, next(t, landed).LandedState)
}

func TestLink_OffboardNeedsSetpoint(t *testing.T) {
	l := newLink(t, Config{RequireSetpointBeforeOffboard: true})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home, InAir: true}))
	ctx := context.Background()

	_, ok := link.IsRejected(l.SendCommand(ctx, core.Command{Kind: core.CommandStartOffboard, Vehicle: 1}))
	assert.True(t, ok)

	sp := core.Setpoint{Latitude: home.Latitude, Longitude: home.Longitude, Altitude: 10}
	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandSetPositionGlobal, Vehicle: 1, Setpoint: sp}))
	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandStartOffboard, Vehicle: 1}))

	_, mode, _ := l.Snapshot(1)
	assert.Equal(t, core.FlightModeOffboard, mode)

	sp.Latitude += 0.0001
	require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandSetPositionGlobal, Vehicle: 1, Setpoint: sp}))
	pos, _, _ := l.Snapshot(1)
	assert.Equal(t, sp.Latitude, pos.Latitude)
	assert.Equal(t, 10.0, pos.RelativeAltitude)
}

func TestLink_ReadOrigin(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 2, Position: home, NoOrigin: true}))
	ctx := context.Background()

	origin, err := l.ReadOrigin(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, home, origin)

	_, err = l.ReadOrigin(ctx, 2)
	assert.ErrorIs(t, err, link.ErrOriginUnavailable)

	_, err = l.ReadOrigin(ctx, 5)
	assert.ErrorIs(t, err, link.ErrUnknownVehicle)
}

func TestLink_Drive(t *testing.T) {
	l := newLink(t, Config{})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 2, Position: home}))
	positions := collect(t, l, 2, core.TopicPosition)
	next(t, positions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Drive(ctx, 2, 10, 0, 10*time.Millisecond)

	s := next(t, positions)
	assert.Greater(t, s.Position.Latitude, home.Latitude)
	assert.Equal(t, 10.0, s.Velocity.North)
}

func TestLink_Close(t *testing.T) {
	l := newLink(t, Config{StreamInterval: 5 * time.Millisecond})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))
	collect(t, l, 1, core.TopicPosition)
	assert.Equal(t, 1, l.Subscribers(1, core.TopicPosition))

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Equal(t, 0, l.Subscribers(1, core.TopicPosition))
	_, err := l.Vehicles(context.Background())
	assert.ErrorIs(t, err, link.ErrClosed)
	assert.ErrorIs(t, l.SendCommand(context.Background(), core.Command{Kind: core.CommandArm, Vehicle: 1}), link.ErrClosed)
}

func TestLink_DrainSent(t *testing.T) {
	l := newLink(t, Config{SentHistory: 2})
	require.NoError(t, l.AddVehicle(VehicleSpec{ID: 1, Position: home}))
	require.NoError(t, l.SetBehaviour(1, core.CommandArm, Behaviour{Silent: true}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.SendCommand(ctx, core.Command{Kind: core.CommandArm, Vehicle: 1}))
	}

	cmds, evicted := l.DrainSent()
	assert.Len(t, cmds, 2)
	assert.Equal(t, 1, evicted)
	assert.Empty(t, l.Sent())

	cmds, _ = l.DrainSent()
	assert.Empty(t, cmds)
}
