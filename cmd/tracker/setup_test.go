package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neostellar/tracker/internal/config"
	"github.com/neostellar/tracker/internal/telemetry"
	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
)

func TestCommandConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	cfg := commandConfig(config.GetCommandConfig())
	assert.Equal(t, 13*time.Second, cfg.Deadline(core.CommandTakeoff))
	assert.Equal(t, 10*time.Second, cfg.Deadline(core.CommandLand))
	assert.Equal(t, 5*time.Second, cfg.Deadline(core.CommandStartFollow))
	assert.Equal(t, 5*time.Second, cfg.Deadline(core.CommandSetFollowConfig))
}

func TestSessionConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	cfg := sessionConfig(config.GetSessionConfig(), config.GetFollowConfig(), config.GetLinkConfig())
	assert.Equal(t, 3*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 2, cfg.Registry.MinVehicles)
	assert.Equal(t, 3*time.Second, cfg.Registry.OriginTimeout)
	assert.Equal(t, 10.0, cfg.Flight.TakeoffAltitude)
	assert.Equal(t, 5*time.Second, cfg.Follow.Interval)
	assert.True(t, cfg.Land)
}

func TestSessionParams(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	p, err := sessionParams(config.GetSessionConfig(), config.GetFollowConfig())
	require.NoError(t, err)
	assert.Equal(t, core.ControlOffboard, p.Control)
	assert.Equal(t, 1, p.TargetIndex)
	assert.Equal(t, core.DefaultFollowGeometry(), p.Geometry)
	assert.True(t, p.MainSelector(0, vehicle.Snapshot{ID: 9}), "first discovered by default")

	s := config.GetSessionConfig()
	s.MainSystemID = 3
	p, err = sessionParams(s, config.GetFollowConfig())
	require.NoError(t, err)
	assert.False(t, p.MainSelector(0, vehicle.Snapshot{ID: 9}))
	assert.True(t, p.MainSelector(1, vehicle.Snapshot{ID: 3}))
}

func TestSessionParams_Invalid(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	s := config.GetSessionConfig()
	s.Control = "joystick"
	_, err := sessionParams(s, config.GetFollowConfig())
	assert.Error(t, err)

	f := config.GetFollowConfig()
	f.Responsiveness = 2
	_, err = sessionParams(config.GetSessionConfig(), f)
	assert.ErrorIs(t, err, core.ErrInvalidGeometry)

	s = config.GetSessionConfig()
	s.TargetIndex = -1
	_, err = sessionParams(s, config.GetFollowConfig())
	assert.Error(t, err)
}

func TestBindFlags(t *testing.T) {
	t.Cleanup(viper.Reset)
	config.SetDefaults()

	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--endpoint", "tcp://127.0.0.1:5760", "--control", "follow_me", "--no-land", "--sim", "--main", "4"}))
	require.NoError(t, bindFlags(fs))

	assert.Equal(t, "tcp://127.0.0.1:5760", config.GetLinkConfig().Endpoint)
	assert.Equal(t, "sim", config.GetLinkConfig().Type)
	s := config.GetSessionConfig()
	assert.Equal(t, "follow_me", s.Control)
	assert.Equal(t, 4, s.MainSystemID)
	assert.False(t, s.Land)
	assert.Equal(t, 1, s.TargetIndex, "unchanged flags keep config defaults")
}

func TestNewDemoLink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, _, err := newDemoLink("north pole", telemetry.Settings{}, logger)
	require.Error(t, err)

	l, demo, err := newDemoLink("47.3977418,8.5455938,488", telemetry.Settings{BufferSize: 16}, logger)
	require.NoError(t, err)
	defer l.Close()
	require.NotNil(t, demo)

	ids, err := l.Vehicles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.VehicleID{demoMain, demoTarget}, ids)

	origin, err := l.ReadOrigin(context.Background(), demoTarget)
	require.NoError(t, err)
	assert.InDelta(t, 503.0, origin.Altitude, 0.001)
	assert.Greater(t, origin.Latitude, 47.3977418)
}
