// Command tracker runs one leader/follower session: it discovers vehicles on
// a MAVLink link, launches the main vehicle and keeps it following the target
// until interrupted, then lands it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/neostellar/tracker/internal/command"
	"github.com/neostellar/tracker/internal/config"
	"github.com/neostellar/tracker/internal/history"
	"github.com/neostellar/tracker/internal/influx"
	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/internal/link/mavlink"
	"github.com/neostellar/tracker/internal/logging"
	"github.com/neostellar/tracker/internal/monitor"
	intOtel "github.com/neostellar/tracker/internal/otel"
	"github.com/neostellar/tracker/internal/session"
	"github.com/neostellar/tracker/internal/telemetry"
)

const serviceName = "tracker"

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"endpoint":        "link.endpoint",
	"link":            "link.type",
	"sim-home":        "link.simHome",
	"main":            "session.mainSystemId",
	"target-index":    "session.targetIndex",
	"control":         "session.control",
	"follow-duration": "session.followDuration",
	"safety-override": "session.safetyOverride",
	"log-level":       "logging.level",
}

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.String("config-dir", ".", "directory containing "+config.FileName)
	fs.Bool("sim", false, "run against two simulated vehicles instead of a MAVLink link")
	fs.String("endpoint", "udp://0.0.0.0:14540", "MAVLink endpoint (udp://, udpc://, udpb://, tcp://, tcps://, serial://)")
	fs.String("link", "mavlink", "link type: mavlink or sim")
	fs.String("sim-home", "47.3977418,8.5455938,488", "home of the simulated vehicles as lat,lon,alt")
	fs.Int("main", 0, "system id of the main vehicle; 0 selects the first discovered")
	fs.Int("target-index", 1, "discovery index of the target vehicle")
	fs.String("control", "offboard", "control mode: offboard or follow_me")
	fs.Duration("follow-duration", 0, "stop following after this long; 0 follows until interrupted")
	fs.Bool("safety-override", false, "skip the pre-flight health check")
	fs.Bool("no-land", false, "leave the main vehicle under control when following ends")
	fs.String("log-level", "info", "log level")
	return fs
}

// bindFlags binds every flag with a config key into viper.
func bindFlags(fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	if noLand, _ := fs.GetBool("no-land"); noLand {
		viper.Set("session.land", false)
	}
	if sim, _ := fs.GetBool("sim"); sim {
		viper.Set("link.type", "sim")
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := newFlags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	configDir, _ := fs.GetString("config-dir")
	configErr := config.Load(configDir)
	if err := bindFlags(fs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sessionStart := time.Now()
	logCfg := config.GetLogConfig()
	if err := os.MkdirAll(logCfg.Dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logs dir: %v\n", err)
		return 1
	}
	logPath := logging.LogFilePath(logCfg.Dir, serviceName, sessionStart)
	logFile := logging.RotatingFile(logPath, logCfg.MaxSizeMB, logCfg.MaxBackups)
	defer logFile.Close()

	sc := session.NewContext()
	slogManager, otelProvider := setupLogging(logCfg, logFile, sc)
	logger := slogManager.Logger()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := slogManager.Flush(ctx); err != nil {
			logger.Warn("Flushing logs failed", "error", err)
		}
		if otelProvider != nil {
			if err := otelProvider.Shutdown(ctx); err != nil {
				logger.Warn("OTel shutdown failed", "error", err)
			}
		}
	}()

	if configErr != nil {
		logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}
	logger.Info("Logging to file", "path", logPath)

	zlog := logging.NewZerolog(logFile, logCfg.Level).With().Str("session", sc.ID()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, demo, err := openLink(config.GetLinkConfig(), logCfg.Level, logger, zlog)
	if err != nil {
		logger.Error("Failed to open link", "error", err)
		return 1
	}
	defer l.Close()

	var opts []command.Option
	sink := setupInflux(ctx, config.GetInfluxConfig(), logCfg.Dir, sessionStart, zlog)
	if sink != nil {
		defer sink.Close()
		opts = append(opts, command.WithRecorder(sink))
	}
	store := setupHistory(config.GetHistoryConfig(), sc.ID(), zlog)
	if store != nil {
		defer store.Close()
		opts = append(opts, command.WithRecorder(store))
	}

	exec, err := command.New(l, commandConfig(config.GetCommandConfig()), logger, opts...)
	if err != nil {
		logger.Error("Failed to create command executor", "error", err)
		return 1
	}

	sessionCfg := sessionConfig(config.GetSessionConfig(), config.GetFollowConfig(), config.GetLinkConfig())
	params, err := sessionParams(config.GetSessionConfig(), config.GetFollowConfig())
	if err != nil {
		logger.Error("Invalid session parameters", "error", err)
		return 2
	}

	runner := session.NewRunner(l, exec, sessionCfg, logger, sc)

	if mon := setupMonitor(config.GetMonitorConfig(), runner, l, otelProvider, sink, logger); mon != nil {
		mon.Start(ctx)
		defer mon.Stop(context.Background())
	}

	if demo != nil {
		go demo(ctx)
	}

	res := runner.Run(ctx, params)
	logger.Info("Session result",
		"id", res.ID,
		"state", res.FinalState.String(),
		"healthCheckBypassed", res.HealthCheckBypassed,
		"alreadyAirborne", res.AlreadyAirborne,
		"setpoints", res.SetpointsSent,
		"duration", res.Duration,
	)
	if store != nil {
		mainID, targetID, _ := sc.Vehicles()
		meta := history.Meta{Main: mainID, Target: targetID, Control: params.Control, Geometry: params.Geometry}
		if err := store.SaveSession(res, meta); err != nil {
			logger.Error("Failed to save session history", "error", err)
		}
	}
	if res.Err != nil {
		return 1
	}
	return 0
}

// setupLogging builds the slog manager with file, console, Graylog and OTel
// outputs. OTel and Graylog failures are logged and skipped.
func setupLogging(cfg config.LogConfig, file io.Writer, sc *session.Context) (*logging.SlogManager, *intOtel.Provider) {
	m := logging.NewSlogManager()
	m.Setup(logging.Options{Level: cfg.Level, File: file, Console: os.Stdout})
	logger := m.Logger()

	opts := logging.Options{
		Level:       cfg.Level,
		File:        file,
		Console:     os.Stdout,
		Context:     sc,
		ServiceName: serviceName,
	}

	if cfg.Graylog.Enabled {
		w, err := logging.GraylogWriter(cfg.Graylog.Address)
		if err != nil {
			logger.Error("Failed to set up Graylog output", "error", err)
		} else {
			opts.Graylog = w
		}
	}

	var provider *intOtel.Provider
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		p, err := intOtel.New(intOtel.Config{
			Enabled:      true,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    file,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			provider = p
			opts.Provider = p.LoggerProvider()
			logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	m.Setup(opts)
	return m, provider
}

// openLink opens the configured link. For the sim link it also returns the
// demo that moves the target vehicle. Telemetry deliveries are logged at the
// debug level.
func openLink(cfg config.LinkConfig, level string, logger *slog.Logger, zlog zerolog.Logger) (link.Link, func(context.Context), error) {
	settings := telemetry.Settings{BufferSize: cfg.SubscriberBuffer, LogDeliveries: level == "debug"}
	switch cfg.Type {
	case "sim":
		return newDemoLink(cfg.SimHome, settings, logger)
	case "mavlink", "":
		l, err := mavlink.Dial(mavlink.Config{
			Endpoint:         cfg.Endpoint,
			SystemID:         byte(cfg.SystemID),
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			AckTimeout:       cfg.AckTimeout,
			Telemetry:        settings,
		}, zlog.With().Str("component", "mavlink").Logger())
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown link type %q", cfg.Type)
	}
}

func setupInflux(ctx context.Context, cfg config.InfluxConfig, dir string, start time.Time, zlog zerolog.Logger) *influx.Sink {
	if !cfg.Enabled {
		return nil
	}
	backup := filepath.Join(dir, fmt.Sprintf("influx_backup.%s.lp.gz", start.Format("20060102_150405")))
	sink := influx.NewSink(cfg, backup, zlog.With().Str("component", "influx").Logger())
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sink.Connect(connectCtx); err != nil {
		zlog.Error().Err(err).Msg("InfluxDB sink unavailable")
		return nil
	}
	return sink
}

func setupHistory(cfg config.HistoryConfig, sessionID string, zlog zerolog.Logger) *history.Store {
	if !cfg.Enabled {
		return nil
	}
	store := history.NewStore(cfg, sessionID, zlog.With().Str("component", "history").Logger())
	if err := store.Open(); err != nil {
		zlog.Error().Err(err).Msg("Session history unavailable")
		return nil
	}
	return store
}

func setupMonitor(cfg config.MonitorConfig, runner *session.Runner, l link.Link, p *intOtel.Provider, sink *influx.Sink, logger *slog.Logger) *monitor.Service {
	if !cfg.Enabled {
		return nil
	}
	deps := monitor.Dependencies{
		Status:     runner,
		StatusFile: cfg.StatusFile,
		Interval:   cfg.Interval,
		Logger:     logger,
	}
	if q, ok := l.(monitor.QueueReporter); ok {
		deps.Queues = q
	}
	if p != nil {
		deps.Totals = p.Totals
	}
	if sink != nil {
		deps.Points = sink
	}
	mon, err := monitor.NewService(deps)
	if err != nil {
		logger.Error("Failed to create status monitor", "error", err)
		return nil
	}
	return mon
}
