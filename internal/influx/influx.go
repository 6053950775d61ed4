package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/neostellar/tracker/internal/config"
	"github.com/neostellar/tracker/pkg/core"
)

// Measurements written by the sink.
const (
	MeasurementCommand = "command_outcome"
	MeasurementStatus  = "session_status"
)

// ErrDisabled is returned by Connect when influx.enabled is false.
var ErrDisabled = errors.New("influx disabled")

// retention of the session bucket when the sink creates it
const bucketRetentionSeconds = 60 * 60 * 24 * 90

// Sink writes command outcomes and session status points to one bucket.
// When the server cannot be reached at Connect, points go to a gzip
// line-protocol backup file instead.
type Sink struct {
	cfg        config.InfluxConfig
	backupPath string
	logger     zerolog.Logger

	mu         sync.Mutex
	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backupFile *os.File
	backup     *gzip.Writer
	online     bool
	written    int
}

// NewSink creates an unconnected sink.
func NewSink(cfg config.InfluxConfig, backupPath string, log zerolog.Logger) *Sink {
	return &Sink{
		cfg:        cfg,
		backupPath: backupPath,
		logger:     log,
	}
}

// Connect pings the server and prepares the org and bucket, or opens the
// backup file when the server does not answer.
func (s *Sink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", s.cfg.Protocol, s.cfg.Host, s.cfg.Port),
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.logger.Warn().Err(err).Str("backupPath", s.backupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return s.openBackup()
	}

	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			s.logger.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(s.writer.Errors())

	s.online = true
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (s *Sink) openBackup() error {
	if s.backup != nil {
		return nil
	}
	file, err := os.OpenFile(s.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating influx backup file: %w", err)
	}
	s.backupFile = file
	s.backup = gzip.NewWriter(file)
	return nil
}

func (s *Sink) ensureBucket(ctx context.Context) error {
	orgs := s.client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, s.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating influx org %q: %w", s.cfg.Org, err)
		}
	}

	buckets := s.client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, s.cfg.Bucket); err == nil {
		return nil
	}
	s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = buckets.CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: bucketRetentionSeconds,
	})
	if err != nil {
		return fmt.Errorf("creating influx bucket %q: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Online reports whether points go to the server rather than the backup file.
func (s *Sink) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Written is the number of points accepted so far.
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// WritePoint writes a point to InfluxDB or the backup file.
func (s *Sink) WritePoint(point *influxdb2_write.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.online:
		s.writer.WritePoint(point)
	case s.backup != nil:
		line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if _, err := s.backup.Write([]byte(line)); err != nil {
			return fmt.Errorf("writing influx backup: %w", err)
		}
	default:
		return errors.New("influx sink not connected")
	}
	s.written++
	return nil
}

// RecordOutcome writes one command outcome. Write failures are logged.
func (s *Sink) RecordOutcome(vehicle core.VehicleID, outcome core.Outcome, latency time.Duration) {
	if err := s.WritePoint(OutcomePoint(vehicle, outcome, latency, time.Now())); err != nil {
		s.logger.Error().Err(err).Str("command", outcome.Command.String()).
			Msg("Failed to record command outcome")
	}
}

// Close flushes pending points and releases the client and backup file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.backup != nil {
		errs = append(errs, s.backup.Close(), s.backupFile.Close())
		s.backup = nil
	}
	s.online = false
	return errors.Join(errs...)
}

// OutcomePoint builds the point for one command outcome.
func OutcomePoint(vehicle core.VehicleID, outcome core.Outcome, latency time.Duration, ts time.Time) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(MeasurementCommand).
		AddTag("vehicle", fmt.Sprint(int(vehicle))).
		AddTag("command", outcome.Command.String()).
		AddTag("result", outcome.Kind.String()).
		AddField("latency_ms", float64(latency)/float64(time.Millisecond)).
		SetTime(ts)
	if outcome.Reason != "" {
		p.AddField("reason", outcome.Reason)
	}
	return p
}

// StatusPoint builds a session status point. Fields with nil values are skipped.
func StatusPoint(session, state string, fields map[string]any, ts time.Time) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(MeasurementStatus).
		AddTag("session", session).
		AddTag("state", state).
		SetTime(ts)
	for k, v := range fields {
		if v != nil {
			p.AddField(k, v)
		}
	}
	return p
}
