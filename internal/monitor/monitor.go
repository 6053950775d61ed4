// Package monitor periodically publishes the state of the running session:
// a JSON status file for operators and a status point for InfluxDB.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/neostellar/tracker/internal/influx"
	"github.com/neostellar/tracker/internal/session"
	"github.com/neostellar/tracker/internal/vehicle"
	"github.com/neostellar/tracker/pkg/core"
)

// StatusSource reports the current session status.
type StatusSource interface {
	Status() session.Status
}

// QueueReporter reports undelivered telemetry per topic.
type QueueReporter interface {
	QueueLengths() map[core.Topic]int
}

// PointWriter accepts status points.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service. Only Status
// and Logger are required.
type Dependencies struct {
	Status     StatusSource
	Queues     QueueReporter
	Totals     func(ctx context.Context) (map[string]float64, error)
	Points     PointWriter
	StatusFile string
	Interval   time.Duration
	Logger     *slog.Logger
}

// VehicleReport is the status of one vehicle.
type VehicleReport struct {
	ID        int               `json:"id"`
	Mode      string            `json:"mode"`
	Landed    string            `json:"landed"`
	Armed     bool              `json:"armed"`
	InAir     bool              `json:"inAir"`
	Healthy   bool              `json:"healthy"`
	Position  string            `json:"position"`
	Airspeed  float64           `json:"airspeed"`
	Samples   uint64            `json:"samples"`
	Freshness map[string]string `json:"freshness"`
}

// Report is one status file revision.
type Report struct {
	Time          time.Time          `json:"time"`
	Session       string             `json:"session"`
	State         string             `json:"state"`
	Uptime        string             `json:"uptime"`
	Following     bool               `json:"following"`
	SetpointsSent int64              `json:"setpointsSent"`
	Main          *VehicleReport     `json:"main,omitempty"`
	Target        *VehicleReport     `json:"target,omitempty"`
	Queues        map[string]int     `json:"queues,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

// Service manages status monitoring
type Service struct {
	deps Dependencies

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
	last      Report
}

// NewService creates a new monitor service
func NewService(deps Dependencies) (*Service, error) {
	if deps.Status == nil {
		return nil, errors.New("monitor: status source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Second
	}
	return &Service{deps: deps}, nil
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// BuildReport assembles a report from the current status.
func (s *Service) BuildReport(ctx context.Context, now time.Time) Report {
	st := s.deps.Status.Status()
	r := Report{
		Time:          now.UTC(),
		Session:       st.ID,
		State:         st.State.String(),
		Uptime:        st.Uptime.Round(time.Second).String(),
		Following:     st.Following,
		SetpointsSent: st.SetpointsSent,
		Main:          vehicleReport(st.Main, now),
		Target:        vehicleReport(st.Target, now),
	}
	if s.deps.Queues != nil {
		r.Queues = make(map[string]int)
		for topic, n := range s.deps.Queues.QueueLengths() {
			r.Queues[topic.String()] = n
		}
	}
	if s.deps.Totals != nil {
		totals, err := s.deps.Totals(ctx)
		if err != nil {
			s.deps.Logger.Warn("Collecting metric totals failed", "error", err)
		}
		r.Metrics = totals
	}
	return r
}

func vehicleReport(snap *vehicle.Snapshot, now time.Time) *VehicleReport {
	if snap == nil {
		return nil
	}
	vr := &VehicleReport{
		ID:        int(snap.ID),
		Mode:      snap.FlightMode.String(),
		Landed:    snap.LandedState.String(),
		Armed:     snap.Armed,
		InAir:     snap.InAir,
		Healthy:   snap.Health.AllOK(),
		Position:  snap.Position.String(),
		Airspeed:  snap.Airspeed,
		Samples:   snap.Samples,
		Freshness: make(map[string]string, len(snap.LastUpdate)),
	}
	for topic, at := range snap.LastUpdate {
		vr.Freshness[topic.String()] = now.Sub(at).Round(time.Millisecond).String()
	}
	return vr
}

// StatusPoint converts a report to an InfluxDB point.
func StatusPoint(r Report) *influxdb2_write.Point {
	fields := map[string]any{
		"following":      r.Following,
		"setpoints_sent": r.SetpointsSent,
	}
	if r.Main != nil {
		fields["main_airspeed"] = r.Main.Airspeed
		fields["main_in_air"] = r.Main.InAir
	}
	if r.Target != nil {
		fields["target_airspeed"] = r.Target.Airspeed
	}
	queued := 0
	for _, n := range r.Queues {
		queued += n
	}
	fields["queued"] = queued
	return influx.StatusPoint(r.Session, r.State, fields, r.Time)
}

// Tick builds one report, rewrites the status file and writes the status point.
func (s *Service) Tick(ctx context.Context) Report {
	r := s.BuildReport(ctx, time.Now())

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, r); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err, "path", s.deps.StatusFile)
		}
	}
	if s.deps.Points != nil && r.Session != "" {
		if err := s.deps.Points.WritePoint(StatusPoint(r)); err != nil {
			s.deps.Logger.Error("Error writing status point", "error", err)
		}
	}

	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
	return r
}

// writeStatusFile replaces path atomically so readers never see a partial file.
func writeStatusFile(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("creating status file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Start starts the status monitor goroutine
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()

		s.deps.Logger.Debug("Starting status monitor", "interval", s.deps.Interval, "file", s.deps.StatusFile)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop stops the status monitor, writes a final report and waits for the
// goroutine to exit.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	s.Tick(ctx)
}
