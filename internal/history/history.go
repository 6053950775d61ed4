// Package history keeps a database of finished sessions and the outcome of
// every command they sent.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/neostellar/tracker/internal/config"
	"github.com/neostellar/tracker/internal/session"
	"github.com/neostellar/tracker/pkg/core"
)

// ErrNotOpen is returned by operations on a store that is not open.
var ErrNotOpen = errors.New("history store not open")

// SessionRecord is one finished session.
type SessionRecord struct {
	ID                  string    `gorm:"primaryKey;size:36"`
	StartedAt           time.Time `gorm:"index"`
	DurationMs          int64
	FinalState          string `gorm:"size:32"`
	Error               string
	MainVehicle         int
	TargetVehicle       int
	Control             string `gorm:"size:16"`
	HealthCheckBypassed bool
	AlreadyAirborne     bool
	SetpointsSent       int64
	Geometry            datatypes.JSONType[core.FollowGeometry]
	CreatedAt           time.Time
}

func (SessionRecord) TableName() string { return "sessions" }

// CommandRecord is the outcome of one command.
type CommandRecord struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"index;size:36"`
	Time      time.Time `gorm:"index"`
	Vehicle   int
	Command   string `gorm:"size:32"`
	Result    string `gorm:"size:16"`
	Reason    string
	LatencyMs float64
}

func (CommandRecord) TableName() string { return "command_outcomes" }

// Meta is what a session ran with, as opposed to what it achieved.
type Meta struct {
	Main     core.VehicleID
	Target   core.VehicleID
	Control  core.ControlMode
	Geometry core.FollowGeometry
}

// Store writes session history to postgres or sqlite.
type Store struct {
	cfg       config.HistoryConfig
	sessionID string
	log       zerolog.Logger

	mu    sync.Mutex
	db    *gorm.DB
	local bool
}

// NewStore creates a store. Outcomes it records are attributed to sessionID.
func NewStore(cfg config.HistoryConfig, sessionID string, log zerolog.Logger) *Store {
	return &Store{cfg: cfg, sessionID: sessionID, log: log}
}

// Open connects and migrates the schema. A postgres store that cannot be
// reached falls back to the sqlite file.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		db  *gorm.DB
		err error
	)
	if s.cfg.Driver == "postgres" {
		db, err = s.openPostgres()
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
		}
	}
	if db == nil {
		db, err = s.openSqlite(s.cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open SQLite DB: %w", err)
		}
		s.local = true
	}

	if err := db.AutoMigrate(&SessionRecord{}, &CommandRecord{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.db = db
	s.log.Info().Str("dialect", db.Dialector.Name()).Msg("History database ready")
	return nil
}

func (s *Store) openPostgres() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=5`,
		s.cfg.Host,
		s.cfg.Port,
		s.cfg.Username,
		s.cfg.Password,
		s.cfg.Database,
	)

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	return db, nil
}

// openSqlite opens the file at path, or a private in-memory database when
// path is empty.
func (s *Store) openSqlite(path string) (*gorm.DB, error) {
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = path
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one connection, so an in-memory database is shared by every query
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	if path != "" {
		s.log.Info().Str("path", path).Msg("Using local SQLite DB")
	} else {
		s.log.Info().Msg("Using in-memory SQLite DB")
	}
	return db, nil
}

// Local reports whether the store fell back to, or was configured for, sqlite.
func (s *Store) Local() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Store) handle() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

// RecordOutcome stores one command outcome. Write errors are logged.
func (s *Store) RecordOutcome(vehicle core.VehicleID, outcome core.Outcome, latency time.Duration) {
	db, err := s.handle()
	if err != nil {
		return
	}
	rec := CommandRecord{
		SessionID: s.sessionID,
		Time:      time.Now().UTC(),
		Vehicle:   int(vehicle),
		Command:   outcome.Command.String(),
		Result:    outcome.Kind.String(),
		Reason:    outcome.Reason,
		LatencyMs: float64(latency) / float64(time.Millisecond),
	}
	if err := db.Create(&rec).Error; err != nil {
		s.log.Warn().Err(err).Str("command", rec.Command).Msg("Failed to record command outcome")
	}
}

// SaveSession stores or replaces the record of a session.
func (s *Store) SaveSession(res session.Result, meta Meta) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	rec := SessionRecord{
		ID:                  res.ID,
		StartedAt:           res.StartedAt.UTC(),
		DurationMs:          res.Duration.Milliseconds(),
		FinalState:          res.FinalState.String(),
		MainVehicle:         int(meta.Main),
		TargetVehicle:       int(meta.Target),
		Control:             meta.Control.String(),
		HealthCheckBypassed: res.HealthCheckBypassed,
		AlreadyAirborne:     res.AlreadyAirborne,
		SetpointsSent:       res.SetpointsSent,
		Geometry:            datatypes.NewJSONType(meta.Geometry),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := db.Save(&rec).Error; err != nil {
		return fmt.Errorf("saving session %s: %w", res.ID, err)
	}
	return nil
}

// Session returns the record with the given id.
func (s *Store) Session(id string) (SessionRecord, error) {
	var rec SessionRecord
	db, err := s.handle()
	if err != nil {
		return rec, err
	}
	err = db.Where("id = ?", id).First(&rec).Error
	return rec, err
}

// Recent returns up to limit sessions, newest first.
func (s *Store) Recent(limit int) ([]SessionRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var recs []SessionRecord
	err = db.Order("started_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// Commands returns the outcomes recorded for a session in order.
func (s *Store) Commands(sessionID string) ([]CommandRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var recs []CommandRecord
	err = db.Where("session_id = ?", sessionID).Order("id").Find(&recs).Error
	return recs, err
}

// Close releases the connection. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
