package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neostellar/tracker/internal/flight"
	"github.com/neostellar/tracker/pkg/core"
)

// Context holds the identity and progress of the current session. It feeds
// the logging context handler, so every record carries the session id.
type Context struct {
	mu      sync.RWMutex
	id      uuid.UUID
	started time.Time
	state   flight.State
	main    core.VehicleID
	target  core.VehicleID
	hasIDs  bool
}

// NewContext creates a context with a fresh session id.
func NewContext() *Context {
	return &Context{
		id:      uuid.New(),
		started: time.Now(),
	}
}

// ID returns the session id.
func (c *Context) ID() string {
	return c.id.String()
}

// StartedAt returns when the context was created.
func (c *Context) StartedAt() time.Time {
	return c.started
}

// State returns the last recorded flight state.
func (c *Context) State() flight.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState records a flight state change.
func (c *Context) SetState(s flight.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetVehicles records the main and target vehicle ids.
func (c *Context) SetVehicles(main, target core.VehicleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.main = main
	c.target = target
	c.hasIDs = true
}

// Vehicles returns the main and target ids, ok is false before designation.
func (c *Context) Vehicles() (main, target core.VehicleID, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.main, c.target, c.hasIDs
}

// Attrs returns the attributes added to every log record.
func (c *Context) Attrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attrs := []slog.Attr{
		slog.String("session", c.id.String()),
		slog.String("flight_state", c.state.String()),
	}
	if c.hasIDs {
		attrs = append(attrs,
			slog.Int("main", int(c.main)),
			slog.Int("target", int(c.target)))
	}
	return attrs
}
