// Package vehicle holds the live view of each vehicle on the link and the
// registry that discovers them and assigns session roles.
package vehicle

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neostellar/tracker/pkg/core"
)

// State is the latest known telemetry of one vehicle. It is written only by
// Apply, called from the vehicle's telemetry subscriptions.
type State struct {
	id core.VehicleID

	mu         sync.RWMutex
	role       core.Role
	origin     core.Position
	position   core.Position
	velocity   core.Velocity
	health     core.Health
	landed     core.LandedState
	mode       core.FlightMode
	armed      bool
	inAir      bool
	lastUpdate map[core.Topic]time.Time
	samples    uint64
}

// Snapshot is a consistent copy of a State.
type Snapshot struct {
	ID          core.VehicleID
	Role        core.Role
	Origin      core.Position
	Position    core.Position
	Velocity    core.Velocity
	Airspeed    float64
	Health      core.Health
	LandedState core.LandedState
	FlightMode  core.FlightMode
	Armed       bool
	InAir       bool
	LastUpdate  map[core.Topic]time.Time
	Samples     uint64
}

// NewState creates an empty state for id.
func NewState(id core.VehicleID) *State {
	return &State{
		id:         id,
		lastUpdate: make(map[core.Topic]time.Time),
	}
}

// ID never changes.
func (s *State) ID() core.VehicleID {
	return s.id
}

// Role returns the current session role.
func (s *State) Role() core.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *State) setRole(r core.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = r
}

// recordOrigin stores the GPS origin and seeds the position until the first
// position sample arrives.
func (s *State) recordOrigin(p core.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origin = p
	if !s.position.Valid {
		s.position = p
	}
}

// Apply folds one telemetry sample into the state.
func (s *State) Apply(t core.Telemetry) {
	if t.VehicleID != s.id {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.Topic {
	case core.TopicPosition:
		s.position = t.Position
		s.velocity = t.Velocity
	case core.TopicHealth:
		s.health = t.Health
	case core.TopicLandedState:
		s.landed = t.LandedState
		s.inAir = t.LandedState.InAir()
	case core.TopicFlightMode:
		s.mode = t.FlightMode
	case core.TopicArmed:
		s.armed = t.Armed
	default:
		return
	}

	at := t.Time
	if at.IsZero() {
		at = time.Now()
	}
	s.lastUpdate[t.Topic] = at
	s.samples++
}

// Snapshot returns a copy of every field taken under one read lock.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make(map[core.Topic]time.Time, len(s.lastUpdate))
	for k, v := range s.lastUpdate {
		updates[k] = v
	}
	return Snapshot{
		ID:          s.id,
		Role:        s.role,
		Origin:      s.origin,
		Position:    s.position,
		Velocity:    s.velocity,
		Airspeed:    s.velocity.GroundSpeed(),
		Health:      s.health,
		LandedState: s.landed,
		FlightMode:  s.mode,
		Armed:       s.armed,
		InAir:       s.inAir,
		LastUpdate:  updates,
		Samples:     s.samples,
	}
}

// Position is a shortcut for Snapshot().Position.
func (s *State) Position() core.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// Origin returns the GPS origin read at registration.
func (s *State) Origin() core.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origin
}

// InAir reports the landed state detector's view.
func (s *State) InAir() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inAir
}

// LandedState returns the last landed state reported by the vehicle.
func (s *State) LandedState() core.LandedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landed
}

// String dumps the state for debug logs.
func (s *State) String() string {
	snap := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "vehicle %d (%s)\n", snap.ID, snap.Role)
	fmt.Fprintf(&b, "  position:  %s\n", snap.Position)
	fmt.Fprintf(&b, "  origin:    %s\n", snap.Origin)
	fmt.Fprintf(&b, "  airspeed:  %.2f m/s\n", snap.Airspeed)
	fmt.Fprintf(&b, "  armed:     %t\n", snap.Armed)
	fmt.Fprintf(&b, "  in air:    %t (%s)\n", snap.InAir, snap.LandedState)
	fmt.Fprintf(&b, "  mode:      %s\n", snap.FlightMode)
	fmt.Fprintf(&b, "  health:    sensors=%t gps=%t home=%t",
		snap.Health.SensorsOK, snap.Health.GlobalPositionOK, snap.Health.HomePositionOK)
	return b.String()
}
