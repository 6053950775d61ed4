package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/pkg/core"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDiscoveryTimeout is returned when no vehicle appeared before the discovery timeout.
	ErrDiscoveryTimeout = errors.New("no vehicles discovered")
	// ErrMainNotFound is returned when no vehicle matches the main selector.
	ErrMainNotFound = errors.New("main vehicle not found")
	// ErrIndexOutOfRange is returned for a target index past the discovered vehicles.
	ErrIndexOutOfRange = errors.New("vehicle index out of range")
	// ErrTargetIsMain is returned when the target index designates the main vehicle.
	ErrTargetIsMain = errors.New("target cannot be the main vehicle")
)

// Options tunes discovery.
type Options struct {
	PollInterval time.Duration
	// MinVehicles ends discovery early once this many vehicles are visible.
	MinVehicles   int
	OriginTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MinVehicles <= 0 {
		o.MinVehicles = 2
	}
	if o.OriginTimeout <= 0 {
		o.OriginTimeout = 2 * time.Second
	}
	return o
}

// Selector picks the main vehicle. index is the discovery order.
type Selector func(index int, s Snapshot) bool

// ByID selects the vehicle with the given id.
func ByID(id core.VehicleID) Selector {
	return func(_ int, s Snapshot) bool { return s.ID == id }
}

// FirstDiscovered selects the first vehicle seen on the link.
func FirstDiscovered() Selector {
	return func(index int, _ Snapshot) bool { return index == 0 }
}

// Registry tracks every vehicle seen on a link.
type Registry struct {
	link   link.Link
	logger *slog.Logger
	opts   Options

	mu     sync.RWMutex
	states []*State
	byID   map[core.VehicleID]*State
	subs   []link.Subscription
	main   *State
	target *State
}

// NewRegistry creates an empty registry on l.
func NewRegistry(l link.Link, logger *slog.Logger, opts Options) *Registry {
	return &Registry{
		link:   l,
		logger: logger,
		opts:   opts.withDefaults(),
		byID:   make(map[core.VehicleID]*State),
	}
}

// Discover polls the link until MinVehicles are visible or timeout elapses,
// then registers every new vehicle: it snapshots the origin and starts the
// telemetry subscriptions before returning.
func (r *Registry) Discover(ctx context.Context, timeout time.Duration) ([]*State, error) {
	ids, err := r.poll(ctx, timeout)
	if err != nil {
		return nil, err
	}

	var fresh []*State
	r.mu.Lock()
	for _, id := range ids {
		if _, ok := r.byID[id]; ok {
			continue
		}
		s := NewState(id)
		r.byID[id] = s
		r.states = append(r.states, s)
		fresh = append(fresh, s)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	subs := make([][]link.Subscription, len(fresh))
	for i, s := range fresh {
		g.Go(func() error {
			r.readOrigin(gctx, s)
			out, err := r.subscribe(s)
			subs[i] = out
			return err
		})
	}
	err = g.Wait()

	r.mu.Lock()
	for _, s := range subs {
		r.subs = append(r.subs, s...)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("registering vehicles: %w", err)
	}

	r.logger.Info("vehicles discovered", "count", len(ids), "new", len(fresh))
	return r.All(), nil
}

func (r *Registry) poll(ctx context.Context, timeout time.Duration) ([]core.VehicleID, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	var ids []core.VehicleID
	for {
		found, err := r.link.Vehicles(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing vehicles: %w", err)
		}
		ids = found
		if len(ids) >= r.opts.MinVehicles {
			return ids, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if len(ids) == 0 {
				return nil, ErrDiscoveryTimeout
			}
			return ids, nil
		case <-ticker.C:
		}
	}
}

func (r *Registry) readOrigin(ctx context.Context, s *State) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.OriginTimeout)
	defer cancel()
	origin, err := r.link.ReadOrigin(ctx, s.ID())
	if err != nil {
		r.logger.Warn("origin unavailable, position stays unknown until first sample",
			"vehicle", int(s.ID()), "error", err)
		return
	}
	s.recordOrigin(origin)
	r.logger.Debug("origin recorded", "vehicle", int(s.ID()), "origin", origin.String())
}

func (r *Registry) subscribe(s *State) ([]link.Subscription, error) {
	subs := make([]link.Subscription, 0, len(core.Topics))
	for _, topic := range core.Topics {
		sub, err := r.link.Subscribe(s.ID(), topic, s.Apply)
		if err != nil {
			for _, done := range subs {
				done.Cancel()
			}
			return nil, fmt.Errorf("subscribing to %s of vehicle %d: %w", topic, s.ID(), err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// All returns the registered vehicles in discovery order.
func (r *Registry) All() []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*State, len(r.states))
	copy(out, r.states)
	return out
}

// Get returns the vehicle with id.
func (r *Registry) Get(id core.VehicleID) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// DesignateMain gives the Main role to the first vehicle matching sel,
// clearing it from any previous holder.
func (r *Registry) DesignateMain(sel Selector) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.states {
		if !sel(i, s.Snapshot()) {
			continue
		}
		if r.main != nil && r.main != s {
			r.main.setRole(core.RoleOther)
		}
		if r.target == s {
			r.target = nil
		}
		s.setRole(core.RoleMain)
		r.main = s
		r.logger.Info("main vehicle designated", "vehicle", int(s.ID()))
		return s, nil
	}
	return nil, ErrMainNotFound
}

// DesignateTarget gives the Target role to the vehicle at index in discovery order.
func (r *Registry) DesignateTarget(index int) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.states) {
		return nil, fmt.Errorf("%w: index %d, %d vehicles", ErrIndexOutOfRange, index, len(r.states))
	}
	s := r.states[index]
	if s == r.main {
		return nil, fmt.Errorf("%w: vehicle %d", ErrTargetIsMain, s.ID())
	}
	if r.target != nil && r.target != s {
		r.target.setRole(core.RoleOther)
	}
	s.setRole(core.RoleTarget)
	r.target = s
	r.logger.Info("target vehicle designated", "vehicle", int(s.ID()), "index", index)
	return s, nil
}

// Main returns the designated main vehicle, if any.
func (r *Registry) Main() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.main
}

// Target returns the designated target vehicle, if any.
func (r *Registry) Target() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// Subscriptions returns the number of telemetry subscriptions the registry holds.
func (r *Registry) Subscriptions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close cancels every subscription started by Discover.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}
