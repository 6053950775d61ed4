// Package sim is an in-process link.Link. It stands in for the autopilots in
// tests and in the --sim demo mode: commands change the simulated vehicle and
// the change comes back as telemetry, the way a real autopilot corroborates.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neostellar/tracker/internal/geo"
	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/internal/queue"
	"github.com/neostellar/tracker/internal/telemetry"
	"github.com/neostellar/tracker/pkg/core"
)

// ErrDuplicateVehicle is returned by AddVehicle for an id already present.
var ErrDuplicateVehicle = errors.New("vehicle already added")

// Config tunes the simulated autopilot.
type Config struct {
	// AckDelay delays the synchronous answer to every command.
	AckDelay time.Duration
	// EventDelay delays the telemetry that follows an accepted command.
	EventDelay time.Duration
	// LandDuration is the time between Landing and OnGround.
	LandDuration time.Duration
	// StreamInterval republishes every topic of every vehicle; 0 disables it.
	StreamInterval time.Duration
	// RequireSetpointBeforeOffboard rejects StartOffboard until a setpoint was received.
	RequireSetpointBeforeOffboard bool
	// RejectArmWhenUnhealthy refuses to arm a vehicle with failing preflight checks.
	RejectArmWhenUnhealthy bool
	// SentHistory bounds the command log; 0 keeps everything.
	SentHistory int
	// Telemetry sizes and logs the subscriptions handed out by Subscribe.
	Telemetry telemetry.Settings
}

// VehicleSpec is the initial state of a simulated vehicle.
type VehicleSpec struct {
	ID       core.VehicleID
	Position core.Position
	Health   core.Health
	InAir    bool
	Armed    bool
	Mode     core.FlightMode
	// NoOrigin makes ReadOrigin fail for this vehicle.
	NoOrigin bool
}

// Behaviour overrides how a vehicle answers one command kind.
type Behaviour struct {
	// Reject makes the command fail synchronously with this reason.
	Reject string
	// NoAck makes SendCommand return link.ErrAckTimeout.
	NoAck bool
	// Silent accepts the command but never changes the vehicle.
	Silent bool
}

type vehicle struct {
	id         core.VehicleID
	origin     core.Position
	noOrigin   bool
	position   core.Position
	velocity   core.Velocity
	health     core.Health
	landed     core.LandedState
	mode       core.FlightMode
	armed      bool
	setpoint   bool
	follow     core.FollowGeometry
	behaviours map[core.CommandKind]Behaviour
}

// Link simulates a group of vehicles behind one connection.
type Link struct {
	cfg Config
	bus *telemetry.Bus

	mu       sync.Mutex
	vehicles map[core.VehicleID]*vehicle
	order    []core.VehicleID
	closed   bool

	sent *queue.Queue[core.Command]

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ link.Link = (*Link)(nil)

// New creates an empty simulated link.
func New(cfg Config, logger telemetry.Logger) (*Link, error) {
	bus, err := telemetry.New(logger)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry bus: %w", err)
	}
	l := &Link{
		cfg:      cfg,
		bus:      bus,
		vehicles: make(map[core.VehicleID]*vehicle),
		sent:     queue.NewBounded[core.Command](cfg.SentHistory),
		stop:     make(chan struct{}),
	}
	if cfg.StreamInterval > 0 {
		l.wg.Add(1)
		go l.stream(cfg.StreamInterval)
	}
	return l, nil
}

// AddVehicle makes a vehicle visible to Vehicles.
func (l *Link) AddVehicle(spec VehicleSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return link.ErrClosed
	}
	if _, ok := l.vehicles[spec.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateVehicle, spec.ID)
	}
	v := &vehicle{
		id:         spec.ID,
		origin:     spec.Position,
		noOrigin:   spec.NoOrigin,
		position:   spec.Position,
		health:     spec.Health,
		landed:     core.LandedOnGround,
		mode:       spec.Mode,
		armed:      spec.Armed,
		follow:     core.DefaultFollowGeometry(),
		behaviours: make(map[core.CommandKind]Behaviour),
	}
	if spec.InAir {
		v.landed = core.LandedInAir
	}
	if v.mode == core.FlightModeUnknown {
		v.mode = core.FlightModeHold
	}
	l.vehicles[spec.ID] = v
	l.order = append(l.order, spec.ID)
	return nil
}

// Vehicles lists vehicles in the order they were added.
func (l *Link) Vehicles(ctx context.Context) ([]core.VehicleID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, link.ErrClosed
	}
	out := make([]core.VehicleID, len(l.order))
	copy(out, l.order)
	return out, nil
}

// Subscribe registers fn and replays the current value of topic, as a
// streaming autopilot would within one period.
func (l *Link) Subscribe(id core.VehicleID, topic core.Topic, fn func(core.Telemetry)) (link.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, link.ErrClosed
	}
	v, ok := l.vehicles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", link.ErrUnknownVehicle, id)
	}
	sub, err := l.bus.Subscribe(id, topic, fn, l.cfg.Telemetry.Options(topic)...)
	if err != nil {
		return nil, err
	}
	l.bus.Publish(v.sample(topic))
	return sub, nil
}

// ReadOrigin returns the position the vehicle was added with.
func (l *Link) ReadOrigin(ctx context.Context, id core.VehicleID) (core.Position, error) {
	if err := ctx.Err(); err != nil {
		return core.Position{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vehicles[id]
	if !ok {
		return core.Position{}, fmt.Errorf("%w: %d", link.ErrUnknownVehicle, id)
	}
	if v.noOrigin || !v.origin.Valid {
		return core.Position{}, link.ErrOriginUnavailable
	}
	return v.origin, nil
}

// SendCommand answers cmd according to the vehicle's behaviour and schedules
// the telemetry an autopilot would produce for it.
func (l *Link) SendCommand(ctx context.Context, cmd core.Command) error {
	if l.cfg.AckDelay > 0 {
		select {
		case <-time.After(l.cfg.AckDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return link.ErrClosed
	}
	v, ok := l.vehicles[cmd.Vehicle]
	if !ok {
		return fmt.Errorf("%w: %d", link.ErrUnknownVehicle, cmd.Vehicle)
	}
	l.sent.Push(cmd)

	b := v.behaviours[cmd.Kind]
	switch {
	case b.Reject != "":
		return &link.RejectedError{Command: cmd.Kind, Reason: b.Reject}
	case b.NoAck:
		return link.ErrAckTimeout
	case b.Silent:
		return nil
	}

	if cmd.Kind == core.CommandStartOffboard && l.cfg.RequireSetpointBeforeOffboard && !v.setpoint {
		return &link.RejectedError{Command: cmd.Kind, Reason: "no setpoint stream"}
	}
	if cmd.Kind == core.CommandArm && l.cfg.RejectArmWhenUnhealthy && !v.health.AllOK() {
		return &link.RejectedError{Command: cmd.Kind, Reason: "preflight checks failed"}
	}

	l.after(l.cfg.EventDelay, func() { l.apply(v, cmd) })
	return nil
}

// apply runs with l.mu held.
func (l *Link) apply(v *vehicle, cmd core.Command) {
	switch cmd.Kind {
	case core.CommandArm:
		v.armed = true
		l.publish(v, core.TopicArmed)
	case core.CommandDisarm:
		v.armed = false
		l.publish(v, core.TopicArmed)
	case core.CommandTakeoff:
		v.mode = core.FlightModeTakeoff
		l.publish(v, core.TopicFlightMode)
		v.landed = core.LandedInAir
		v.position.RelativeAltitude = cmd.TakeoffAltitude
		v.position.Altitude = v.origin.Altitude + cmd.TakeoffAltitude
		l.publish(v, core.TopicLandedState)
		l.publish(v, core.TopicPosition)
		v.mode = core.FlightModeHold
		l.publish(v, core.TopicFlightMode)
	case core.CommandLand:
		v.mode = core.FlightModeLand
		v.landed = core.LandedLanding
		l.publish(v, core.TopicFlightMode)
		l.publish(v, core.TopicLandedState)
		l.after(l.cfg.LandDuration, func() { l.touchdown(v) })
	case core.CommandStartOffboard:
		v.mode = core.FlightModeOffboard
		l.publish(v, core.TopicFlightMode)
	case core.CommandStartFollow:
		v.mode = core.FlightModeFollowMe
		l.publish(v, core.TopicFlightMode)
	case core.CommandStopOffboard, core.CommandStopFollow:
		v.mode = core.FlightModeHold
		l.publish(v, core.TopicFlightMode)
	case core.CommandSetFollowConfig:
		v.follow = cmd.Follow
	case core.CommandSetPositionGlobal:
		v.setpoint = true
		if v.mode == core.FlightModeOffboard {
			v.moveTo(cmd.Setpoint)
			l.publish(v, core.TopicPosition)
		}
	case core.CommandSetTargetLocation:
		if v.mode == core.FlightModeFollowMe {
			lat, lon := geo.OffsetBearing(cmd.Setpoint.Latitude, cmd.Setpoint.Longitude,
				v.follow.StandoffDistanceMeters, v.follow.ApproachAngleDegrees)
			v.moveTo(core.Setpoint{
				Latitude:  lat,
				Longitude: lon,
				Altitude:  v.follow.MinHeightMeters,
				Reference: core.AltitudeRelativeToHome,
			})
			l.publish(v, core.TopicPosition)
		}
	}
}

func (l *Link) touchdown(v *vehicle) {
	if v.landed != core.LandedLanding {
		return
	}
	v.landed = core.LandedOnGround
	v.armed = false
	v.mode = core.FlightModeHold
	v.position.RelativeAltitude = 0
	v.position.Altitude = v.origin.Altitude
	l.publish(v, core.TopicLandedState)
	l.publish(v, core.TopicArmed)
	l.publish(v, core.TopicFlightMode)
	l.publish(v, core.TopicPosition)
}

func (v *vehicle) moveTo(sp core.Setpoint) {
	v.position.Latitude = sp.Latitude
	v.position.Longitude = sp.Longitude
	if sp.Reference == core.AltitudeAbsoluteGPS {
		v.position.Altitude = sp.Altitude
		v.position.RelativeAltitude = sp.Altitude - v.origin.Altitude
	} else {
		v.position.RelativeAltitude = sp.Altitude
		v.position.Altitude = v.origin.Altitude + sp.Altitude
	}
	v.position.Valid = true
}

func (v *vehicle) sample(topic core.Topic) core.Telemetry {
	t := core.Telemetry{VehicleID: v.id, Topic: topic, Time: time.Now()}
	switch topic {
	case core.TopicPosition:
		t.Position = v.position
		t.Velocity = v.velocity
	case core.TopicHealth:
		t.Health = v.health
	case core.TopicLandedState:
		t.LandedState = v.landed
	case core.TopicFlightMode:
		t.FlightMode = v.mode
	case core.TopicArmed:
		t.Armed = v.armed
	}
	return t
}

// publish runs with l.mu held so samples leave in mutation order.
func (l *Link) publish(v *vehicle, topic core.Topic) {
	l.bus.Publish(v.sample(topic))
}

// after runs fn under l.mu, inline when d is zero.
func (l *Link) after(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		select {
		case <-time.After(d):
		case <-l.stop:
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if !l.closed {
			fn()
		}
	}()
}

// update mutates a vehicle under the lock and publishes the given topics.
func (l *Link) update(id core.VehicleID, fn func(v *vehicle), topics ...core.Topic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return link.ErrClosed
	}
	v, ok := l.vehicles[id]
	if !ok {
		return fmt.Errorf("%w: %d", link.ErrUnknownVehicle, id)
	}
	fn(v)
	for _, topic := range topics {
		l.publish(v, topic)
	}
	return nil
}

// SetBehaviour overrides the answer to one command kind.
func (l *Link) SetBehaviour(id core.VehicleID, kind core.CommandKind, b Behaviour) error {
	return l.update(id, func(v *vehicle) { v.behaviours[kind] = b })
}

// SetHealth changes the reported health.
func (l *Link) SetHealth(id core.VehicleID, h core.Health) error {
	return l.update(id, func(v *vehicle) { v.health = h }, core.TopicHealth)
}

// SetInAir changes the landed state.
func (l *Link) SetInAir(id core.VehicleID, inAir bool) error {
	return l.update(id, func(v *vehicle) {
		if inAir {
			v.landed = core.LandedInAir
		} else {
			v.landed = core.LandedOnGround
		}
	}, core.TopicLandedState)
}

// SetMode changes the flight mode as if a pilot had switched it.
func (l *Link) SetMode(id core.VehicleID, mode core.FlightMode) error {
	return l.update(id, func(v *vehicle) { v.mode = mode }, core.TopicFlightMode)
}

// MovePosition teleports a vehicle.
func (l *Link) MovePosition(id core.VehicleID, p core.Position) error {
	return l.update(id, func(v *vehicle) {
		v.position = p
		v.velocity = core.Velocity{}
	}, core.TopicPosition)
}

// Drive moves a vehicle at a constant NED ground velocity until ctx is done
// or the link is closed, publishing its position every step.
func (l *Link) Drive(ctx context.Context, id core.VehicleID, north, east float64, step time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
			}
			dt := step.Seconds()
			err := l.update(id, func(v *vehicle) {
				v.position.Latitude, v.position.Longitude = geo.Offset(
					v.position.Latitude, v.position.Longitude, north*dt, east*dt)
				v.velocity = core.Velocity{North: north, East: east}
			}, core.TopicPosition)
			if err != nil {
				return
			}
		}
	}()
}

// QueueLengths reports undelivered telemetry per topic.
func (l *Link) QueueLengths() map[core.Topic]int {
	return l.bus.QueueLengths()
}

// Sent returns every command received, oldest first.
func (l *Link) Sent() []core.Command {
	return l.sent.Snapshot()
}

// DrainSent returns the commands received since the last drain and how many
// were evicted from the bounded history before they could be read.
func (l *Link) DrainSent() ([]core.Command, int) {
	return l.sent.GetAndEmpty(), l.sent.Evicted()
}

// SentOf returns the commands of one kind, oldest first.
func (l *Link) SentOf(kind core.CommandKind) []core.Command {
	return l.sent.Filter(func(c core.Command) bool { return c.Kind == kind })
}

// Subscribers returns the live subscriptions on (vehicle, topic).
func (l *Link) Subscribers(id core.VehicleID, topic core.Topic) int {
	return l.bus.Subscribers(id, topic)
}

// Snapshot returns the simulated position and flight mode of a vehicle.
func (l *Link) Snapshot(id core.VehicleID) (core.Position, core.FlightMode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vehicles[id]
	if !ok {
		return core.Position{}, core.FlightModeUnknown, false
	}
	return v.position, v.mode, true
}

func (l *Link) stream(every time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		l.mu.Lock()
		for _, id := range l.order {
			v := l.vehicles[id]
			for _, topic := range core.Topics {
				l.publish(v, topic)
			}
		}
		l.mu.Unlock()
	}
}

// Close stops background goroutines and cancels every subscription.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()
	l.bus.Close()
	return nil
}
