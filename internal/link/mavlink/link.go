// Package mavlink implements link.Link over MAVLink using gomavlib. Vehicles
// are PX4 autopilots discovered by heartbeat; commands are COMMAND_LONG
// matched to COMMAND_ACK, follow geometry is written as parameters and
// setpoints are streamed while a vehicle is under offboard or follow control.
package mavlink

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/rs/zerolog"

	"github.com/neostellar/tracker/internal/link"
	"github.com/neostellar/tracker/internal/logging"
	"github.com/neostellar/tracker/internal/telemetry"
	"github.com/neostellar/tracker/pkg/core"
)

const autopilotComponent = 1

// Config configures a MAVLink link.
type Config struct {
	Endpoint string
	// SystemID is this program's own MAVLink system id.
	SystemID byte
	// HeartbeatTimeout marks a vehicle as lost when no heartbeat arrived for this long.
	HeartbeatTimeout time.Duration
	// AckTimeout bounds the wait for COMMAND_ACK, PARAM_VALUE and GPS_GLOBAL_ORIGIN.
	AckTimeout time.Duration
	// SetpointPeriod is the resend period of the active setpoint and target location.
	SetpointPeriod time.Duration
	// PositionInterval is the GLOBAL_POSITION_INT rate requested from each vehicle.
	PositionInterval time.Duration
	// Telemetry sizes and logs the subscriptions handed out by Subscribe.
	Telemetry telemetry.Settings
}

func (c *Config) setDefaults() {
	if c.SystemID == 0 {
		c.SystemID = 245
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 3 * time.Second
	}
	if c.SetpointPeriod <= 0 {
		c.SetpointPeriod = 100 * time.Millisecond
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = 200 * time.Millisecond
	}
}

type ackKey struct {
	vehicle core.VehicleID
	command common.MAV_CMD
}

type paramKey struct {
	vehicle core.VehicleID
	id      string
}

type vehicleState struct {
	id            core.VehicleID
	lastHeartbeat time.Time
	lost          bool
	origin        core.Position
	position      core.Position
	sensorsOK     bool
	gpsOK         bool
	homeOK        bool
	last          map[core.Topic]core.Telemetry
	setpoint      *core.Setpoint
	target        *core.Setpoint
}

func (v *vehicleState) health() core.Health {
	return core.Health{
		SensorsOK:        v.sensorsOK,
		GlobalPositionOK: v.gpsOK,
		HomePositionOK:   v.homeOK,
	}
}

// Link is a MAVLink connection to any number of vehicles.
type Link struct {
	cfg    Config
	log    zerolog.Logger
	bus    *telemetry.Bus
	events <-chan gomavlib.Event
	write  func(message.Message)
	close  func()
	boot   time.Time

	mu        sync.Mutex
	vehicles  map[core.VehicleID]*vehicleState
	order     []core.VehicleID
	acks      map[ackKey][]chan *common.MessageCommandAck
	params    map[paramKey][]chan float32
	origins   map[core.VehicleID][]chan core.Position
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ link.Link = (*Link)(nil)

// Dial opens the endpoint and starts listening for vehicles.
func Dial(cfg Config, log zerolog.Logger) (*Link, error) {
	cfg.setDefaults()
	ep, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{ep},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: cfg.SystemID,
	})
	if err != nil {
		return nil, fmt.Errorf("opening mavlink endpoint %s: %w", cfg.Endpoint, err)
	}

	l, err := newLink(cfg, node.Events(), func(m message.Message) { node.WriteMessageAll(m) }, log)
	if err != nil {
		node.Close()
		return nil, err
	}
	l.close = func() { node.Close() }
	log.Info().Str("endpoint", cfg.Endpoint).Uint8("systemId", cfg.SystemID).Msg("MAVLink link open")
	return l, nil
}

func newLink(cfg Config, events <-chan gomavlib.Event, write func(message.Message), log zerolog.Logger) (*Link, error) {
	cfg.setDefaults()
	bus, err := telemetry.New(logging.NewZerologAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("creating telemetry bus: %w", err)
	}
	l := &Link{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		events:   events,
		write:    write,
		close:    func() {},
		boot:     time.Now(),
		vehicles: make(map[core.VehicleID]*vehicleState),
		acks:     make(map[ackKey][]chan *common.MessageCommandAck),
		params:   make(map[paramKey][]chan float32),
		origins:  make(map[core.VehicleID][]chan core.Position),
		stop:     make(chan struct{}),
	}
	l.wg.Add(2)
	go l.readLoop()
	go l.streamLoop()
	return l, nil
}

// Vehicles lists every vehicle that sent an autopilot heartbeat, in order of discovery.
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

// Subscribe registers fn and replays the last received sample of topic.
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
	if last, ok := v.last[topic]; ok {
		l.bus.Publish(last)
	}
	return sub, nil
}

// QueueLengths reports undelivered telemetry per topic.
func (l *Link) QueueLengths() map[core.Topic]int {
	return l.bus.QueueLengths()
}

// ReadOrigin returns the vehicle's GPS global origin, requesting it when it
// has not been received yet.
func (l *Link) ReadOrigin(ctx context.Context, id core.VehicleID) (core.Position, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return core.Position{}, link.ErrClosed
	}
	v, ok := l.vehicles[id]
	if !ok {
		l.mu.Unlock()
		return core.Position{}, fmt.Errorf("%w: %d", link.ErrUnknownVehicle, id)
	}
	if v.origin.Valid {
		origin := v.origin
		l.mu.Unlock()
		return origin, nil
	}
	ch := make(chan core.Position, 1)
	l.origins[id] = append(l.origins[id], ch)
	l.mu.Unlock()

	l.write(requestMessageCommand(id, (&common.MessageGpsGlobalOrigin{}).GetID()))

	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case origin := <-ch:
		return origin, nil
	case <-timer.C:
		l.dropOriginWaiter(id, ch)
		return core.Position{}, link.ErrOriginUnavailable
	case <-ctx.Done():
		l.dropOriginWaiter(id, ch)
		return core.Position{}, ctx.Err()
	}
}

// SendCommand encodes cmd and waits for the vehicle's answer. Setpoints and
// target locations have no answer and return once queued for streaming.
func (l *Link) SendCommand(ctx context.Context, cmd core.Command) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return link.ErrClosed
	}
	v, ok := l.vehicles[cmd.Vehicle]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", link.ErrUnknownVehicle, cmd.Vehicle)
	}
	homeAMSL := math.NaN()
	if v.position.Valid {
		homeAMSL = v.position.Altitude - v.position.RelativeAltitude
	} else if v.origin.Valid {
		homeAMSL = v.origin.Altitude
	}
	l.mu.Unlock()

	id := cmd.Vehicle
	switch cmd.Kind {
	case core.CommandArm:
		return l.command(ctx, cmd.Kind, armCommand(id, true))
	case core.CommandDisarm:
		return l.command(ctx, cmd.Kind, armCommand(id, false))
	case core.CommandTakeoff:
		return l.command(ctx, cmd.Kind, takeoffCommand(id, homeAMSL, cmd.TakeoffAltitude))
	case core.CommandLand:
		l.setStream(id, nil, nil)
		return l.command(ctx, cmd.Kind, landCommand(id))
	case core.CommandStartOffboard:
		return l.command(ctx, cmd.Kind, setModeCommand(id, modeOffboard))
	case core.CommandStartFollow:
		return l.command(ctx, cmd.Kind, setModeCommand(id, modeFollow))
	case core.CommandStopOffboard, core.CommandStopFollow:
		err := l.command(ctx, cmd.Kind, setModeCommand(id, modeHold))
		if err == nil {
			l.setStream(id, nil, nil)
		}
		return err
	case core.CommandSetFollowConfig:
		return l.setParams(ctx, id, followParams(cmd.Follow))
	case core.CommandSetPositionGlobal:
		sp := cmd.Setpoint
		l.setStream(id, &sp, nil)
		l.write(positionTarget(id, sp, l.boot))
		return nil
	case core.CommandSetTargetLocation:
		sp := cmd.Setpoint
		l.setStream(id, nil, &sp)
		l.write(followTarget(sp, time.Now()))
		return nil
	default:
		return fmt.Errorf("%w: %s", link.ErrUnsupportedCommand, cmd.Kind)
	}
}

// command sends msg and waits for the matching COMMAND_ACK.
func (l *Link) command(ctx context.Context, kind core.CommandKind, msg *common.MessageCommandLong) error {
	key := ackKey{vehicle: core.VehicleID(msg.TargetSystem), command: msg.Command}
	ch := make(chan *common.MessageCommandAck, 4)

	l.mu.Lock()
	l.acks[key] = append(l.acks[key], ch)
	l.mu.Unlock()
	defer l.dropAckWaiter(key, ch)

	l.write(msg)
	l.log.Debug().Int("vehicle", int(key.vehicle)).Str("command", kind.String()).Msg("Command sent")

	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-ch:
			switch ack.Result {
			case common.MAV_RESULT_ACCEPTED:
				return nil
			case common.MAV_RESULT_IN_PROGRESS:
				continue
			default:
				return &link.RejectedError{Command: kind, Reason: fmt.Sprint(ack.Result)}
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s", link.ErrAckTimeout, kind)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setParams writes each parameter and waits for the PARAM_VALUE echo.
func (l *Link) setParams(ctx context.Context, id core.VehicleID, values []paramValue) error {
	for _, p := range values {
		key := paramKey{vehicle: id, id: p.id}
		ch := make(chan float32, 1)
		l.mu.Lock()
		l.params[key] = append(l.params[key], ch)
		l.mu.Unlock()

		l.write(paramSet(id, p))

		err := func() error {
			defer l.dropParamWaiter(key, ch)
			timer := time.NewTimer(l.cfg.AckTimeout)
			defer timer.Stop()
			select {
			case got := <-ch:
				if !paramMatches(p.value, got) {
					return &link.RejectedError{
						Command: core.CommandSetFollowConfig,
						Reason:  fmt.Sprintf("%s is %g, wanted %g", p.id, got, p.value),
					}
				}
				return nil
			case <-timer.C:
				return fmt.Errorf("%w: parameter %s", link.ErrAckTimeout, p.id)
			case <-ctx.Done():
				return ctx.Err()
			}
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// setStream replaces the streamed setpoint or target. Passing nil for both clears both.
func (l *Link) setStream(id core.VehicleID, setpoint, target *core.Setpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vehicles[id]
	if !ok {
		return
	}
	switch {
	case setpoint == nil && target == nil:
		v.setpoint, v.target = nil, nil
	case setpoint != nil:
		v.setpoint = setpoint
	default:
		v.target = target
	}
}

func (l *Link) dropAckWaiter(key ackKey, ch chan *common.MessageCommandAck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acks[key] = removeChan(l.acks[key], ch)
	if len(l.acks[key]) == 0 {
		delete(l.acks, key)
	}
}

func (l *Link) dropParamWaiter(key paramKey, ch chan float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.params[key] = removeChan(l.params[key], ch)
	if len(l.params[key]) == 0 {
		delete(l.params, key)
	}
}

func (l *Link) dropOriginWaiter(id core.VehicleID, ch chan core.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.origins[id] = removeChan(l.origins[id], ch)
	if len(l.origins[id]) == 0 {
		delete(l.origins, id)
	}
}

func removeChan[T any](chans []chan T, ch chan T) []chan T {
	for i, c := range chans {
		if c == ch {
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

// Close stops the link. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.stop)
		l.mu.Unlock()

		l.close()
		l.wg.Wait()
		l.bus.Close()
		l.log.Info().Msg("MAVLink link closed")
	})
	return nil
}
