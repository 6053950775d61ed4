package mavlink

import (
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/neostellar/tracker/pkg/core"
)

// telemetry requested from every new vehicle besides GLOBAL_POSITION_INT
var requestedMessages = []message.Message{
	&common.MessageExtendedSysState{},
	&common.MessageSysStatus{},
	&common.MessageGpsRawInt{},
	&common.MessageHomePosition{},
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case evt, ok := <-l.events:
			if !ok {
				return
			}
			l.handleEvent(evt)
		}
	}
}

func (l *Link) handleEvent(evt gomavlib.Event) {
	switch e := evt.(type) {
	case *gomavlib.EventChannelOpen:
		l.log.Debug().Msg("MAVLink channel open")
	case *gomavlib.EventChannelClose:
		l.log.Debug().Msg("MAVLink channel closed")
	case *gomavlib.EventParseError:
		l.log.Debug().Err(e.Error).Msg("MAVLink parse error")
	case *gomavlib.EventFrame:
		l.handleMessage(core.VehicleID(e.SystemID()), e.ComponentID(), e.Message(), time.Now())
	}
}

// handleMessage updates vehicle state from one message and publishes the
// resulting samples after releasing the lock.
func (l *Link) handleMessage(id core.VehicleID, component byte, msg message.Message, now time.Time) {
	if byte(id) == l.cfg.SystemID {
		return
	}

	var samples []core.Telemetry
	var discovered bool

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	if hb, ok := msg.(*common.MessageHeartbeat); ok {
		if component != autopilotComponent || hb.Type == common.MAV_TYPE_GCS || hb.Autopilot == common.MAV_AUTOPILOT_INVALID {
			l.mu.Unlock()
			return
		}
		if _, known := l.vehicles[id]; !known {
			l.vehicles[id] = &vehicleState{id: id, last: make(map[core.Topic]core.Telemetry)}
			l.order = append(l.order, id)
			discovered = true
		}
	}

	v, ok := l.vehicles[id]
	if !ok {
		l.mu.Unlock()
		return
	}

	sample := func(topic core.Topic, fill func(*core.Telemetry)) {
		t := core.Telemetry{VehicleID: id, Topic: topic, Time: now}
		fill(&t)
		v.last[topic] = t
		samples = append(samples, t)
	}
	health := func() {
		h := v.health()
		sample(core.TopicHealth, func(t *core.Telemetry) { t.Health = h })
	}

	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		if v.lost {
			l.log.Info().Int("vehicle", int(id)).Msg("Vehicle heartbeat regained")
		}
		v.lastHeartbeat = now
		v.lost = false
		armed, mode := decodeHeartbeat(m)
		sample(core.TopicArmed, func(t *core.Telemetry) { t.Armed = armed })
		sample(core.TopicFlightMode, func(t *core.Telemetry) { t.FlightMode = mode })

	case *common.MessageGlobalPositionInt:
		pos, vel := decodePosition(m)
		v.position = pos
		sample(core.TopicPosition, func(t *core.Telemetry) {
			t.Position = pos
			t.Velocity = vel
		})

	case *common.MessageExtendedSysState:
		landed := decodeLandedState(m.LandedState)
		sample(core.TopicLandedState, func(t *core.Telemetry) { t.LandedState = landed })

	case *common.MessageSysStatus:
		v.sensorsOK = sensorsHealthy(m)
		health()

	case *common.MessageGpsRawInt:
		v.gpsOK = gpsFixOK(m)
		health()

	case *common.MessageHomePosition:
		if !v.homeOK {
			v.homeOK = true
			health()
		}

	case *common.MessageGpsGlobalOrigin:
		v.origin = decodeOrigin(m)
		for _, ch := range l.origins[id] {
			select {
			case ch <- v.origin:
			default:
			}
		}
		delete(l.origins, id)

	case *common.MessageCommandAck:
		key := ackKey{vehicle: id, command: m.Command}
		// waiters stay registered until command returns, IN_PROGRESS is
		// followed by the final result
		for _, ch := range l.acks[key] {
			select {
			case ch <- m:
			default:
			}
		}

	case *common.MessageParamValue:
		key := paramKey{vehicle: id, id: m.ParamId}
		for _, ch := range l.params[key] {
			select {
			case ch <- m.ParamValue:
			default:
			}
		}
		delete(l.params, key)
	}
	l.mu.Unlock()

	if discovered {
		l.log.Info().Int("vehicle", int(id)).Msg("Vehicle discovered")
		l.requestStreams(id)
	}
	for _, t := range samples {
		l.bus.Publish(t)
	}
}

func (l *Link) requestStreams(id core.VehicleID) {
	l.write(messageIntervalCommand(id, (&common.MessageGlobalPositionInt{}).GetID(), l.cfg.PositionInterval))
	for _, m := range requestedMessages {
		l.write(messageIntervalCommand(id, m.GetID(), time.Second))
	}
}

// streamLoop resends active setpoints and target locations, and watches heartbeats.
func (l *Link) streamLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.SetpointPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			for _, msg := range l.streamTick(now) {
				l.write(msg)
			}
		}
	}
}

func (l *Link) streamTick(now time.Time) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []message.Message
	for _, id := range l.order {
		v := l.vehicles[id]
		if !v.lost && now.Sub(v.lastHeartbeat) > l.cfg.HeartbeatTimeout {
			v.lost = true
			l.log.Warn().Int("vehicle", int(id)).Dur("since", now.Sub(v.lastHeartbeat)).Msg("Vehicle heartbeat lost")
		}
		if v.setpoint != nil {
			out = append(out, positionTarget(id, *v.setpoint, l.boot))
		}
		if v.target != nil {
			out = append(out, followTarget(*v.target, now))
		}
	}
	return out
}
