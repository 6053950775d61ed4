// Package telemetry fans vehicle telemetry out to subscribers.
//
// Every subscription gets its own queue and delivery goroutine, so samples on a
// topic reach a subscriber in publish order and a slow subscriber never blocks
// the link's reader or another subscriber.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neostellar/tracker/internal/channel"
	"github.com/neostellar/tracker/pkg/core"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("telemetry bus closed")

// DefaultBufferSize is used when no Buffered option is given.
const DefaultBufferSize = 256

// Handler receives telemetry samples.
type Handler func(core.Telemetry)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a subscription.
type Option func(*config)

type config struct {
	bufferSize int
	keepLatest bool
	logged     bool
}

// Buffered sets the subscription queue size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// KeepLatest makes a full queue evict its oldest sample instead of refusing
// the new one.
func KeepLatest() Option {
	return func(c *config) {
		c.keepLatest = true
	}
}

// Logged adds debug logging of every delivered sample.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Settings configures the subscriptions a link creates.
type Settings struct {
	// BufferSize is the queue size of each subscription; 0 uses DefaultBufferSize.
	BufferSize int
	// LogDeliveries logs every delivered sample at debug level.
	LogDeliveries bool
}

// Options returns the subscription options for topic. Position streams keep
// the newest samples; state topics keep every change.
func (s Settings) Options(topic core.Topic) []Option {
	var opts []Option
	if s.BufferSize > 0 {
		opts = append(opts, Buffered(s.BufferSize))
	}
	if s.LogDeliveries {
		opts = append(opts, Logged())
	}
	if topic == core.TopicPosition {
		opts = append(opts, KeepLatest())
	}
	return opts
}

type key struct {
	vehicle core.VehicleID
	topic   core.Topic
}

// Bus routes published samples to the subscribers of (vehicle, topic).
type Bus struct {
	logger Logger

	mu     sync.RWMutex
	subs   map[key]map[uint64]*subscriber
	nextID uint64
	closed bool

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

type subscriber struct {
	id       uint64
	key      key
	ch       channel.Queue[core.Telemetry]
	handler  Handler
	stopped  atomic.Bool
	done     chan struct{}
}

// New creates a Bus. Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Bus, error) {
	b := &Bus{
		logger: logger,
		subs:   make(map[key]map[uint64]*subscriber),
	}

	m := meter()

	var err error

	b.queueSize, err = m.Int64ObservableGauge(
		"telemetry.queue.size",
		metric.WithDescription("Samples waiting for delivery, per topic"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			for topic, n := range b.QueueLengths() {
				o.ObserveInt64(b.queueSize, int64(n),
					metric.WithAttributes(attribute.String("topic", topic.String())))
			}
			return nil
		},
		b.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	b.delivered, err = m.Int64Counter(
		"telemetry.samples.delivered",
		metric.WithDescription("Total samples handed to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating delivered counter: %w", err)
	}

	b.dropped, err = m.Int64Counter(
		"telemetry.samples.dropped",
		metric.WithDescription("Total samples dropped because a subscriber queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return b, nil
}

// Subscribe registers h for samples of topic from vehicle.
func (b *Bus) Subscribe(vehicle core.VehicleID, topic core.Topic, h Handler, opts ...Option) (*Subscription, error) {
	cfg := &config{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	s := &subscriber{
		id:       b.nextID,
		key:      key{vehicle: vehicle, topic: topic},
		ch:       channel.New[core.Telemetry](cfg.bufferSize, cfg.keepLatest),
		handler:  h,
		done:     make(chan struct{}),
	}
	if cfg.logged {
		s.handler = b.withLogging(s.key, h)
	}

	set, ok := b.subs[s.key]
	if !ok {
		set = make(map[uint64]*subscriber)
		b.subs[s.key] = set
	}
	set[s.id] = s

	go b.deliver(s)

	return &Subscription{bus: b, sub: s}, nil
}

// Publish hands t to every subscriber of (t.VehicleID, t.Topic).
func (b *Bus) Publish(t core.Telemetry) {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	topicAttr := metric.WithAttributes(attribute.String("topic", t.Topic.String()))
	for _, s := range b.subs[key{vehicle: t.VehicleID, topic: t.Topic}] {
		if !s.ch.TrySend(t) {
			b.dropped.Add(context.Background(), 1, topicAttr)
			b.logger.Error("subscriber queue full, sample dropped",
				"vehicle", int(t.VehicleID), "topic", t.Topic.String())
		}
	}
}

// Subscribers returns the number of live subscriptions on (vehicle, topic).
func (b *Bus) Subscribers(vehicle core.VehicleID, topic core.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key{vehicle: vehicle, topic: topic}])
}

// QueueLengths returns the number of undelivered samples per topic.
func (b *Bus) QueueLengths() map[core.Topic]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[core.Topic]int)
	for k, set := range b.subs {
		for _, s := range set {
			out[k.topic] += s.ch.Len()
		}
	}
	return out
}

// Close cancels every subscription and waits for their delivery goroutines.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, set := range b.subs {
		for _, s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[key]map[uint64]*subscriber)
	for _, s := range all {
		s.stopped.Store(true)
		s.ch.Close()
	}
	b.mu.Unlock()

	for _, s := range all {
		<-s.done
	}
}

func (b *Bus) deliver(s *subscriber) {
	defer close(s.done)
	topicAttr := metric.WithAttributes(attribute.String("topic", s.key.topic.String()))
	for t := range s.ch.Receive() {
		if s.stopped.Load() {
			continue
		}
		s.handler(t)
		b.delivered.Add(context.Background(), 1, topicAttr)
	}
}

func (b *Bus) remove(s *subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[s.key]
	if !ok {
		return false
	}
	if _, ok := set[s.id]; !ok {
		return false
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(b.subs, s.key)
	}
	s.stopped.Store(true)
	s.ch.Close()
	return true
}

func (b *Bus) withLogging(k key, h Handler) Handler {
	return func(t core.Telemetry) {
		start := time.Now()
		h(t)
		b.logger.Debug("telemetry delivered",
			"vehicle", int(k.vehicle), "topic", k.topic.String(), "duration", time.Since(start))
	}
}

// Subscription is a cancellable registration on the Bus.
type Subscription struct {
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Cancel removes the subscription. Queued samples are discarded; a sample already
// being handled when Cancel is called still completes.
// Calling Cancel more than once is a no-op.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
	})
}
