package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const subscriberBuffer = 256

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

type subscription struct {
	kind Kind
	name string
	fn   Handler
	ch   chan Event
}

// Bus is a typed publish/subscribe hub.
//
// Async delivery runs one goroutine per subscriber, so each subscriber
// observes events of its kind in publication order while independent
// subscribers run unordered relative to each other. Sync delivery runs
// handlers inline, in subscription order, before Publish returns.
//
// Publish before Start is rejected (not queued). Stop drains queued async
// deliveries within the grace period; whatever is still undelivered after
// that is dropped and logged.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Kind][]*subscription
	order   []*subscription
	started bool
	stopped bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	logger  *zap.Logger
}

// New creates an event bus. Call Start before publishing.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]*subscription),
		logger: logger,
	}
}

// Subscribe registers a named handler for one event kind. The name only
// identifies the handler in failure logs.
func (b *Bus) Subscribe(kind Kind, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &subscription{kind: kind, name: name, fn: fn, ch: make(chan Event, subscriberBuffer)}
	b.subs[kind] = append(b.subs[kind], s)
	b.order = append(b.order, s)

	if b.started && !b.stopped {
		b.startWorker(s)
	}
	b.logger.Debug("subscribed",
		zap.String("kind", string(kind)),
		zap.String("handler", name))
}

// Start begins async delivery.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	for _, s := range b.order {
		b.startWorker(s)
	}
	b.logger.Info("event bus started", zap.Int("subscribers", len(b.order)))
}

func (b *Bus) startWorker(s *subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range s.ch {
			b.dispatch(s, ev)
		}
	}()
}

// Publish schedules async delivery to every subscriber of the event's kind
// and returns immediately. It reports whether the event was accepted.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.started || b.stopped {
		b.logger.Warn("publish rejected, bus not running",
			zap.String("kind", string(ev.Kind())))
		return false
	}

	for _, s := range b.subs[ev.Kind()] {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, event dropped",
				zap.String("kind", string(ev.Kind())),
				zap.String("handler", s.name))
		}
	}
	return true
}

// PublishSync delivers to all subscribers inline, in subscription order,
// before returning. A handler failure never blocks the remaining handlers.
func (b *Bus) PublishSync(ev Event) bool {
	b.mu.RLock()
	if !b.started || b.stopped {
		b.mu.RUnlock()
		b.logger.Warn("publish rejected, bus not running",
			zap.String("kind", string(ev.Kind())))
		return false
	}
	subs := make([]*subscription, len(b.subs[ev.Kind()]))
	copy(subs, b.subs[ev.Kind()])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, ev)
	}
	return true
}

// dispatch runs one handler with panic isolation. A panicking handler is
// reported with its identity and event kind, never silently swallowed.
func (b *Bus) dispatch(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.String("handler", s.name),
				zap.Any("panic", r))
		}
	}()
	s.fn(ev)
}

// Stop rejects further publishes and drains pending async deliveries. If the
// drain exceeds grace, the remaining events are abandoned and logged.
func (b *Bus) Stop(grace time.Duration) {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, s := range b.order {
		close(s.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped", zap.Uint64("dropped_total", b.dropped.Load()))
	case <-time.After(grace):
		b.logger.Warn("event bus stop grace elapsed, pending deliveries abandoned")
	}
}

// Running reports whether the bus accepts publishes.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started && !b.stopped
}

// Dropped returns how many async deliveries were dropped on full queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
