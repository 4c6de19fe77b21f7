// Package messaging implements event bus functionality for the progression service.
// It provides an in-process bus and a Redis Pub/Sub bus for multi-instance fan-out.
package messaging

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus delivers events to subscribers inside one process.
//
// In async mode every subscription owns a queue and a worker goroutine, so a
// subscriber sees events in publish order. A full queue blocks the publisher
// until QueueTimeout passes, then the event is dropped for that subscriber.
type InMemoryEventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	asyncMode    bool
	queueSize    int
	queueTimeout time.Duration
	logger       *slog.Logger
	metrics      *EventBusMetrics
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode enables per-subscriber worker goroutines.
	AsyncMode bool

	// QueueSize is the buffered queue length per subscriber.
	QueueSize int

	// QueueTimeout is how long Publish waits on a full subscriber queue.
	QueueTimeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:    true,
		QueueSize:    256,
		QueueTimeout: 100 * time.Millisecond,
	}
}

type subscription struct {
	eventType shared.EventType // empty for SubscribeAll
	handler   shared.EventHandler
	queue     chan shared.Event
}

func (s *subscription) matches(t shared.EventType) bool {
	return s.eventType == "" || s.eventType == t
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = 100 * time.Millisecond
	}

	return &InMemoryEventBus{
		closeCh:      make(chan struct{}),
		asyncMode:    config.AsyncMode,
		queueSize:    config.QueueSize,
		queueTimeout: config.QueueTimeout,
		logger:       config.Logger,
		metrics:      NewEventBusMetrics(),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if eventType == "" {
		return errors.New("event type cannot be empty")
	}
	return b.subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	return b.subscribe("", handler)
}

func (b *InMemoryEventBus) subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	sub := &subscription{eventType: eventType, handler: handler}
	if b.asyncMode {
		sub.queue = make(chan shared.Event, b.queueSize)
		b.wg.Add(1)
		go b.worker(sub)
	}
	b.subs = append(b.subs, sub)
	b.logger.Debug("subscribed handler", "event_type", eventType)

	return nil
}

// Publish sends an event to all subscribed handlers.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.metrics.RecordPublish(event.EventType())

	for _, sub := range b.subs {
		if !sub.matches(event.EventType()) {
			continue
		}
		if !b.asyncMode {
			b.execute(sub, event)
			continue
		}
		b.enqueue(sub, event)
	}

	return nil
}

func (b *InMemoryEventBus) enqueue(sub *subscription, event shared.Event) {
	select {
	case sub.queue <- event:
		return
	default:
	}

	timer := time.NewTimer(b.queueTimeout)
	defer timer.Stop()

	select {
	case sub.queue <- event:
	case <-timer.C:
		b.metrics.RecordDrop()
		b.logger.Warn("subscriber queue full, event dropped",
			"event_type", event.EventType(),
			"aggregate_id", event.AggregateID(),
		)
	}
}

// worker drains one subscription queue until the bus closes.
func (b *InMemoryEventBus) worker(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case event := <-sub.queue:
			b.execute(sub, event)
		case <-b.closeCh:
			// flush what is already queued
			for {
				select {
				case event := <-sub.queue:
					b.execute(sub, event)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryEventBus) execute(sub *subscription, event shared.Event) {
	start := time.Now()
	err := b.safeCall(sub.handler, event)
	duration := time.Since(start)

	b.metrics.RecordHandlerExecution(err == nil)

	if err != nil {
		b.logger.Error("handler error",
			"event_type", event.EventType(),
			"duration", duration,
			"error", err,
		)
	}
}

func (b *InMemoryEventBus) safeCall(handler shared.EventHandler, event shared.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrHandlerPanic
		}
	}()
	return handler(event)
}

// Close stops accepting events and waits until queued events are handled.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()

	b.logger.Info("event bus closed")
	return nil
}

// Metrics returns the current metrics.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics tracks event bus counters.
type EventBusMetrics struct {
	mu        sync.RWMutex
	published map[shared.EventType]int64

	handled  atomic.Int64
	failures atomic.Int64
	dropped  atomic.Int64
}

// NewEventBusMetrics creates new metrics tracker.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{
		published: make(map[shared.EventType]int64),
	}
}

// RecordPublish records a publish event.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[eventType]++
}

// RecordHandlerExecution records a handler execution.
func (m *EventBusMetrics) RecordHandlerExecution(success bool) {
	m.handled.Add(1)
	if !success {
		m.failures.Add(1)
	}
}

// RecordDrop records an event dropped on a full queue.
func (m *EventBusMetrics) RecordDrop() {
	m.dropped.Add(1)
}

// Snapshot returns a copy of current metrics.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	m.mu.RLock()
	byType := make(map[shared.EventType]int64, len(m.published))
	var total int64
	for k, v := range m.published {
		byType[k] = v
		total += v
	}
	m.mu.RUnlock()

	return EventBusMetricsSnapshot{
		TotalPublished:  total,
		PublishedByType: byType,
		HandlerExecs:    m.handled.Load(),
		HandlerFailures: m.failures.Load(),
		Dropped:         m.dropped.Load(),
	}
}

// EventBusMetricsSnapshot is a point-in-time snapshot of metrics.
type EventBusMetricsSnapshot struct {
	TotalPublished  int64                      `json:"total_published"`
	PublishedByType map[shared.EventType]int64 `json:"published_by_type"`
	HandlerExecs    int64                      `json:"handler_execs"`
	HandlerFailures int64                      `json:"handler_failures"`
	Dropped         int64                      `json:"dropped"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)
