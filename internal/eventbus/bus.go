// Package eventbus provides the typed publish/subscribe dispatcher that
// fans events out to handlers for every other component in the runtime.
// Producers (market-data ingress, the adapter, the Hub) call Put from their
// own goroutines; a small pool of dispatch goroutines drains the queue and
// invokes handlers.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topic identifies the kind of event flowing through the bus.
type Topic string

const (
	TopicBar           Topic = "bar"
	TopicTick          Topic = "tick"
	TopicOrder         Topic = "order"
	TopicTrade         Topic = "trade"
	TopicPosition      Topic = "position"
	TopicAccount       Topic = "account"
	TopicContract      Topic = "contract"
	TopicQuote         Topic = "quote"
	TopicLog           Topic = "log"
	TopicOrderRequest  Topic = "order.req"
	TopicCancelRequest Topic = "cancel.req"
	TopicModifyRequest Topic = "modify.req"
	TopicCommand       Topic = "command"
	TopicTimer         Topic = "timer"
)

// Event is a single message travelling through the bus: a topic tag plus an
// opaque, value-copied payload. Handlers type-assert Data to the concrete
// type they expect for their topic.
type Event struct {
	Topic     Topic
	Data      interface{}
	Timestamp time.Time
}

// Handler processes one event. Handlers must not block indefinitely: long
// work (log file scans, network I/O) belongs on the caller's own goroutine,
// not the bus worker.
type Handler func(Event)

// handlerEntry pairs a handler with an identity token so Unregister can find
// it again; function values are not comparable in Go, so callers that want
// idempotent unregistration pass the same token back.
type handlerEntry struct {
	token   interface{}
	handler Handler
}

// Config tunes the bus's dispatch concurrency and queue depth.
type Config struct {
	// NumWorkers is the number of dispatch goroutines draining the queue.
	// Defaults to 1 so that handlers for a single topic run strictly in
	// FIFO, registration order. Raising it trades that ordering guarantee
	// for throughput.
	NumWorkers int
	// BufferSize is the event channel's buffer depth.
	BufferSize int
}

// DefaultConfig returns the single-worker configuration that preserves
// per-topic FIFO delivery.
func DefaultConfig() Config {
	return Config{NumWorkers: 1, BufferSize: 100000}
}

// Stats is a snapshot of bus throughput and latency counters.
type Stats struct {
	EventsPublished  int64
	EventsProcessed  int64
	EventsDropped    int64
	ProcessingErrors int64
	AvgLatencyNs     int64
	MaxLatencyNs     int64
	P99LatencyNs     int64
}

// Bus is the central event routing system.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]handlerEntry

	eventChan   chan Event
	workerCount int

	eventsPublished  atomic.Int64
	eventsProcessed  atomic.Int64
	eventsDropped    atomic.Int64
	processingErrors atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New constructs a Bus and starts its dispatch goroutines.
func New(logger *zap.Logger, cfg Config) *Bus {
	workerCount := cfg.NumWorkers
	if workerCount <= 0 {
		workerCount = 1
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100000
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers:    make(map[Topic][]handlerEntry),
		eventChan:   make(chan Event, bufferSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		latencies:   make([]int64, 0, 10000),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	b.logger.Info("event bus started",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.eventChan:
			start := time.Now()
			b.dispatch(evt)
			b.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	entries := b.handlers[evt.Topic]
	// copy so handlers registering/unregistering mid-dispatch don't race
	// the slice we're ranging over.
	ordered := make([]handlerEntry, len(entries))
	copy(ordered, entries)
	b.mu.RUnlock()

	for _, entry := range ordered {
		b.invoke(entry, evt)
	}
	b.eventsProcessed.Add(1)
}

// invoke runs a single handler with panic recovery: a handler exception
// must never terminate the dispatch goroutine.
func (b *Bus) invoke(entry handlerEntry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.processingErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.String("topic", string(evt.Topic)),
				zap.Any("panic", r),
			)
		}
	}()
	entry.handler(evt)
}

func (b *Bus) trackLatency(ns int64) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()

	b.latencies = append(b.latencies, ns)
	if len(b.latencies) > 10000 {
		b.latencies = b.latencies[5000:]
	}

	if ns > b.maxLatency.Load() {
		b.maxLatency.Store(ns)
	}
	prev := b.avgLatency.Load()
	b.avgLatency.Store((prev*99 + ns) / 100)
}

// Register adds a handler for a topic. token identifies the handler for a
// later Unregister call; pass the same token to make Unregister idempotent.
func (b *Bus) Register(topic Topic, token interface{}, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{token: token, handler: handler})
}

// Unregister removes the handler registered under token for topic, if any.
// Calling it again with the same token is a no-op.
func (b *Bus) Unregister(topic Topic, token interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[topic]
	for i, entry := range entries {
		if entry.token == token {
			b.handlers[topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Put enqueues an event for dispatch. Non-blocking: if the buffer is full
// the event is dropped and counted, since producers are expected to be
// bounded by market-data rate and the bus offers no back-pressure signal.
func (b *Bus) Put(topic Topic, data interface{}) {
	evt := Event{Topic: topic, Data: data, Timestamp: time.Now()}
	select {
	case b.eventChan <- evt:
		b.eventsPublished.Add(1)
	default:
		b.eventsDropped.Add(1)
		b.logger.Warn("event dropped, queue full", zap.String("topic", string(topic)))
	}
}

// PutSync dispatches an event synchronously on the caller's
// goroutine, bypassing the queue. Used by tests and by call sites that need
// to observe side effects before returning.
func (b *Bus) PutSync(topic Topic, data interface{}) {
	evt := Event{Topic: topic, Data: data, Timestamp: time.Now()}
	b.eventsPublished.Add(1)
	b.dispatch(evt)
}

// StartTimer fans out a TopicTimer event every interval until the bus is
// stopped.
func (b *Bus) StartTimer(interval time.Duration) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-b.ctx.Done():
				return
			case t := <-ticker.C:
				b.Put(TopicTimer, t)
			}
		}
	}()
}

// Stats returns a snapshot of current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:  b.eventsPublished.Load(),
		EventsProcessed:  b.eventsProcessed.Load(),
		EventsDropped:    b.eventsDropped.Load(),
		ProcessingErrors: b.processingErrors.Load(),
		AvgLatencyNs:     b.avgLatency.Load(),
		MaxLatencyNs:     b.maxLatency.Load(),
		P99LatencyNs:     b.p99LatencyNs(),
	}
}

func (b *Bus) p99LatencyNs() int64 {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := make([]int64, len(b.latencies))
	copy(sorted, b.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop shuts the bus down, waiting up to 5s for in-flight dispatch to drain.
func (b *Bus) Stop() {
	b.logger.Info("stopping event bus")
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped",
			zap.Int64("events_processed", b.eventsProcessed.Load()),
			zap.Int64("events_dropped", b.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus stop timed out")
	}
}
