package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const (
	// DefaultQueueSize is the number of events a Dispatcher buffers.
	DefaultQueueSize = 1024

	// DefaultPublishTimeout bounds one publish call.
	DefaultPublishTimeout = 5 * time.Second
)

// Dispatcher publishes events without making the caller wait.
//
// A single goroutine drains a bounded queue, so events dispatched by this
// process reach the bus in dispatch order. When the queue is full the event
// is dropped; publish errors are logged and counted. Neither ever reaches
// the caller.
type Dispatcher struct {
	bus     Bus
	topic   string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	queue  chan canvas.Event
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher that publishes to topic on b.
func NewDispatcher(b Bus, topic string, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		bus:     b,
		topic:   topic,
		timeout: DefaultPublishTimeout,
		logger:  logger.With("component", "dispatcher"),
		metrics: m,
		queue:   make(chan canvas.Event, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Dispatch queues ev for publishing and returns immediately.
func (d *Dispatcher) Dispatch(ev canvas.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping event", "intent", ev.Intent)
		return
	}

	select {
	case d.queue <- ev:
	default:
		d.metrics.PublishDroppedFull()
		d.logger.Warn("publish queue full, dropping event", "intent", ev.Intent)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.bus.Publish(ctx, d.topic, ev)
		cancel()
		if err != nil {
			d.metrics.PublishFailed()
			d.logger.Error("failed to publish event", "intent", ev.Intent, "topic", d.topic, "error", err)
		}
	}
}

// Close stops accepting events and waits until queued ones are published or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
