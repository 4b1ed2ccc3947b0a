package bus

import (
	"context"
	"sync"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// memoryBuffer is the per-subscriber queue. A subscriber that falls this far
// behind loses events, matching Redis Pub/Sub.
const memoryBuffer = 64

// MemoryBus is an in-process Bus for single-process deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan canvas.Event]struct{}
	closed bool
	done   chan struct{}
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[chan canvas.Event]struct{}),
		done: make(chan struct{}),
	}
}

// Publish implements Bus. It never blocks on slow subscribers.
func (b *MemoryBus) Publish(_ context.Context, topic string, ev canvas.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ch := make(chan canvas.Event, memoryBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan canvas.Event]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[topic], ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return ErrClosed
		case ev := <-ch:
			handler(ev)
		}
	}
}

// Subscribers returns the number of active subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close implements Bus. Safe to call more than once.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
