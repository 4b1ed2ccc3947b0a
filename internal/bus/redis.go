package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// RedisBus is the Redis Pub/Sub implementation of Bus.
type RedisBus struct {
	client *canvas.Client
	logger *slog.Logger
	closed atomic.Bool
	// closeClient is set when the bus owns the client connection.
	closeClient bool
}

// NewRedisBus creates a bus over client. When owned is true, Close also closes the client.
func NewRedisBus(client *canvas.Client, owned bool, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:      client,
		logger:      logger.With("component", "bus"),
		closeClient: owned,
	}
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic string, ev canvas.Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Intent, err)
	}
	return b.client.Publish(ctx, topic, payload)
}

// Subscribe implements Bus.
//
// The subscription is confirmed with Redis before any event is awaited.
// Malformed messages are logged and skipped; they never end the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}

	sub, err := b.client.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	defer sub.Close()

	b.logger.Info("subscribed", "topic", topic)

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription to " + topic + " terminated")
			}
			handler(ev)

		case err, ok := <-errs:
			if !ok {
				// Closed together with events; let the events case report it
				errs = nil
				continue
			}
			b.logger.Warn("skipping malformed event", "topic", topic, "error", err)
		}
	}
}

// Close implements Bus. Safe to call more than once.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.closeClient {
		return b.client.Close()
	}
	return nil
}
