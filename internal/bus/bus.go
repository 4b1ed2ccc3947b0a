// Package bus carries canvas change events between server processes.
//
// Delivery is at-most-once and best-effort, in roughly publish order per
// publisher. Consumers must tolerate a subscription failing or ending at any time.
package bus

import (
	"context"
	"errors"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler is invoked once per received event.
type Handler func(canvas.Event)

// Bus is the change bus capability used by the canvas service and the fanout manager.
type Bus interface {
	// Publish sends ev to every subscriber of topic, in any process.
	Publish(ctx context.Context, topic string, ev canvas.Event) error

	// Subscribe delivers events on topic to handler until ctx is cancelled, in
	// which case it returns nil, or the subscription fails or terminates, in
	// which case it returns an error. It blocks for the life of the subscription.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close releases the bus. Active subscriptions end.
	Close() error
}
