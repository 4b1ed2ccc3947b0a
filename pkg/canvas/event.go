package canvas

import (
	"encoding/json"
	"fmt"
)

// Intent tags the kind of change carried by an Event.
type Intent string

const (
	// IntentPixel carries a single placed pixel
	IntentPixel Intent = "pixel"

	// IntentBulkUpdate carries a batch merged into the canvas by one author
	IntentBulkUpdate Intent = "bulk_update"

	// IntentBulkOverwrite carries the complete replacement contents of the canvas
	IntentBulkOverwrite Intent = "bulk_overwrite"

	// IntentHeartbeat keeps the pub/sub link and client connections alive
	IntentHeartbeat Intent = "heartbeat"
)

// Event is a transient change message broadcast to every viewer.
// Only the fields relevant to Intent are set. Events are never persisted.
type Event struct {
	Intent   Intent
	Pixel    *Pixel           // IntentPixel
	Pixels   map[string]Pixel // IntentBulkUpdate, IntentBulkOverwrite
	AuthorID string           // IntentBulkUpdate
	SentAt   int64            // IntentHeartbeat, unix seconds
}

// PixelPlaced builds a pixel event.
func PixelPlaced(p Pixel) Event {
	return Event{Intent: IntentPixel, Pixel: &p}
}

// BulkUpdated builds a bulk_update event.
func BulkUpdated(pixels map[string]Pixel, authorID string) Event {
	return Event{Intent: IntentBulkUpdate, Pixels: pixels, AuthorID: authorID}
}

// BulkOverwritten builds a bulk_overwrite event.
func BulkOverwritten(pixels map[string]Pixel) Event {
	return Event{Intent: IntentBulkOverwrite, Pixels: pixels}
}

// Heartbeat builds a heartbeat event.
func Heartbeat(sentAt int64) Event {
	return Event{Intent: IntentHeartbeat, SentAt: sentAt}
}

// IsHeartbeat reports whether the event carries no canvas data.
func (e Event) IsHeartbeat() bool {
	return e.Intent == IntentHeartbeat
}

type envelope struct {
	Intent  Intent          `json:"intent"`
	Payload json.RawMessage `json:"payload"`
}

type bulkPayload struct {
	Pixels   map[string]Pixel `json:"pixels"`
	AuthorID string           `json:"user_id,omitempty"`
}

type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// MarshalJSON encodes the event as {"intent": ..., "payload": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Intent {
	case IntentPixel:
		if e.Pixel == nil {
			return nil, fmt.Errorf("pixel event without pixel")
		}
		payload = e.Pixel
	case IntentBulkUpdate, IntentBulkOverwrite:
		pixels := e.Pixels
		if pixels == nil {
			pixels = map[string]Pixel{}
		}
		payload = bulkPayload{Pixels: pixels, AuthorID: e.AuthorID}
	case IntentHeartbeat:
		payload = heartbeatPayload{Timestamp: e.SentAt}
	default:
		return nil, fmt.Errorf("unknown event intent %q", e.Intent)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Intent: e.Intent, Payload: raw})
}

// UnmarshalJSON decodes the {"intent": ..., "payload": ...} form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	out := Event{Intent: env.Intent}
	switch env.Intent {
	case IntentPixel:
		var p Pixel
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal pixel payload: %w", err)
		}
		out.Pixel = &p
	case IntentBulkUpdate, IntentBulkOverwrite:
		var b bulkPayload
		if err := json.Unmarshal(env.Payload, &b); err != nil {
			return fmt.Errorf("failed to unmarshal %s payload: %w", env.Intent, err)
		}
		out.Pixels = b.Pixels
		out.AuthorID = b.AuthorID
	case IntentHeartbeat:
		var h heartbeatPayload
		if len(env.Payload) > 0 && string(env.Payload) != "null" {
			if err := json.Unmarshal(env.Payload, &h); err != nil {
				return fmt.Errorf("failed to unmarshal heartbeat payload: %w", err)
			}
		}
		out.SentAt = h.Timestamp
	default:
		return fmt.Errorf("unknown event intent %q", env.Intent)
	}

	*e = out
	return nil
}
