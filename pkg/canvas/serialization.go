package canvas

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// A tile's pixels live in their own hash: one field per "x_y" key holding the
// JSON-encoded pixel. Setting one field is a single atomic HSET, which is what
// makes per-pixel updates independent of each other.

// PixelFields converts pixels into HSET field/value pairs.
func PixelFields(pixels map[string]Pixel) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(pixels))
	for key, p := range pixels {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pixel %s: %w", key, err)
		}
		fields[key] = string(raw)
	}
	return fields, nil
}

// FieldsToPixels converts an HGETALL result back into pixels.
func FieldsToPixels(hash map[string]string) (map[string]Pixel, error) {
	pixels := make(map[string]Pixel, len(hash))
	for key, raw := range hash {
		var p Pixel
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pixel %s: %w", key, err)
		}
		pixels[key] = p
	}
	return pixels, nil
}

// SnapshotToHash converts snapshot metadata into a Redis hash.
func SnapshotToHash(m *SnapshotMeta) map[string]interface{} {
	return map[string]interface{}{
		"snapshot_id":   m.ID,
		"image_key":     m.ImageKey,
		"thumbnail_key": m.ThumbnailKey,
		"canvas_width":  m.Width,
		"canvas_height": m.Height,
		"created_at_ms": m.CreatedAtMs,
	}
}

// HashToSnapshot converts a Redis hash back into snapshot metadata.
func HashToSnapshot(hash map[string]string) (*SnapshotMeta, error) {
	width, err := strconv.Atoi(hash["canvas_width"])
	if err != nil {
		return nil, fmt.Errorf("invalid canvas_width field: %w", err)
	}
	height, err := strconv.Atoi(hash["canvas_height"])
	if err != nil {
		return nil, fmt.Errorf("invalid canvas_height field: %w", err)
	}
	createdAtMs, err := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at_ms field: %w", err)
	}

	return &SnapshotMeta{
		ID:           hash["snapshot_id"],
		ImageKey:     hash["image_key"],
		ThumbnailKey: hash["thumbnail_key"],
		Width:        width,
		Height:       height,
		CreatedAtMs:  createdAtMs,
	}, nil
}
