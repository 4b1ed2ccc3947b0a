package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTileNotFound is returned by UpdateTile when the tile record does not exist yet.
	ErrTileNotFound = errors.New("tile not found")

	// ErrNotFound is the storage-agnostic not-found error. IsNotFound also accepts redis.Nil.
	ErrNotFound = errors.New("not found")
)

// updateTileScript applies a multi-field update to an existing tile atomically.
// It refuses to create the tile: creation is a separate, conditional step.
//
// KEYS[1] tile meta hash, KEYS[2] tile pixel hash
// ARGV[1] last_modified, ARGV[2..] field/value pairs
var updateTileScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'last_modified', ARGV[1])
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
return 1
`)

// Client provides instance-scoped Redis operations for the canvas.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new canvas client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: canvas instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the namespace this client writes under.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InitTile creates an empty tile record if none exists.
// HSETNX makes this a create-if-absent: when a concurrent writer created the
// tile first, nothing is overwritten and no error is returned.
func (c *Client) InitTile(ctx context.Context, id TileID, lastModified int64) error {
	key := TileKey(c.instanceName, id)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "tile_x", id.X)
		pipe.HSetNX(ctx, key, "tile_y", id.Y)
		pipe.HSetNX(ctx, key, "last_modified", lastModified)
		pipe.SAdd(ctx, TileIndexKey(c.instanceName), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tile %s: %w", id, err)
	}
	return nil
}

// UpdateTile sets the given pixel keys in an existing tile as one atomic step.
// Returns ErrTileNotFound if the tile record has not been created yet.
func (c *Client) UpdateTile(ctx context.Context, id TileID, pixels map[string]Pixel, lastModified int64) error {
	fields, err := PixelFields(pixels)
	if err != nil {
		return err
	}

	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, lastModified)
	for key, value := range fields {
		args = append(args, key, value)
	}

	keys := []string{TileKey(c.instanceName, id), TilePixelsKey(c.instanceName, id)}
	applied, err := updateTileScript.Run(ctx, c.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update tile %s: %w", id, err)
	}
	if applied == 0 {
		return ErrTileNotFound
	}
	return nil
}

// PutTile replaces a tile's contents wholesale (full replacement, not merge).
func (c *Client) PutTile(ctx context.Context, tile Tile) error {
	fields, err := PixelFields(tile.Pixels)
	if err != nil {
		return err
	}

	metaKey := TileKey(c.instanceName, tile.ID)
	pixelsKey := TilePixelsKey(c.instanceName, tile.ID)

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, pixelsKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, pixelsKey, fields)
		}
		pipe.HSet(ctx, metaKey, "tile_x", tile.ID.X, "tile_y", tile.ID.Y, "last_modified", tile.LastModified)
		pipe.SAdd(ctx, TileIndexKey(c.instanceName), tile.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put tile %s: %w", tile.ID, err)
	}
	return nil
}

// DeleteTile removes a tile record and its pixels.
func (c *Client) DeleteTile(ctx context.Context, id TileID) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, TileKey(c.instanceName, id), TilePixelsKey(c.instanceName, id))
		pipe.SRem(ctx, TileIndexKey(c.instanceName), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete tile %s: %w", id, err)
	}
	return nil
}

// ListTileIDs returns every tile that has been created.
func (c *Client) ListTileIDs(ctx context.Context) ([]TileID, error) {
	members, err := c.rdb.SMembers(ctx, TileIndexKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles: %w", err)
	}

	ids := make([]TileID, 0, len(members))
	for _, m := range members {
		id, err := ParseTileID(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt tile index entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadTile reads one tile. A tile that does not exist is returned empty.
func (c *Client) ReadTile(ctx context.Context, id TileID) (*Tile, error) {
	var lastModified *redis.StringCmd
	var pixels *redis.MapStringStringCmd

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		lastModified = pipe.HGet(ctx, TileKey(c.instanceName, id), "last_modified")
		pixels = pipe.HGetAll(ctx, TilePixelsKey(c.instanceName, id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read tile %s: %w", id, err)
	}

	decoded, err := FieldsToPixels(pixels.Val())
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize tile %s: %w", id, err)
	}

	// Missing field yields "" which parses to 0
	lm, _ := strconv.ParseInt(lastModified.Val(), 10, 64)

	return &Tile{ID: id, Pixels: decoded, LastModified: lm}, nil
}

// Publish sends a raw payload on the instance-scoped topic channel.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.rdb.Publish(ctx, TopicChannel(c.instanceName, topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to canvas events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded events.
// The channel is closed when the subscription ends for any reason.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors are non-fatal decoding failures; the offending message is skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe subscribes to a topic for this instance.
// The subscription is confirmed with Redis before returning, so a Redis outage
// surfaces here rather than as a silently idle channel.
//
// Events are delivered on a buffered channel (size 64). Redis Pub/Sub is
// at-most-once: a slow subscriber may miss messages.
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, TopicChannel(c.instanceName, topic))

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	eventsChan := make(chan Event, 64)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal canvas event: %w", err):
					case <-subCtx.Done():
						return
					default:
						// Nobody is draining errors; drop rather than stall delivery
					}
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SnapshotSeqBits is the width of the per-millisecond sequence in a snapshot
// index score. Scores stay exact float64 integers until the year 2248.
const SnapshotSeqBits = 10

const maxSnapshotSeq = 1<<SnapshotSeqBits - 1

// snapshotScore orders by creation time, then by insertion within a millisecond.
func snapshotScore(createdAtMs, seq int64) float64 {
	seq = min(seq, maxSnapshotSeq)
	return float64(createdAtMs<<SnapshotSeqBits | seq)
}

// CreateSnapshot writes snapshot metadata and indexes it by creation time.
func (c *Client) CreateSnapshot(ctx context.Context, meta *SnapshotMeta) error {
	seqKey := SnapshotSeqKey(c.instanceName, meta.CreatedAtMs)
	var seq *redis.IntCmd
	if _, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		seq = pipe.Incr(ctx, seqKey)
		pipe.Expire(ctx, seqKey, time.Minute)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to sequence snapshot %s: %w", meta.ID, err)
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, SnapshotKey(c.instanceName, meta.ID), SnapshotToHash(meta))
		pipe.ZAdd(ctx, SnapshotIndexKey(c.instanceName), redis.Z{
			Score:  snapshotScore(meta.CreatedAtMs, seq.Val()),
			Member: meta.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", meta.ID, err)
	}
	return nil
}

// PutSnapshotTiles writes the frozen tiles of a snapshot. Empty tiles are skipped.
func (c *Client) PutSnapshotTiles(ctx context.Context, snapshotID string, tiles []SnapshotTile) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tiles {
			if len(t.Pixels) == 0 {
				continue
			}
			fields, err := PixelFields(t.Pixels)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, SnapshotTileKey(c.instanceName, snapshotID, t.TileID), fields)
			pipe.SAdd(ctx, SnapshotTileIndexKey(c.instanceName, snapshotID), t.TileID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write tiles for snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// GetSnapshot retrieves snapshot metadata by ID.
// Returns (nil, redis.Nil) if the snapshot doesn't exist. Use IsNotFound() to check.
func (c *Client) GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotMeta, error) {
	hash, err := c.rdb.HGetAll(ctx, SnapshotKey(c.instanceName, snapshotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	meta, err := HashToSnapshot(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize snapshot: %w", err)
	}
	return meta, nil
}

// GetSnapshotTiles retrieves every frozen tile of a snapshot.
func (c *Client) GetSnapshotTiles(ctx context.Context, snapshotID string) ([]SnapshotTile, error) {
	members, err := c.rdb.SMembers(ctx, SnapshotTileIndexKey(c.instanceName, snapshotID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot tiles: %w", err)
	}

	ids := make([]TileID, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			id, err := ParseTileID(m)
			if err != nil {
				return fmt.Errorf("corrupt snapshot tile index entry: %w", err)
			}
			ids = append(ids, id)
			cmds = append(cmds, pipe.HGetAll(ctx, SnapshotTileKey(c.instanceName, snapshotID, id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot tiles: %w", err)
	}

	tiles := make([]SnapshotTile, 0, len(ids))
	for i, id := range ids {
		pixels, err := FieldsToPixels(cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize snapshot tile %s: %w", id, err)
		}
		tiles = append(tiles, SnapshotTile{SnapshotID: snapshotID, TileID: id, Pixels: pixels})
	}
	return tiles, nil
}

// ListSnapshots returns snapshot metadata newest first.
func (c *Client) ListSnapshots(ctx context.Context, limit, offset int) ([]SnapshotMeta, error) {
	if limit <= 0 {
		return []SnapshotMeta{}, nil
	}
	ids, err := c.rdb.ZRevRange(ctx, SnapshotIndexKey(c.instanceName), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return c.snapshotsByID(ctx, ids, false)
}

// OldestSnapshots returns up to n snapshots, oldest first.
// Index entries whose metadata is gone are still returned (ID only) so they can be purged.
func (c *Client) OldestSnapshots(ctx context.Context, n int) ([]SnapshotMeta, error) {
	if n <= 0 {
		return []SnapshotMeta{}, nil
	}
	ids, err := c.rdb.ZRange(ctx, SnapshotIndexKey(c.instanceName), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list oldest snapshots: %w", err)
	}
	return c.snapshotsByID(ctx, ids, true)
}

// CountSnapshots returns the number of indexed snapshots.
func (c *Client) CountSnapshots(ctx context.Context) (int, error) {
	n, err := c.rdb.ZCard(ctx, SnapshotIndexKey(c.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return int(n), nil
}

// DeleteSnapshot removes a snapshot's metadata, index entry and frozen tiles.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	tileIndex := SnapshotTileIndexKey(c.instanceName, snapshotID)
	members, err := c.rdb.SMembers(ctx, tileIndex).Result()
	if err != nil {
		return fmt.Errorf("failed to list snapshot tiles: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			id, err := ParseTileID(m)
			if err != nil {
				continue
			}
			pipe.Del(ctx, SnapshotTileKey(c.instanceName, snapshotID, id))
		}
		pipe.Del(ctx, tileIndex, SnapshotKey(c.instanceName, snapshotID))
		pipe.ZRem(ctx, SnapshotIndexKey(c.instanceName), snapshotID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}

func (c *Client) snapshotsByID(ctx context.Context, ids []string, keepDangling bool) ([]SnapshotMeta, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, SnapshotKey(c.instanceName, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	metas := make([]SnapshotMeta, 0, len(ids))
	for i, id := range ids {
		hash := cmds[i].Val()
		if len(hash) == 0 {
			if keepDangling {
				metas = append(metas, SnapshotMeta{ID: id})
			}
			continue
		}
		meta, err := HashToSnapshot(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize snapshot %s: %w", id, err)
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// IsNotFound returns true for redis.Nil and ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound)
}
