// Package canvas provides the shared data model and Redis schema for the
// multi-user pixel canvas.
//
// # Overview
//
// The canvas is a fixed width x height grid of pixels. It is partitioned into
// square tiles, and each tile is an independently addressable, independently
// updatable record in Redis. Every server process reads and writes the same
// tiles and exchanges change events over a Redis Pub/Sub channel.
//
// # Core Concepts
//
// Pixels are immutable placements: a coordinate, a "#rrggbb" color, the author
// and a unix-seconds timestamp. A newer pixel at the same coordinate replaces
// the older one by arrival order at the store.
//
// Tiles own the pixels whose coordinates divide into them:
// (x div tileSize, y div tileSize). A tile that was never written is empty.
//
// Events describe one mutation (pixel, bulk_update, bulk_overwrite) or a
// heartbeat, and travel as {"intent": ..., "payload": ...} JSON.
//
// Snapshots are deep, point-in-time copies of the canvas: metadata plus one
// frozen copy of each non-empty tile.
//
// # Redis Schema
//
// All Redis keys follow the pattern: canvas:{instance_name}:{entity}:{id}
//
//	Tile metadata:      canvas:{instance_name}:tile:{tx}_{ty}
//	Tile pixels:        canvas:{instance_name}:tile:{tx}_{ty}:pixels
//	Tile index:         canvas:{instance_name}:tiles
//	Snapshot metadata:  canvas:{instance_name}:snapshot:{snapshot_id}
//	Snapshot index:     canvas:{instance_name}:snapshots
//	Snapshot tiles:     canvas:{instance_name}:snapshot:{snapshot_id}:tile:{tx}_{ty}
//
// Pub/Sub channels: canvas:{instance_name}:{topic}, e.g.
// canvas:{instance_name}:canvas_updates
//
// # Usage Example
//
//	client, err := canvas.NewClient(&redis.Options{Addr: "localhost:6379"}, "main")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	id := canvas.TileFor(130, 7, 64) // {2 0}
//	if err := client.InitTile(ctx, id, time.Now().Unix()); err != nil {
//		log.Fatal(err)
//	}
package canvas
