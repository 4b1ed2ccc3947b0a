package canvas

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several canvases can share one Redis server.
//
// Key pattern: canvas:{instance_name}:{entity}:{id}
// Channel pattern: canvas:{instance_name}:{topic}

// UpdatesTopic is the topic every canvas change and heartbeat is published on.
const UpdatesTopic = "canvas_updates"

// TileKey returns the Redis key for a tile's metadata hash.
// Pattern: canvas:{instance_name}:tile:{tx}_{ty}
func TileKey(instanceName string, id TileID) string {
	return fmt.Sprintf("canvas:%s:tile:%s", instanceName, id)
}

// TilePixelsKey returns the Redis key for a tile's pixel hash.
// Pattern: canvas:{instance_name}:tile:{tx}_{ty}:pixels
func TilePixelsKey(instanceName string, id TileID) string {
	return fmt.Sprintf("canvas:%s:tile:%s:pixels", instanceName, id)
}

// TileIndexKey returns the Redis key for the set of existing tile ids.
// Pattern: canvas:{instance_name}:tiles
func TileIndexKey(instanceName string) string {
	return fmt.Sprintf("canvas:%s:tiles", instanceName)
}

// SnapshotKey returns the Redis key for a snapshot's metadata hash.
// Pattern: canvas:{instance_name}:snapshot:{snapshot_id}
func SnapshotKey(instanceName, snapshotID string) string {
	return fmt.Sprintf("canvas:%s:snapshot:%s", instanceName, snapshotID)
}

// SnapshotIndexKey returns the Redis key for the snapshot ZSET.
// The score is created_at_ms shifted left by SnapshotSeqBits plus a
// per-millisecond sequence, so snapshots sharing a millisecond keep their
// insertion order.
// Pattern: canvas:{instance_name}:snapshots
func SnapshotIndexKey(instanceName string) string {
	return fmt.Sprintf("canvas:%s:snapshots", instanceName)
}

// SnapshotSeqKey returns the short-lived counter that orders snapshots created
// in the same millisecond.
// Pattern: canvas:{instance_name}:snapshot_seq:{created_at_ms}
func SnapshotSeqKey(instanceName string, createdAtMs int64) string {
	return fmt.Sprintf("canvas:%s:snapshot_seq:%d", instanceName, createdAtMs)
}

// SnapshotTileIndexKey returns the Redis key for the set of tiles in a snapshot.
// Pattern: canvas:{instance_name}:snapshot:{snapshot_id}:tiles
func SnapshotTileIndexKey(instanceName, snapshotID string) string {
	return fmt.Sprintf("canvas:%s:snapshot:%s:tiles", instanceName, snapshotID)
}

// SnapshotTileKey returns the Redis key for one frozen tile of a snapshot.
// Pattern: canvas:{instance_name}:snapshot:{snapshot_id}:tile:{tx}_{ty}
func SnapshotTileKey(instanceName, snapshotID string, id TileID) string {
	return fmt.Sprintf("canvas:%s:snapshot:%s:tile:%s", instanceName, snapshotID, id)
}

// TopicChannel returns the Pub/Sub channel name for a topic.
// Pattern: canvas:{instance_name}:{topic}
func TopicChannel(instanceName, topic string) string {
	return fmt.Sprintf("canvas:%s:%s", instanceName, topic)
}
