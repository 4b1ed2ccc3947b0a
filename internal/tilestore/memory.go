package tilestore

import (
	"context"
	"maps"
	"sync"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// MemoryBackend keeps tiles in process memory.
// It is used for single-process runs and tests; each method is atomic under one mutex.
type MemoryBackend struct {
	mu    sync.Mutex
	tiles map[canvas.TileID]*canvas.Tile
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tiles: make(map[canvas.TileID]*canvas.Tile)}
}

func (m *MemoryBackend) InitTile(_ context.Context, id canvas.TileID, lastModified int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tiles[id]; !exists {
		m.tiles[id] = &canvas.Tile{ID: id, Pixels: make(map[string]canvas.Pixel), LastModified: lastModified}
	}
	return nil
}

func (m *MemoryBackend) UpdateTile(_ context.Context, id canvas.TileID, pixels map[string]canvas.Pixel, lastModified int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tile, exists := m.tiles[id]
	if !exists {
		return ErrTileNotFound
	}
	maps.Copy(tile.Pixels, pixels)
	tile.LastModified = lastModified
	return nil
}

func (m *MemoryBackend) PutTile(_ context.Context, tile canvas.Tile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tiles[tile.ID] = &canvas.Tile{ID: tile.ID, Pixels: maps.Clone(tile.Pixels), LastModified: tile.LastModified}
	if m.tiles[tile.ID].Pixels == nil {
		m.tiles[tile.ID].Pixels = make(map[string]canvas.Pixel)
	}
	return nil
}

func (m *MemoryBackend) DeleteTile(_ context.Context, id canvas.TileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tiles, id)
	return nil
}

func (m *MemoryBackend) ListTileIDs(_ context.Context) ([]canvas.TileID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]canvas.TileID, 0, len(m.tiles))
	for id := range m.tiles {
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadTile returns a copy; callers never share the stored map.
func (m *MemoryBackend) ReadTile(_ context.Context, id canvas.TileID) (*canvas.Tile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tile, exists := m.tiles[id]
	if !exists {
		return &canvas.Tile{ID: id, Pixels: make(map[string]canvas.Pixel)}, nil
	}
	return &canvas.Tile{ID: id, Pixels: maps.Clone(tile.Pixels), LastModified: tile.LastModified}, nil
}
