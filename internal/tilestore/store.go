// Package tilestore partitions the canvas into tiles and applies pixel writes
// to them: single-key updates, chunked bulk merges and wholesale overwrites.
//
// The store holds no tile contents itself. Every operation goes to a Backend
// (Redis in production, memory for local runs and tests) and every tile update
// is atomic at that layer, so no in-process lock guards tile state.
package tilestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const (
	// DefaultTileSize is the edge length of a tile in pixels.
	DefaultTileSize = 32

	// DefaultMaxBatchSize bounds the number of keys in one atomic tile update.
	DefaultMaxBatchSize = 100

	// DefaultConcurrency bounds concurrent tile writes across all bulk calls.
	DefaultConcurrency = 10
)

var (
	// ErrUpdateFailed wraps every backend failure surfaced to callers.
	ErrUpdateFailed = errors.New("tile update failed")

	// ErrTileNotFound is returned by Backend.UpdateTile for a tile that was never created.
	ErrTileNotFound = canvas.ErrTileNotFound
)

// Backend is the storage primitive set the Store drives.
// *canvas.Client and *MemoryBackend implement it.
type Backend interface {
	// InitTile creates an empty tile if absent. A tile created concurrently by
	// someone else is success, not error.
	InitTile(ctx context.Context, id canvas.TileID, lastModified int64) error
	// UpdateTile atomically sets the given keys in an existing tile, or returns ErrTileNotFound.
	UpdateTile(ctx context.Context, id canvas.TileID, pixels map[string]canvas.Pixel, lastModified int64) error
	// PutTile replaces a tile wholesale.
	PutTile(ctx context.Context, tile canvas.Tile) error
	DeleteTile(ctx context.Context, id canvas.TileID) error
	ListTileIDs(ctx context.Context) ([]canvas.TileID, error)
	// ReadTile returns an empty tile when it does not exist.
	ReadTile(ctx context.Context, id canvas.TileID) (*canvas.Tile, error)
}

// Config tunes a Store. Zero values fall back to the package defaults.
type Config struct {
	TileSize     int
	MaxBatchSize int
	Concurrency  int
}

// Store implements the canvas tile partitioning on top of a Backend.
type Store struct {
	backend      Backend
	tileSize     int
	maxBatchSize int
	sem          *semaphore.Weighted
	concurrency  int
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a Store over backend.
func New(backend Backend, cfg Config, logger *slog.Logger) *Store {
	if cfg.TileSize <= 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		backend:      backend,
		tileSize:     cfg.TileSize,
		maxBatchSize: cfg.MaxBatchSize,
		sem:          semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency:  cfg.Concurrency,
		logger:       logger.With("component", "tilestore"),
		now:          time.Now,
	}
}

// TileSize returns the configured tile edge length.
func (s *Store) TileSize() int {
	return s.tileSize
}

// GetCanvasState reads every tile and merges their pixels into one map keyed by "x_y".
//
// There is no global lock: tiles are read independently, so a write racing
// with the scan may or may not be visible. The result is a point-in-time,
// best-effort view, not an atomic one.
func (s *Store) GetCanvasState(ctx context.Context) (map[string]canvas.Pixel, error) {
	ids, err := s.backend.ListTileIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read canvas state: %w", err)
	}

	var mu sync.Mutex
	merged := make(map[string]canvas.Pixel)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			tile, err := s.backend.ReadTile(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			for key, p := range tile.Pixels {
				merged[key] = p
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read canvas state: %w", err)
	}
	return merged, nil
}

// UpdatePixel stores one pixel in its owning tile.
func (s *Store) UpdatePixel(ctx context.Context, p canvas.Pixel) (canvas.Pixel, error) {
	id := canvas.TileFor(p.X, p.Y, s.tileSize)
	if err := s.updateTile(ctx, id, map[string]canvas.Pixel{p.Key(): p}); err != nil {
		return canvas.Pixel{}, err
	}
	return p, nil
}

// BulkUpdateCanvas merges pixels into the canvas and returns how many were
// supplied. Entries repeating a coordinate are counted; the last one wins.
//
// Pixels are grouped by tile, then split into chunks of at most MaxBatchSize
// keys; each chunk is one atomic update. Chunks run concurrently, limited by a
// semaphore shared by every caller of this Store. No ordering is guaranteed
// between chunks of the same tile.
func (s *Store) BulkUpdateCanvas(ctx context.Context, pixels []canvas.Pixel) (int, error) {
	grouped := canvas.GroupByTile(pixels, s.tileSize)

	g, gctx := errgroup.WithContext(ctx)
	for id, members := range grouped {
		id := id
		for _, chunk := range chunkPixels(members, s.maxBatchSize) {
			chunk := chunk
			if err := s.sem.Acquire(gctx, 1); err != nil {
				// Context cancelled or an earlier chunk failed
				break
			}
			g.Go(func() error {
				defer s.sem.Release(1)
				return s.updateTile(gctx, id, chunk)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	return len(pixels), nil
}

// BulkOverwriteCanvas replaces the canvas contents with pixels.
//
// Each resulting tile is put wholesale, then any previously existing tile that
// is not part of the new set is deleted. This is not transactional across
// tiles: a failure part-way leaves some tiles replaced and others stale.
func (s *Store) BulkOverwriteCanvas(ctx context.Context, pixels []canvas.Pixel) error {
	existing, err := s.backend.ListTileIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	grouped := canvas.GroupByTile(pixels, s.tileSize)
	now := s.now().Unix()

	g, gctx := errgroup.WithContext(ctx)
	for id, members := range grouped {
		id, members := id, members
		if err := s.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			if err := s.backend.PutTile(gctx, canvas.Tile{ID: id, Pixels: members, LastModified: now}); err != nil {
				return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}

	for _, id := range existing {
		if _, kept := grouped[id]; kept {
			continue
		}
		if err := s.backend.DeleteTile(ctx, id); err != nil {
			return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
		}
	}

	s.logger.Info("canvas overwritten", "tiles_written", len(grouped), "pixels", len(pixels))
	return nil
}

// updateTile applies one atomic multi-key update, creating the tile first if needed.
//
// Initialization and update are two separate steps. If another writer creates
// the tile between them, InitTile is a no-op and the retry lands on the tile
// that writer created, so neither first write is lost.
func (s *Store) updateTile(ctx context.Context, id canvas.TileID, pixels map[string]canvas.Pixel) error {
	now := s.now().Unix()

	err := s.backend.UpdateTile(ctx, id, pixels, now)
	if errors.Is(err, ErrTileNotFound) {
		if err := s.backend.InitTile(ctx, id, now); err != nil {
			return fmt.Errorf("%w: tile %s: %w", ErrUpdateFailed, id, err)
		}
		err = s.backend.UpdateTile(ctx, id, pixels, now)
	}
	if err != nil {
		return fmt.Errorf("%w: tile %s: %w", ErrUpdateFailed, id, err)
	}
	return nil
}

// chunkPixels splits a tile's pixels into maps of at most size keys.
func chunkPixels(pixels map[string]canvas.Pixel, size int) []map[string]canvas.Pixel {
	chunks := make([]map[string]canvas.Pixel, 0, (len(pixels)+size-1)/size)
	current := make(map[string]canvas.Pixel, min(size, len(pixels)))
	for key, p := range pixels {
		current[key] = p
		if len(current) == size {
			chunks = append(chunks, current)
			current = make(map[string]canvas.Pixel, size)
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
