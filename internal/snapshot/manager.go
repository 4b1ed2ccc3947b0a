// Package snapshot materializes the live canvas into immutable, versioned
// snapshots and restores the canvas from them.
//
// A snapshot is metadata, a rendered image with its thumbnail, and a deep copy
// of every non-empty tile. It shares no storage with the live canvas.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const (
	// DefaultMaxSnapshots is the retention cap when none is configured.
	DefaultMaxSnapshots = 100

	// DefaultListLimit and MaxListLimit bound List page sizes.
	DefaultListLimit = 50
	MaxListLimit     = 100

	keyTimeFormat = "20060102_150405"
)

// ErrNotFound is returned for an unknown snapshot ID.
var ErrNotFound = errors.New("snapshot not found")

// Repository persists snapshot metadata and frozen tiles.
// *canvas.Client and *SQLiteRepository implement it. Lookups of unknown IDs
// return an error for which canvas.IsNotFound is true.
type Repository interface {
	CreateSnapshot(ctx context.Context, meta *canvas.SnapshotMeta) error
	PutSnapshotTiles(ctx context.Context, snapshotID string, tiles []canvas.SnapshotTile) error
	GetSnapshot(ctx context.Context, snapshotID string) (*canvas.SnapshotMeta, error)
	GetSnapshotTiles(ctx context.Context, snapshotID string) ([]canvas.SnapshotTile, error)
	ListSnapshots(ctx context.Context, limit, offset int) ([]canvas.SnapshotMeta, error)
	OldestSnapshots(ctx context.Context, n int) ([]canvas.SnapshotMeta, error)
	CountSnapshots(ctx context.Context) (int, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}

// BlobStore stores rendered images. *blob.LocalStore implements it.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// CanvasReader reads the live canvas. Snapshots read the tile store directly,
// not the event stream.
type CanvasReader interface {
	GetCanvasState(ctx context.Context) (map[string]canvas.Pixel, error)
}

// Overwriter replaces the live canvas and broadcasts the change.
type Overwriter interface {
	BulkOverwrite(ctx context.Context, pixels map[string]canvas.Pixel) error
}

// Config configures a Manager.
type Config struct {
	// MaxSnapshots caps how many snapshots are kept. Zero or less disables retention.
	MaxSnapshots  int
	Width         int
	Height        int
	TileSize      int
	ThumbnailSize int
}

// Info is the public view of a snapshot, without pixel payload.
type Info struct {
	ID           string    `json:"snapshot_id"`
	ImageURL     string    `json:"image_url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Width        int       `json:"canvas_width"`
	Height       int       `json:"canvas_height"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot is a snapshot with its reconstructed pixels.
type Snapshot struct {
	Info
	Pixels map[string]canvas.Pixel `json:"pixels"`
}

// Page is one page of List results, newest first.
type Page struct {
	Snapshots []Info `json:"snapshots"`
	Total     int    `json:"total"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

// Manager creates, lists, restores and prunes snapshots.
type Manager struct {
	cfg     Config
	repo    Repository
	blobs   BlobStore
	reader  CanvasReader
	writer  Overwriter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config, repo Repository, blobs BlobStore, reader CanvasReader, overwriter Overwriter, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = DefaultThumbnailSize
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		repo:    repo,
		blobs:   blobs,
		reader:  reader,
		writer:  overwriter,
		logger:  logger.With("component", "snapshot"),
		metrics: m,
		now:     time.Now,
	}
}

// Create captures the current canvas.
//
// Retention runs first: when the cap is reached, the oldest snapshots are
// removed until there is room for the new one. Each removal is best-effort
// and never blocks creation.
func (m *Manager) Create(ctx context.Context) (*Info, error) {
	m.enforceRetention(ctx)

	pixels, err := m.reader.GetCanvasState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read canvas: %w", err)
	}

	now := m.now()
	id := uuid.New().String()
	base := fmt.Sprintf("snapshots/%s_%s", id, now.Format(keyTimeFormat))
	meta := &canvas.SnapshotMeta{
		ID:           id,
		ImageKey:     base + ".png",
		ThumbnailKey: base + "_thumb.png",
		Width:        m.cfg.Width,
		Height:       m.cfg.Height,
		CreatedAtMs:  now.UnixMilli(),
	}

	img := Render(pixels, m.cfg.Width, m.cfg.Height)
	full, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	thumb, err := EncodePNG(Thumbnail(img, m.cfg.ThumbnailSize))
	if err != nil {
		return nil, err
	}

	if err := m.blobs.Put(ctx, meta.ImageKey, full, "image/png"); err != nil {
		return nil, fmt.Errorf("failed to upload snapshot image: %w", err)
	}
	if err := m.blobs.Put(ctx, meta.ThumbnailKey, thumb, "image/png"); err != nil {
		m.deleteImages(ctx, meta)
		return nil, fmt.Errorf("failed to upload snapshot thumbnail: %w", err)
	}

	if err := m.repo.CreateSnapshot(ctx, meta); err != nil {
		m.deleteImages(ctx, meta)
		return nil, err
	}

	// Membership is re-derived from coordinates, not copied from live tile records
	grouped := make(map[canvas.TileID]map[string]canvas.Pixel)
	for _, p := range pixels {
		tid := canvas.TileFor(p.X, p.Y, m.cfg.TileSize)
		if grouped[tid] == nil {
			grouped[tid] = make(map[string]canvas.Pixel)
		}
		grouped[tid][p.Key()] = p
	}
	tiles := make([]canvas.SnapshotTile, 0, len(grouped))
	for tid, members := range grouped {
		tiles = append(tiles, canvas.SnapshotTile{SnapshotID: id, TileID: tid, Pixels: members})
	}
	if err := m.repo.PutSnapshotTiles(ctx, id, tiles); err != nil {
		m.purge(ctx, *meta)
		return nil, err
	}

	m.metrics.SnapshotTaken()
	m.logger.Info("snapshot created", "snapshot_id", id, "pixels", len(pixels), "tiles", len(tiles))

	info := m.info(*meta)
	return &info, nil
}

// Get returns a snapshot with the pixels merged from its tiles.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	meta, err := m.repo.GetSnapshot(ctx, id)
	if canvas.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	tiles, err := m.repo.GetSnapshotTiles(ctx, id)
	if err != nil {
		return nil, err
	}

	pixels := make(map[string]canvas.Pixel)
	for _, t := range tiles {
		for key, p := range t.Pixels {
			pixels[key] = p
		}
	}
	return &Snapshot{Info: m.info(*meta), Pixels: pixels}, nil
}

// List returns one page of snapshots, newest first.
// A non-positive limit means DefaultListLimit; larger limits are capped at MaxListLimit.
func (m *Manager) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	total, err := m.repo.CountSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	metas, err := m.repo.ListSnapshots(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(metas))
	for _, meta := range metas {
		infos = append(infos, m.info(meta))
	}
	return &Page{Snapshots: infos, Total: total, Limit: limit, Offset: offset}, nil
}

// Restore overwrites the live canvas with a snapshot's pixels. Viewers get
// the same bulk_overwrite event as for a direct overwrite.
func (m *Manager) Restore(ctx context.Context, id string) error {
	snap, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.writer.BulkOverwrite(ctx, snap.Pixels); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", id, err)
	}
	m.logger.Info("snapshot restored", "snapshot_id", id, "pixels", len(snap.Pixels))
	return nil
}

// Delete removes a snapshot with its tiles and images.
func (m *Manager) Delete(ctx context.Context, id string) error {
	meta, err := m.repo.GetSnapshot(ctx, id)
	if canvas.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	m.deleteImages(ctx, meta)
	if err := m.repo.DeleteSnapshot(ctx, id); err != nil {
		return err
	}
	m.logger.Info("snapshot deleted", "snapshot_id", id)
	return nil
}

// enforceRetention removes the oldest snapshots so that, after the next one is
// created, at most MaxSnapshots remain.
func (m *Manager) enforceRetention(ctx context.Context) {
	if m.cfg.MaxSnapshots <= 0 {
		return
	}

	count, err := m.repo.CountSnapshots(ctx)
	if err != nil {
		m.logger.Warn("retention skipped: failed to count snapshots", "error", err)
		return
	}
	if count < m.cfg.MaxSnapshots {
		return
	}

	excess := count - m.cfg.MaxSnapshots + 1
	oldest, err := m.repo.OldestSnapshots(ctx, excess)
	if err != nil {
		m.logger.Warn("retention skipped: failed to list oldest snapshots", "error", err)
		return
	}

	for _, meta := range oldest {
		m.purge(ctx, meta)
		m.metrics.SnapshotPruned()
		m.logger.Info("pruned snapshot", "snapshot_id", meta.ID, "max_snapshots", m.cfg.MaxSnapshots)
	}
}

// purge deletes every artifact of a snapshot, logging and continuing past failures.
func (m *Manager) purge(ctx context.Context, meta canvas.SnapshotMeta) {
	m.deleteImages(ctx, &meta)
	if err := m.repo.DeleteSnapshot(ctx, meta.ID); err != nil {
		m.logger.Warn("failed to delete snapshot record", "snapshot_id", meta.ID, "error", err)
	}
}

func (m *Manager) deleteImages(ctx context.Context, meta *canvas.SnapshotMeta) {
	for _, key := range []string{meta.ImageKey, meta.ThumbnailKey} {
		if key == "" {
			continue
		}
		if err := m.blobs.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete snapshot image", "snapshot_id", meta.ID, "key", key, "error", err)
		}
	}
}

func (m *Manager) info(meta canvas.SnapshotMeta) Info {
	return Info{
		ID:           meta.ID,
		ImageURL:     m.blobs.URL(meta.ImageKey),
		ThumbnailURL: m.blobs.URL(meta.ThumbnailKey),
		Width:        meta.Width,
		Height:       meta.Height,
		CreatedAt:    time.UnixMilli(meta.CreatedAtMs).UTC(),
	}
}
