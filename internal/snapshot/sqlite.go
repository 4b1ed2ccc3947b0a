package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	image_key     TEXT NOT NULL,
	thumbnail_key TEXT NOT NULL,
	canvas_width  INTEGER NOT NULL,
	canvas_height INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_created_at ON snapshots (created_at_ms);
CREATE TABLE IF NOT EXISTS snapshot_tiles (
	snapshot_id TEXT NOT NULL REFERENCES snapshots (snapshot_id) ON DELETE CASCADE,
	tile_id     TEXT NOT NULL,
	pixels      TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, tile_id)
);
`

// SQLiteRepository stores snapshots in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)
var _ Repository = (*canvas.Client)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close releases the database.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) CreateSnapshot(ctx context.Context, meta *canvas.SnapshotMeta) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO snapshots (snapshot_id, image_key, thumbnail_key, canvas_width, canvas_height, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, meta.ID, meta.ImageKey, meta.ThumbnailKey, meta.Width, meta.Height, meta.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", meta.ID, err)
	}
	return nil
}

// PutSnapshotTiles writes every non-empty tile in one transaction.
func (r *SQLiteRepository) PutSnapshotTiles(ctx context.Context, snapshotID string, tiles []canvas.SnapshotTile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tiles {
		if len(t.Pixels) == 0 {
			continue
		}
		raw, err := json.Marshal(t.Pixels)
		if err != nil {
			return fmt.Errorf("marshal tile %s: %w", t.TileID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO snapshot_tiles (snapshot_id, tile_id, pixels) VALUES (?, ?, ?)
`, snapshotID, t.TileID.String(), string(raw)); err != nil {
			return fmt.Errorf("insert tile %s: %w", t.TileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tiles: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSnapshot(ctx context.Context, snapshotID string) (*canvas.SnapshotMeta, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT snapshot_id, image_key, thumbnail_key, canvas_width, canvas_height, created_at_ms
FROM snapshots WHERE snapshot_id = ?
`, snapshotID)

	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, canvas.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", snapshotID, err)
	}
	return meta, nil
}

func (r *SQLiteRepository) GetSnapshotTiles(ctx context.Context, snapshotID string) ([]canvas.SnapshotTile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT tile_id, pixels FROM snapshot_tiles WHERE snapshot_id = ?
`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list snapshot tiles: %w", err)
	}
	defer rows.Close()

	var tiles []canvas.SnapshotTile
	for rows.Next() {
		var tileID, raw string
		if err := rows.Scan(&tileID, &raw); err != nil {
			return nil, fmt.Errorf("scan snapshot tile: %w", err)
		}
		id, err := canvas.ParseTileID(tileID)
		if err != nil {
			return nil, err
		}
		var pixels map[string]canvas.Pixel
		if err := json.Unmarshal([]byte(raw), &pixels); err != nil {
			return nil, fmt.Errorf("decode snapshot tile %s: %w", tileID, err)
		}
		tiles = append(tiles, canvas.SnapshotTile{SnapshotID: snapshotID, TileID: id, Pixels: pixels})
	}
	return tiles, rows.Err()
}

func (r *SQLiteRepository) ListSnapshots(ctx context.Context, limit, offset int) ([]canvas.SnapshotMeta, error) {
	if limit <= 0 {
		return []canvas.SnapshotMeta{}, nil
	}
	return r.queryMetas(ctx, `
SELECT snapshot_id, image_key, thumbnail_key, canvas_width, canvas_height, created_at_ms
FROM snapshots ORDER BY created_at_ms DESC, rowid DESC LIMIT ? OFFSET ?
`, limit, offset)
}

func (r *SQLiteRepository) OldestSnapshots(ctx context.Context, n int) ([]canvas.SnapshotMeta, error) {
	if n <= 0 {
		return []canvas.SnapshotMeta{}, nil
	}
	return r.queryMetas(ctx, `
SELECT snapshot_id, image_key, thumbnail_key, canvas_width, canvas_height, created_at_ms
FROM snapshots ORDER BY created_at_ms ASC, rowid ASC LIMIT ?
`, n)
}

func (r *SQLiteRepository) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// DeleteSnapshot removes the snapshot; its tiles go with it by cascade.
func (r *SQLiteRepository) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_tiles WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("delete snapshot tiles %s: %w", snapshotID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", snapshotID, err)
	}
	return tx.Commit()
}

func (r *SQLiteRepository) queryMetas(ctx context.Context, query string, args ...any) ([]canvas.SnapshotMeta, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	metas := []canvas.SnapshotMeta{}
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		metas = append(metas, *meta)
	}
	return metas, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(s scanner) (*canvas.SnapshotMeta, error) {
	var meta canvas.SnapshotMeta
	if err := s.Scan(&meta.ID, &meta.ImageKey, &meta.ThumbnailKey, &meta.Width, &meta.Height, &meta.CreatedAtMs); err != nil {
		return nil, err
	}
	return &meta, nil
}
