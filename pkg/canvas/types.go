package canvas

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrOutOfBounds is returned when a coordinate falls outside the canvas grid.
	ErrOutOfBounds = errors.New("pixel coords out of bounds")

	// ErrInvalidColor is returned when a color is not a 6-hex-digit RGB string.
	ErrInvalidColor = errors.New("invalid color")

	// ErrInvalidKey is returned when a pixel or tile key cannot be parsed.
	ErrInvalidKey = errors.New("invalid key")
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Pixel is one painted cell of the canvas.
// A later pixel at the same coordinate replaces the earlier one; ordering is
// decided by arrival at the store, never by PlacedAt.
type Pixel struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    string `json:"color"`     // "#rrggbb"
	AuthorID string `json:"userId"`    // Opaque identity of whoever placed it
	PlacedAt int64  `json:"timestamp"` // Unix seconds
}

// Key returns the canvas-wide key of the pixel ("x_y").
func (p Pixel) Key() string {
	return PixelKey(p.X, p.Y)
}

// Validate checks the pixel against a width x height canvas.
func (p Pixel) Validate(width, height int) error {
	if err := CheckBounds(p.X, p.Y, width, height); err != nil {
		return err
	}
	return CheckColor(p.Color)
}

// CheckBounds returns ErrOutOfBounds unless 0 <= x < width and 0 <= y < height.
func CheckBounds(x, y, width, height int) error {
	if x < 0 || x >= width || y < 0 || y >= height {
		return fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, x, y)
	}
	return nil
}

// CheckColor returns ErrInvalidColor unless color matches ^#[0-9A-Fa-f]{6}$.
func CheckColor(color string) error {
	if !ValidColor(color) {
		return fmt.Errorf("%w: %q (expected #rrggbb)", ErrInvalidColor, color)
	}
	return nil
}

// ValidColor reports whether color is a "#rrggbb" string.
func ValidColor(color string) bool {
	return colorPattern.MatchString(color)
}

// PixelKey builds the "x_y" key used for pixel maps.
func PixelKey(x, y int) string {
	return strconv.Itoa(x) + "_" + strconv.Itoa(y)
}

// ParsePixelKey is the inverse of PixelKey.
func ParsePixelKey(key string) (x, y int, err error) {
	return parsePair(key)
}

// TileID identifies a tile: (x div tileSize, y div tileSize).
type TileID struct {
	X int `json:"tile_x"`
	Y int `json:"tile_y"`
}

// TileFor returns the tile that owns (x, y). Membership is derived purely from
// the coordinates; it is never stored or reassigned.
func TileFor(x, y, tileSize int) TileID {
	return TileID{X: floorDiv(x, tileSize), Y: floorDiv(y, tileSize)}
}

// String returns the "tx_ty" form used in storage keys.
func (t TileID) String() string {
	return strconv.Itoa(t.X) + "_" + strconv.Itoa(t.Y)
}

// ParseTileID is the inverse of TileID.String.
func ParseTileID(s string) (TileID, error) {
	x, y, err := parsePair(s)
	if err != nil {
		return TileID{}, err
	}
	return TileID{X: x, Y: y}, nil
}

// Tile is the unit of storage sharding.
type Tile struct {
	ID           TileID           `json:"tile_id"`
	Pixels       map[string]Pixel `json:"pixels"`
	LastModified int64            `json:"last_modified"`
}

// GroupByTile partitions pixels by owning tile. Later entries for the same
// coordinate replace earlier ones.
func GroupByTile(pixels []Pixel, tileSize int) map[TileID]map[string]Pixel {
	grouped := make(map[TileID]map[string]Pixel)
	for _, p := range pixels {
		id := TileFor(p.X, p.Y, tileSize)
		m, ok := grouped[id]
		if !ok {
			m = make(map[string]Pixel)
			grouped[id] = m
		}
		m[p.Key()] = p
	}
	return grouped
}

// SnapshotMeta describes a stored snapshot without its pixel payload.
type SnapshotMeta struct {
	ID           string `json:"snapshot_id"` // UUID
	ImageKey     string `json:"image_key"`
	ThumbnailKey string `json:"thumbnail_key"`
	Width        int    `json:"canvas_width"`
	Height       int    `json:"canvas_height"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// SnapshotTile is the frozen copy of one tile's pixels inside a snapshot.
type SnapshotTile struct {
	SnapshotID string           `json:"snapshot_id"`
	TileID     TileID           `json:"tile_id"`
	Pixels     map[string]Pixel `json:"pixels"`
}

func parsePair(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "_")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return x, y, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
