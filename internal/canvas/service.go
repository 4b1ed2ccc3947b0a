// Package canvas implements the canvas state service: validated reads and
// writes over the tile store, each successful write followed by a broadcast
// change event.
package canvas

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/internal/tilestore"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// Publisher sends change events without blocking the write path.
// *bus.Dispatcher implements it.
type Publisher interface {
	Dispatch(ev canvas.Event)
}

// Store is the subset of the tile store the service writes through.
type Store interface {
	GetCanvasState(ctx context.Context) (map[string]canvas.Pixel, error)
	UpdatePixel(ctx context.Context, p canvas.Pixel) (canvas.Pixel, error)
	BulkUpdateCanvas(ctx context.Context, pixels []canvas.Pixel) (int, error)
	BulkOverwriteCanvas(ctx context.Context, pixels []canvas.Pixel) error
}

var _ Store = (*tilestore.Store)(nil)

// PixelInput is a pixel as submitted by a client: no author, no timestamp.
type PixelInput struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// State is the bootstrap payload a client fetches before trusting the live stream.
type State struct {
	Width  int                     `json:"canvas_width"`
	Height int                     `json:"canvas_height"`
	Pixels map[string]canvas.Pixel `json:"pixels"`
}

// BulkResult reports a bulk placement.
type BulkResult struct {
	Count     int   `json:"pixels_updated"`
	Timestamp int64 `json:"timestamp"`
}

// Service is the canvas state service.
type Service struct {
	store     Store
	publisher Publisher
	width     int
	height    int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a service for a width x height canvas.
func NewService(store Store, publisher Publisher, width, height int, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		width:     width,
		height:    height,
		logger:    logger.With("component", "canvas"),
		metrics:   m,
		now:       time.Now,
	}
}

// Width returns the canvas width in pixels.
func (s *Service) Width() int { return s.width }

// Height returns the canvas height in pixels.
func (s *Service) Height() int { return s.height }

// GetCanvasState reads the whole canvas. See tilestore.Store.GetCanvasState
// for the consistency model.
func (s *Service) GetCanvasState(ctx context.Context) (*State, error) {
	pixels, err := s.store.GetCanvasState(ctx)
	if err != nil {
		return nil, err
	}
	return &State{Width: s.width, Height: s.height, Pixels: pixels}, nil
}

// PlacePixel validates, stores and broadcasts one pixel.
// Invalid input fails before the store is touched.
func (s *Service) PlacePixel(ctx context.Context, x, y int, color, authorID string) (canvas.Pixel, error) {
	p := canvas.Pixel{X: x, Y: y, Color: color, AuthorID: authorID, PlacedAt: s.now().Unix()}
	if err := p.Validate(s.width, s.height); err != nil {
		return canvas.Pixel{}, err
	}

	stored, err := s.store.UpdatePixel(ctx, p)
	if err != nil {
		return canvas.Pixel{}, err
	}

	s.metrics.PixelPlaced(stored.Color, 1)
	s.publisher.Dispatch(canvas.PixelPlaced(stored))
	return stored, nil
}

// BulkPlacePixels stores a batch with one shared timestamp and author, then
// broadcasts the full batch as one bulk_update event.
// The whole batch is rejected if any entry is invalid.
func (s *Service) BulkPlacePixels(ctx context.Context, inputs map[string]PixelInput, authorID string) (BulkResult, error) {
	now := s.now().Unix()

	pixels := make([]canvas.Pixel, 0, len(inputs))
	for key, in := range inputs {
		p := canvas.Pixel{X: in.X, Y: in.Y, Color: in.Color, AuthorID: authorID, PlacedAt: now}
		if err := p.Validate(s.width, s.height); err != nil {
			return BulkResult{}, fmt.Errorf("pixel %q: %w", key, err)
		}
		pixels = append(pixels, p)
	}

	count, err := s.store.BulkUpdateCanvas(ctx, pixels)
	if err != nil {
		return BulkResult{}, err
	}

	batch := make(map[string]canvas.Pixel, len(pixels))
	for _, p := range pixels {
		batch[p.Key()] = p
		s.metrics.PixelPlaced(p.Color, 1)
	}
	s.publisher.Dispatch(canvas.BulkUpdated(batch, authorID))

	s.logger.Info("bulk pixels placed", "author", authorID, "count", count)
	return BulkResult{Count: count, Timestamp: now}, nil
}

// BulkOverwrite replaces the canvas with pixels and broadcasts bulk_overwrite.
// The pixels keep their own authors and timestamps.
func (s *Service) BulkOverwrite(ctx context.Context, pixels map[string]canvas.Pixel) error {
	list := make([]canvas.Pixel, 0, len(pixels))
	for key, p := range pixels {
		if err := p.Validate(s.width, s.height); err != nil {
			return fmt.Errorf("pixel %q: %w", key, err)
		}
		list = append(list, p)
	}

	if err := s.store.BulkOverwriteCanvas(ctx, list); err != nil {
		return err
	}

	normalized := make(map[string]canvas.Pixel, len(list))
	for _, p := range list {
		normalized[p.Key()] = p
	}
	s.publisher.Dispatch(canvas.BulkOverwritten(normalized))
	return nil
}

// OverwriteFromImage scales img to the canvas dimensions and overwrites the
// canvas with it, one pixel per cell, all attributed to authorID with one
// shared timestamp. Transparency is composited over a white background.
func (s *Service) OverwriteFromImage(ctx context.Context, img image.Image, authorID string) error {
	scaled := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(scaled, scaled.Bounds(), image.White, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Over, nil)

	now := s.now().Unix()
	pixels := make(map[string]canvas.Pixel, s.width*s.height)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			c := scaled.RGBAAt(x, y)
			p := canvas.Pixel{
				X:        x,
				Y:        y,
				Color:    fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B),
				AuthorID: authorID,
				PlacedAt: now,
			}
			pixels[p.Key()] = p
		}
	}

	s.logger.Info("overwriting canvas from image",
		"author", authorID,
		"source_width", img.Bounds().Dx(),
		"source_height", img.Bounds().Dy())
	return s.BulkOverwrite(ctx, pixels)
}
