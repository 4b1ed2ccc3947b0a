package snapshot

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// DefaultThumbnailSize is the longest edge of a thumbnail in pixels.
const DefaultThumbnailSize = 200

var background = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Render paints pixels onto a white width x height image.
// Pixels outside the canvas or with an unparsable color are skipped.
func Render(pixels map[string]canvas.Pixel, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)

	for _, p := range pixels {
		if canvas.CheckBounds(p.X, p.Y, width, height) != nil {
			continue
		}
		c, err := parseColor(p.Color)
		if err != nil {
			continue
		}
		img.SetRGBA(p.X, p.Y, c)
	}
	return img
}

// Thumbnail scales img so its longest edge is at most maxEdge, keeping the
// aspect ratio. Images already small enough are returned unchanged.
func Thumbnail(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	tw, th := maxEdge, maxEdge
	if w >= h {
		th = max(1, h*maxEdge/w)
	} else {
		tw = max(1, w*maxEdge/h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func parseColor(s string) (color.RGBA, error) {
	if err := canvas.CheckColor(s); err != nil {
		return color.RGBA{}, err
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return color.RGBA{}, err
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
