// Package imaging inspects and resizes generated images.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/basel-ax/streamgen/internal/domain"
)

// Info describes the true geometry of an encoded image
type Info struct {
	Width  int
	Height int
	Format string
}

// Extension returns the file extension matching the image format
func (i Info) Extension() string {
	switch i.Format {
	case "jpeg":
		return "jpg"
	case "":
		return "png"
	}
	return i.Format
}

// Inspect decodes the image header of data
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: empty geometry %dx%d", domain.ErrImageDecode, cfg.Width, cfg.Height)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// AspectClass is a canonical ratio label
type AspectClass struct {
	Label string
	Ratio float64
}

// AspectClasses is ordered: ties resolve to the earlier entry.
var AspectClasses = []AspectClass{
	{"1:1", 1},
	{"2:3", 2.0 / 3.0},
	{"3:2", 3.0 / 2.0},
	{"3:4", 3.0 / 4.0},
	{"4:3", 4.0 / 3.0},
	{"4:5", 4.0 / 5.0},
	{"5:4", 5.0 / 4.0},
	{"9:16", 9.0 / 16.0},
	{"16:9", 16.0 / 9.0},
	{"21:9", 21.0 / 9.0},
}

// ClassifyAspect returns the label of the canonical ratio nearest to width/height
func ClassifyAspect(width, height int) string {
	if width <= 0 || height <= 0 {
		return AspectClasses[0].Label
	}
	ratio := float64(width) / float64(height)

	best := AspectClasses[0]
	bestDiff := math.Abs(ratio - best.Ratio)
	for _, c := range AspectClasses[1:] {
		if d := math.Abs(ratio - c.Ratio); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best.Label
}

// ThumbnailSize scales width and height so the longer side equals maxDim.
// Images already within maxDim keep their size.
func ThumbnailSize(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width >= height {
		h := int(math.Round(float64(height) * float64(maxDim) / float64(width)))
		return maxDim, max(h, 1)
	}
	w := int(math.Round(float64(width) * float64(maxDim) / float64(height)))
	return max(w, 1), maxDim
}

// Thumbnail decodes data and returns a JPEG scaled to fit maxDim
func Thumbnail(data []byte, maxDim int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
	}

	b := src.Bounds()
	w, h := ThumbnailSize(b.Dx(), b.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha channel.
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}
