package synth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// PlaceholderEngine renders a deterministic striped PNG from the prompt digest.
// It stands in for a real model when no engine URL is configured.
type PlaceholderEngine struct {
	Size int
}

// NewPlaceholderEngine creates a placeholder engine producing size x size images
func NewPlaceholderEngine(size int) *PlaceholderEngine {
	if size <= 0 {
		size = 512
	}
	return &PlaceholderEngine{Size: size}
}

// ConcurrencySafe reports true; rendering keeps no shared state
func (p *PlaceholderEngine) ConcurrencySafe() bool { return true }

// Synthesize renders the image for prompt
func (p *PlaceholderEngine) Synthesize(ctx context.Context, prompt string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineTransient, err)
	}

	seed := sha256.Sum256([]byte(prompt))
	size := p.Size
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	base := color.RGBA{seed[0], seed[1], seed[2], 255}
	accent := color.RGBA{seed[3], seed[4], seed[5], 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripe := size / 16
	if stripe < 8 {
		stripe = 8
	}
	for y := 0; y < size; y += stripe * 2 {
		r := image.Rect(0, y, size, min(size, y+stripe))
		draw.Draw(img, r, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", ErrEngineTransient, err)
	}
	return buf.Bytes(), nil
}
