package camera

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"
)

// StaticSource replays one image file at a fixed interval. It stands in for
// a live camera during bring-up and in tests.
type StaticSource struct {
	Path     string
	Interval time.Duration

	img *image.RGBA
}

func (s *StaticSource) Open(_ context.Context) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("camera: open image: %w", err)
	}
	defer f.Close()

	decoded, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("camera: decode %s: %w", s.Path, err)
	}

	rgba := image.NewRGBA(decoded.Bounds())
	draw.Draw(rgba, rgba.Bounds(), decoded, decoded.Bounds().Min, draw.Src)
	s.img = rgba
	return nil
}

func (s *StaticSource) Next(ctx context.Context) (*image.RGBA, error) {
	if s.img == nil {
		return nil, fmt.Errorf("camera: source not open")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(interval):
		return s.img, nil
	}
}

func (s *StaticSource) Close() error {
	s.img = nil
	return nil
}
