package capture

import (
	"context"
	"time"

	"github.com/lumenhost/lumen/internal/video"
)

// TestPatternSource is a built-in capture source producing an animated
// gradient. It backs headless operation when no platform capture
// backend is registered.
type TestPatternSource struct {
	Width  int
	Height int

	seq   uint64
	frame []byte
}

// Capture renders the next pattern frame. It never times out.
func (s *TestPatternSource) Capture(ctx context.Context, timeout time.Duration) (*video.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.frame == nil {
		s.frame = make([]byte, s.Width*s.Height*4)
	}
	s.seq++
	shift := byte(s.seq)
	for y := 0; y < s.Height; y++ {
		row := s.frame[y*s.Width*4:]
		for x := 0; x < s.Width; x++ {
			p := row[x*4:]
			p[0] = byte(x) + shift
			p[1] = byte(y)
			p[2] = byte(x+y) - shift
			p[3] = 0xFF
		}
	}

	return &video.Image{
		Data:       s.frame,
		Width:      s.Width,
		Height:     s.Height,
		RowPitch:   s.Width * 4,
		PixelPitch: 4,
		Sequence:   s.seq,
		CapturedAt: time.Now(),
	}, nil
}

// Close releases nothing; the pattern has no platform resources.
func (s *TestPatternSource) Close() error {
	return nil
}
