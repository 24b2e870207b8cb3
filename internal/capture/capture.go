// Package capture defines the sender's raw-video-source collaborator
// interface (spec §9, spec's note on "two camera paths — direct V4L2 vs.
// an external capture process — deployment variants, identical core
// contract: an EncodedAccessUnit producer"). Ground: the original
// fpv-sender-c has no single capture.c (capture is camera-specific and
// out of the pack's original_source); this package defines a raw-frame
// source (Capture yields uncompressed RawFrames, which internal/encoder
// turns into access units), plus a synthetic generator for tests.
package capture

import (
	"context"
	"time"
)

// RawFrame is one uncompressed frame pulled from a camera/source.
type RawFrame struct {
	Data      []byte // e.g. YUV420 planar bytes; opaque to this package
	Width     int
	Height    int
	CapturedAtUs int64
}

// Capture is the external raw-video-source collaborator. Frames returns a
// channel of successive captures; closing ctx must make the producer
// goroutine exit and close the channel.
type Capture interface {
	Frames(ctx context.Context) <-chan RawFrame
}

// Synthetic is a software Capture for tests: it emits solid-color frames
// of a fixed size at a fixed rate, with no real camera binding.
type Synthetic struct {
	Width, Height int
	FPS           float64
	clock         func() int64
}

// NewSynthetic creates a Synthetic capture source.
func NewSynthetic(width, height int, fps float64) *Synthetic {
	return &Synthetic{Width: width, Height: height, FPS: fps, clock: func() int64 { return time.Now().UnixMicro() }}
}

func (s *Synthetic) Frames(ctx context.Context) <-chan RawFrame {
	out := make(chan RawFrame)
	interval := time.Duration(float64(time.Second) / s.FPS)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frame := RawFrame{
					Data:         make([]byte, s.Width*s.Height*3/2), // YUV420 size
					Width:        s.Width,
					Height:       s.Height,
					CapturedAtUs: s.clock(),
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
