package capture

import (
	"context"
	"testing"
	"time"
)

func TestSyntheticEmitsFramesOfExpectedShape(t *testing.T) {
	s := NewSynthetic(64, 48, 100) // 100fps -> 10ms interval, fast enough for a short test
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := s.Frames(ctx)
	select {
	case f := <-frames:
		if f.Width != 64 || f.Height != 48 {
			t.Fatalf("unexpected frame dimensions: %dx%d", f.Width, f.Height)
		}
		if len(f.Data) != 64*48*3/2 {
			t.Fatalf("unexpected frame data length: %d", len(f.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a synthetic frame")
	}
}

func TestSyntheticStopsOnContextCancel(t *testing.T) {
	s := NewSynthetic(8, 8, 200)
	ctx, cancel := context.WithCancel(context.Background())
	frames := s.Frames(ctx)

	<-frames // drain one frame to make sure the goroutine is running
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return // channel closed as expected
			}
		case <-deadline:
			t.Fatalf("expected frames channel to close after context cancellation")
		}
	}
}
