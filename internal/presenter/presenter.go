// Package presenter defines the receiver's display/render collaborator
// interface (spec §9's "opaque consumer"). Ground: original_source/
// fpv-receiver/src/renderer.h — single-slot "always use latest" frame
// handoff, generalized with bridge.Mailbox rather than a hand-rolled
// mutex-guarded struct.
package presenter

import (
	"github.com/tetherfpv/fpv-transport/internal/bridge"
	"github.com/tetherfpv/fpv-transport/internal/decoder"
)

// Stats mirrors fpv_renderer_stats_t.
type Stats struct {
	FramesRendered uint64
	FramesSkipped  uint64
}

// Presenter is the external display collaborator: it receives decoded
// frames and is responsible for getting the latest one on screen. A real
// implementation owns a graphics context (OpenGL/Metal/Vulkan); only the
// contract lives in this module.
type Presenter interface {
	Submit(f decoder.Frame) error
	HasFrame() bool
	Stats() Stats
}

// Loopback is a software Presenter for tests: it keeps only the latest
// submitted frame: a Submit that arrives before the previous frame was
// consumed overwrites that frame and counts it as skipped (spec §4.8's single-slot, no-queue design, applied to
// the decoder→presenter handoff).
type Loopback struct {
	mailbox bridge.Mailbox[decoder.Frame]
	stats   Stats
}

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Submit(f decoder.Frame) error {
	if l.mailbox.Peek() {
		l.stats.FramesSkipped++
	}
	l.mailbox.Put(f)
	return nil
}

func (l *Loopback) HasFrame() bool { return l.mailbox.Peek() }

// Take consumes the latest frame, if any (test/loopback-only accessor; a
// real presenter would pull from its own render loop instead).
func (l *Loopback) Take() (decoder.Frame, bool) {
	f, ok := l.mailbox.Take()
	if ok {
		l.stats.FramesRendered++
	}
	return f, ok
}

func (l *Loopback) Stats() Stats { return l.stats }
