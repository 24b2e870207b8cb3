// Package encoder defines the sender's H.264 encode collaborator
// interface (spec §9, and spec §3's EncodedAccessUnit: "byte sequence in
// H.264 Annex-B; attributes {frame_id, ts_us, is_keyframe, has_spspps};
// produced by encoder; immediately consumed by sender pacer; not
// stored"). No real encoder binding is in scope (Non-goal); only the
// contract and a software loopback for tests.
package encoder

import (
	"sync/atomic"

	"github.com/tetherfpv/fpv-transport/internal/capture"
)

// EncodedAccessUnit is the sender-side output of the encoder, consumed
// immediately by internal/pacer.SendAccessUnit and never buffered.
type EncodedAccessUnit struct {
	FrameID    uint32
	Data       []byte
	TsUs       int64
	IsKeyframe bool
	HasSPSPPS  bool
}

// Stats tracks encoder-side counters.
type Stats struct {
	FramesEncoded    uint64
	KeyframesEncoded uint64
	IDRRequestsSeen  uint64
}

// Encoder is the external video-encode collaborator. RequestIDR asks the
// next Encode call to force a keyframe (spec's IDR_REQUEST handling
// path); exclusive to one goroutine (spec §5).
type Encoder interface {
	Encode(raw capture.RawFrame, frameID uint32) (EncodedAccessUnit, error)
	RequestIDR()
	Stats() Stats
}

// Loopback is a software Encoder for tests: it does not compress at all,
// wrapping the raw frame bytes in an Annex-B-looking start code so
// downstream code exercising frame boundaries has something plausible to
// split on. Emits a keyframe on the first call and whenever RequestIDR
// has been called since the last Encode.
type Loopback struct {
	idrPending atomic.Bool
	stats      Stats
}

// NewLoopback creates a Loopback encoder that emits a keyframe first.
func NewLoopback() *Loopback {
	e := &Loopback{}
	e.idrPending.Store(true)
	return e
}

var annexBStartCode = []byte{0, 0, 0, 1}

func (e *Loopback) Encode(raw capture.RawFrame, frameID uint32) (EncodedAccessUnit, error) {
	isKeyframe := e.idrPending.Swap(false)

	data := make([]byte, 0, len(annexBStartCode)+len(raw.Data))
	data = append(data, annexBStartCode...)
	data = append(data, raw.Data...)

	e.stats.FramesEncoded++
	if isKeyframe {
		e.stats.KeyframesEncoded++
	}

	return EncodedAccessUnit{
		FrameID:    frameID,
		Data:       data,
		TsUs:       raw.CapturedAtUs,
		IsKeyframe: isKeyframe,
		HasSPSPPS:  isKeyframe,
	}, nil
}

func (e *Loopback) RequestIDR() {
	e.idrPending.Store(true)
	e.stats.IDRRequestsSeen++
}

func (e *Loopback) Stats() Stats { return e.stats }
