// Package assembler implements per-frame-id fragment reassembly with a
// bounded number of in-flight frames and a single latest-access-unit
// handoff slot (spec §4.5). Ground: original_source/fpv-receiver/src/
// assembler.c.
package assembler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetherfpv/fpv-transport/internal/bridge"
	"github.com/tetherfpv/fpv-transport/internal/errors"
	"github.com/tetherfpv/fpv-transport/internal/serial"
	"github.com/tetherfpv/fpv-transport/internal/wire"
)

// MaxInflightFrames bounds the number of distinct frame_ids being
// assembled concurrently (spec §3 AssemblySlot invariant).
const MaxInflightFrames = 12

// FrameTimeout is the duration after first-fragment-seen beyond which an
// incomplete slot is evicted and treated as real loss (spec §4.1).
const FrameTimeout = 80 * time.Millisecond

// AccessUnit is a completed, reassembled access unit (spec §3
// LatestAccessUnit), handed off via a bridge.Mailbox.
type AccessUnit struct {
	Data                []byte
	FrameID             uint32
	TsMs                uint32
	IsKeyframe          bool
	HasSPSPPS           bool
	FirstPacketTimeUs   int64
	AssemblyCompleteUs  int64
}

// Stats holds the assembler's running counters. Read via Snapshot.
type Stats struct {
	FragmentsReceived  uint64
	DuplicateFragments uint64
	FramesCompleted    uint64
	DroppedSuperseded  uint64
	DroppedOverflow    uint64
	DroppedTimeout     uint64
}

type slot struct {
	active       bool
	frameID      uint32
	tsMs         uint32
	firstSeenUs  int64
	fragCount    uint16
	fragsRecv    uint16
	receivedMask uint64
	fragOffsets  [wire.MaxFragments]int
	fragLengths  [wire.MaxFragments]int
	data         []byte
	flags        uint8
}

// Assembler reassembles VIDEO_FRAGMENT messages into access units. A
// single Assembler is owned by exactly one dispatcher goroutine; its
// methods are not safe to call concurrently from multiple goroutines
// except where noted (NeedsIDR/ClearIDR, Snapshot, and the latest-AU
// mailbox itself are lock-free/lock-protected for cross-goroutine use).
type Assembler struct {
	slots [MaxInflightFrames]slot

	haveNewest    bool
	newestFrameID uint32

	latestAU bridge.Mailbox[AccessUnit]

	needsIDR atomic.Bool

	mu    sync.Mutex // protects the counters below
	stats Stats

	now func() int64 // overridable for tests
}

// New creates an empty Assembler.
func New() *Assembler {
	return &Assembler{now: func() int64 { return time.Now().UnixMicro() }}
}

// AddFragment implements spec §4.5's add_fragment algorithm.
func (a *Assembler) AddFragment(frag *wire.VideoFragment) error {
	const op = "assembler.add_fragment"

	a.mu.Lock()
	a.stats.FragmentsReceived++
	a.mu.Unlock()

	// Stale drop: allow one frame of reorder tolerance.
	if a.haveNewest && serial.IsOlder(frag.FrameID, a.newestFrameID) {
		if serial.Distance(a.newestFrameID, frag.FrameID) > 1 {
			return nil
		}
	}

	// Newest-advance: supersede strictly older in-flight slots. This
	// never sets needs_idr — superseding is normal under jitter.
	if !a.haveNewest || serial.IsNewer(frag.FrameID, a.newestFrameID) {
		if a.haveNewest {
			a.dropOlderFrames(frag.FrameID)
		}
		a.newestFrameID = frag.FrameID
		a.haveNewest = true
	}

	if frag.FragCount > wire.MaxFragments || frag.FragIndex >= frag.FragCount {
		return errors.NewParseError(op, errors.ParseBadFragmentIndex, nil)
	}

	s := a.findOrCreateSlot(frag.FrameID)
	if !s.active {
		*s = slot{
			active:      true,
			frameID:     frag.FrameID,
			tsMs:        frag.TsMs,
			firstSeenUs: a.now(),
			fragCount:   frag.FragCount,
			flags:       frag.Flags,
			data:        make([]byte, 0, len(frag.Payload)*int(frag.FragCount)),
		}
	}

	bit := uint64(1) << frag.FragIndex
	if s.receivedMask&bit != 0 {
		a.mu.Lock()
		a.stats.DuplicateFragments++
		a.mu.Unlock()
		return nil
	}

	offset := len(s.data)
	if offset+len(frag.Payload) > wire.MaxAUSize {
		return errors.NewParseError(op, errors.ParseAccessUnitTooLarge, nil)
	}
	s.data = append(s.data, frag.Payload...)
	s.fragOffsets[frag.FragIndex] = offset
	s.fragLengths[frag.FragIndex] = len(frag.Payload)
	s.receivedMask |= bit
	s.fragsRecv++
	s.flags |= frag.Flags

	if s.fragsRecv == s.fragCount {
		a.completeFrame(s)
	}
	return nil
}

// findOrCreateSlot looks up an active slot for frameID, else the first
// empty slot, else evicts the oldest by serial arithmetic.
func (a *Assembler) findOrCreateSlot(frameID uint32) *slot {
	for i := range a.slots {
		if a.slots[i].active && a.slots[i].frameID == frameID {
			return &a.slots[i]
		}
	}
	for i := range a.slots {
		if !a.slots[i].active {
			return &a.slots[i]
		}
	}
	oldest := &a.slots[0]
	for i := 1; i < len(a.slots); i++ {
		if serial.IsOlder(a.slots[i].frameID, oldest.frameID) {
			oldest = &a.slots[i]
		}
	}
	if oldest.active {
		a.mu.Lock()
		a.stats.DroppedOverflow++
		a.mu.Unlock()
	}
	oldest.active = false
	return oldest
}

func (a *Assembler) dropOlderFrames(frameID uint32) {
	dropped := 0
	for i := range a.slots {
		if a.slots[i].active && serial.IsOlder(a.slots[i].frameID, frameID) {
			a.slots[i].active = false
			dropped++
		}
	}
	if dropped > 0 {
		a.mu.Lock()
		a.stats.DroppedSuperseded += uint64(dropped)
		a.mu.Unlock()
	}
}

func (a *Assembler) completeFrame(s *slot) {
	data := make([]byte, 0, len(s.data))
	for i := 0; i < int(s.fragCount); i++ {
		bit := uint64(1) << uint(i)
		if s.receivedMask&bit == 0 {
			continue // should not happen for a complete frame
		}
		off, ln := s.fragOffsets[i], s.fragLengths[i]
		data = append(data, s.data[off:off+ln]...)
	}

	a.latestAU.Put(AccessUnit{
		Data:               data,
		FrameID:            s.frameID,
		TsMs:               s.tsMs,
		IsKeyframe:         s.flags&wire.FlagKeyframe != 0,
		HasSPSPPS:          s.flags&wire.FlagSPSPPS != 0,
		FirstPacketTimeUs:  s.firstSeenUs,
		AssemblyCompleteUs: a.now(),
	})

	a.mu.Lock()
	a.stats.FramesCompleted++
	a.mu.Unlock()
	s.active = false
}

// CheckTimeouts evicts any active slot whose first fragment arrived more
// than FrameTimeout ago, setting NeedsIDR. Call periodically (at least
// every few ms) from the same goroutine that calls AddFragment.
func (a *Assembler) CheckTimeouts() {
	now := a.now()
	timeoutUs := FrameTimeout.Microseconds()
	timedOut := 0
	for i := range a.slots {
		s := &a.slots[i]
		if s.active && now-s.firstSeenUs > timeoutUs {
			s.active = false
			timedOut++
		}
	}
	if timedOut > 0 {
		a.mu.Lock()
		a.stats.DroppedTimeout += uint64(timedOut)
		a.mu.Unlock()
		a.needsIDR.Store(true)
	}
}

// TakeLatestAU returns the most recently completed access unit, if any,
// transferring ownership to the caller.
func (a *Assembler) TakeLatestAU() (AccessUnit, bool) {
	return a.latestAU.Take()
}

// NeedsIDR reports whether a timeout has occurred since the last ClearIDR.
func (a *Assembler) NeedsIDR() bool { return a.needsIDR.Load() }

// ClearIDR resets the IDR-request flag.
func (a *Assembler) ClearIDR() { a.needsIDR.Store(false) }

// Snapshot returns a copy of the current counters.
func (a *Assembler) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
