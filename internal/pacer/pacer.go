// Package pacer implements the sender-side fragmentation, pacing, and
// keepalive/probe/IDR bookkeeping (spec §4.4). Ground: original_source/
// fpv-sender-c/src/sender.c.
package pacer

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/tetherfpv/fpv-transport/internal/bufpool"
	"github.com/tetherfpv/fpv-transport/internal/errors"
	"github.com/tetherfpv/fpv-transport/internal/timesource"
	"github.com/tetherfpv/fpv-transport/internal/wire"
)

func errFrameTooLarge(fragCount int) error {
	return fmt.Errorf("access unit requires %d fragments, exceeds max %d", fragCount, wire.MaxFragments)
}

// InterFragmentGap is the pacing delay between consecutive fragments of
// the same access unit, to avoid micro-burst loss.
const InterFragmentGap = 200 * time.Microsecond

// KeepaliveInterval is the cadence of steady-state KEEPALIVE emission.
const KeepaliveInterval = 1 * time.Second

// ProbeInterval is the cadence of PROBE emission during NAT hole-punching.
const ProbeInterval = 20 * time.Millisecond

// PunchWindow bounds how long probing continues before giving up.
const PunchWindow = 3 * time.Second

// udpWriter is the subset of *net.UDPConn the pacer needs; an interface so
// tests can substitute a recording fake.
type udpWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// EncodedAccessUnit is the sender-side input to SendAccessUnit (spec §3).
type EncodedAccessUnit struct {
	FrameID    uint32
	Data       []byte
	IsKeyframe bool
	HasSPSPPS  bool
}

// Stats tracks the sender's running counters.
type Stats struct {
	FragmentsSent uint64
	FramesSent    uint64
	KeyframesSent uint64
	SendErrors    uint64
}

// Pacer fragments and paces access units onto a single UDP peer, plus the
// keepalive/probe/IDR-ack control traffic. One Pacer per session; not safe
// for concurrent use by multiple goroutines without external
// synchronization (mirrors the sender's single main-loop-owns-socket-
// writes model, spec §5).
type Pacer struct {
	conn      udpWriter
	peer      *net.UDPAddr
	sessionID uint32
	streamID  uint32
	clock     *timesource.Session

	keepaliveSeq uint32
	probeSeq     uint32

	idrAckLimiter *rate.Limiter

	stats Stats
}

// New creates a Pacer bound to conn and peer, stamping outgoing messages
// with sessionID/streamID and session-relative timestamps from clock.
func New(conn udpWriter, peer *net.UDPAddr, sessionID, streamID uint32, clock *timesource.Session) *Pacer {
	return &Pacer{
		conn:          conn,
		peer:          peer,
		sessionID:     sessionID,
		streamID:      streamID,
		clock:         clock,
		idrAckLimiter: rate.NewLimiter(rate.Every(1*time.Second), 1),
	}
}

// SendAccessUnit fragments au into payloads of at most
// MaxPayloadSize-VideoFragmentSize bytes (so each datagram fits in
// MaxPayloadSize) and sends each
// as a VIDEO_FRAGMENT, sleeping InterFragmentGap between fragments. On a
// write failure for fragment i, it records the error, abandons the
// remainder of this frame, and returns the count of fragments actually
// sent — it never retries and never buffers the access unit.
func (p *Pacer) SendAccessUnit(au EncodedAccessUnit) (sent int, err error) {
	const op = "pacer.send_access_unit"

	maxPayload := wire.MaxPayloadSize - wire.VideoFragmentSize
	remaining := au.Data
	fragCount := (len(remaining) + maxPayload - 1) / maxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > wire.MaxFragments {
		return 0, errors.NewNetError(op, errFrameTooLarge(fragCount))
	}

	var flags uint8
	if au.IsKeyframe {
		flags |= wire.FlagKeyframe
	}
	if au.HasSPSPPS {
		flags |= wire.FlagSPSPPS
	}
	tsMs := p.clock.ElapsedMs()

	for i := 0; i < fragCount; i++ {
		chunk := maxPayload
		if len(remaining) < chunk {
			chunk = len(remaining)
		}

		frag := &wire.VideoFragment{
			SessionID: p.sessionID,
			StreamID:  p.streamID,
			FrameID:   au.FrameID,
			FragIndex: uint16(i),
			FragCount: uint16(fragCount),
			TsMs:      tsMs,
			Flags:     flags,
			Codec:     wire.CodecH264,
			Payload:   remaining[:chunk],
		}

		// Fragments are written and forgotten the instant WriteToUDP
		// returns, so the marshal buffer is pool-backed rather than
		// freshly allocated per fragment (spec §6's no-buffering rule
		// made this a pure scratch buffer, and SendAccessUnit runs on
		// every access unit's every fragment — the hottest allocation
		// path in the sender).
		scratch := bufpool.Get(wire.VideoFragmentSize + chunk)
		buf, merr := wire.MarshalVideoFragmentInto(scratch, frag)
		if merr != nil {
			bufpool.Put(scratch)
			p.stats.SendErrors++
			return sent, errors.NewNetError(op, merr)
		}
		_, werr := p.conn.WriteToUDP(buf, p.peer)
		bufpool.Put(scratch)
		if werr != nil {
			p.stats.SendErrors++
			return sent, errors.NewNetError(op, werr)
		}

		p.stats.FragmentsSent++
		sent++
		remaining = remaining[chunk:]

		if i < fragCount-1 {
			time.Sleep(InterFragmentGap)
		}
	}

	p.stats.FramesSent++
	if au.IsKeyframe {
		p.stats.KeyframesSent++
	}
	return sent, nil
}

// SendKeepalive emits a KEEPALIVE echoing the peer's most recently
// observed ts_ms (or 0 if none has been observed yet).
func (p *Pacer) SendKeepalive(echoTsMs uint32) error {
	const op = "pacer.send_keepalive"
	ka := &wire.Keepalive{
		SessionID: p.sessionID,
		TsMs:      p.clock.ElapsedMs(),
		Seq:       p.keepaliveSeq,
		EchoTsMs:  echoTsMs,
	}
	p.keepaliveSeq++
	buf, err := wire.MarshalKeepalive(ka)
	if err != nil {
		return errors.NewNetError(op, err)
	}
	if _, err := p.conn.WriteToUDP(buf, p.peer); err != nil {
		return errors.NewNetError(op, err)
	}
	return nil
}

// SendProbe emits a PROBE carrying nonce, tagged as the sender role.
func (p *Pacer) SendProbe(nonce uint64) error {
	const op = "pacer.send_probe"
	pr := &wire.Probe{
		SessionID: p.sessionID,
		TsMs:      p.clock.ElapsedMs(),
		ProbeSeq:  p.probeSeq,
		Nonce:     nonce,
		Role:      wire.ProbeRoleSender,
	}
	p.probeSeq++
	buf, err := wire.MarshalProbe(pr)
	if err != nil {
		return errors.NewNetError(op, err)
	}
	if _, err := p.conn.WriteToUDP(buf, p.peer); err != nil {
		return errors.NewNetError(op, err)
	}
	return nil
}

// SendIDRRequest emits an IDR_REQUEST, rate-limited to at most one per
// second regardless of cause (spec §4.7). Returns false without sending if
// the rate limit has not yet replenished.
func (p *Pacer) SendIDRRequest(seq uint32, reason uint8) (bool, error) {
	const op = "pacer.send_idr_request"
	if !p.idrAckLimiter.Allow() {
		return false, nil
	}
	r := &wire.IDRRequest{
		SessionID: p.sessionID,
		Seq:       seq,
		TsMs:      p.clock.ElapsedMs(),
		Reason:    reason,
	}
	buf, err := wire.MarshalIDRRequest(r)
	if err != nil {
		return false, errors.NewNetError(op, err)
	}
	if _, err := p.conn.WriteToUDP(buf, p.peer); err != nil {
		return false, errors.NewNetError(op, err)
	}
	return true, nil
}

// SendHello emits a HELLO advertising stream parameters. The pacer never
// sends one on its own; cmd/fpv-sender calls this once at startup.
func (p *Pacer) SendHello(h *wire.Hello) error {
	const op = "pacer.send_hello"
	h.SessionID = p.sessionID
	buf, err := wire.MarshalHello(h)
	if err != nil {
		return errors.NewNetError(op, err)
	}
	if _, err := p.conn.WriteToUDP(buf, p.peer); err != nil {
		return errors.NewNetError(op, err)
	}
	return nil
}

// Stats returns a copy of the pacer's running counters.
func (p *Pacer) Stats() Stats { return p.stats }
