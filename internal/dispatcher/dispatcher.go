// Package dispatcher implements the receiver's packet pump: a
// non-blocking UDP read loop, message-type demux, sender-peer adoption,
// and keepalive/probe echo (spec §4.6). Ground: original_source/
// fpv-receiver/src/{receiver.c,main.c}.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tetherfpv/fpv-transport/internal/assembler"
	fpverrors "github.com/tetherfpv/fpv-transport/internal/errors"
	"github.com/tetherfpv/fpv-transport/internal/session"
	"github.com/tetherfpv/fpv-transport/internal/timesource"
	"github.com/tetherfpv/fpv-transport/internal/wire"
)

// ReadDeadline is the per-iteration deadline used in place of the C
// original's O_NONBLOCK+EAGAIN polling; net.UDPConn has no non-blocking
// read mode, so the loop sets a short deadline and re-checks ctx on
// timeout (REDESIGN FLAG in SPEC_FULL.md §10).
const ReadDeadline = 50 * time.Millisecond

// recvBufSize matches the C receiver's fixed 2048-byte stack buffer
// (largest real message is a VIDEO_FRAGMENT at header+MaxPayloadSize).
const recvBufSize = 2048

// Stats mirrors the receiver's packet-level counters.
type Stats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	ParseErrors     uint64
	IDRRequestsSent uint64
}

// Dispatcher owns the receiving UDP socket, demuxes incoming messages,
// feeds VIDEO_FRAGMENTs to an Assembler, echoes KEEPALIVE/PROBE, and
// rate-limits outgoing IDR_REQUESTs. Run is intended to be driven from a
// single goroutine; PeerAddr/SessionID/Snapshot are safe to call
// concurrently.
type Dispatcher struct {
	conn  *net.UDPConn
	clock *timesource.Session
	asm   *assembler.Assembler
	log   *slog.Logger
	sess  *session.Session

	mu        sync.Mutex
	peer      *net.UDPAddr
	sessionID uint32

	keepaliveSeq uint32
	idrRequested bool
	idrLimiter   *rate.Limiter

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Dispatcher reading from conn and feeding asm. sess may be
// nil (e.g. in tests that don't exercise the lifecycle state machine); when
// set, Run drives its Tick and handlePacket/handleProbe feed it activity
// and FSM events.
func New(conn *net.UDPConn, asm *assembler.Assembler, clock *timesource.Session, log *slog.Logger, sess *session.Session) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		conn:       conn,
		clock:      clock,
		asm:        asm,
		log:        log,
		sess:       sess,
		idrLimiter: rate.NewLimiter(rate.Every(1*time.Second), 1),
	}
}

// Run reads and dispatches packets until ctx is canceled or a fatal
// socket error occurs.
func (d *Dispatcher) Run(ctx context.Context) error {
	buf := make([]byte, recvBufSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := d.conn.SetReadDeadline(time.Now().Add(ReadDeadline)); err != nil {
			return fpverrors.NewNetError("dispatcher.run", err)
		}
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				d.periodicCheck()
				continue
			}
			return fpverrors.NewNetError("dispatcher.run", err)
		}

		d.statsMu.Lock()
		d.stats.PacketsReceived++
		d.stats.BytesReceived += uint64(n)
		d.statsMu.Unlock()

		d.handlePacket(buf[:n], from)
		d.periodicCheck()
	}
}

// periodicCheck runs the time-driven checks that must fire on every loop
// iteration regardless of whether a packet just arrived: assembler frame
// timeouts (spec's 80ms frame-timeout -> IDR loss-recovery path) and the
// session FSM's per-state timeouts (STUN_GATHER/WAIT_SENDER/STREAMING-idle),
// matching main.c's send_periodic_messages, which checks idle duration
// every main-loop tick whether or not a packet was just read.
func (d *Dispatcher) periodicCheck() {
	d.asm.CheckTimeouts()
	d.checkIDR()
	if d.sess != nil {
		d.sess.Tick()
	}
}

func (d *Dispatcher) handlePacket(buf []byte, from *net.UDPAddr) {
	msgType, ok := wire.PeekType(buf)
	if !ok {
		d.bumpParseErrors()
		return
	}

	if d.sess != nil {
		d.sess.RecordActivity()
	}

	switch msgType {
	case wire.TypeVideoFragment:
		d.handleVideoFragment(buf)
	case wire.TypeKeepalive:
		d.handleKeepalive(buf, from)
	case wire.TypeProbe:
		d.handleProbe(buf, from)
	default:
		// IDR_REQUEST and HELLO are sender-bound on the receiver's
		// dispatcher; a receiver never expects to receive them.
	}
}

func (d *Dispatcher) handleVideoFragment(buf []byte) {
	frag, err := wire.ParseVideoFragment(buf)
	if err != nil {
		d.bumpParseErrors()
		return
	}

	if err := d.asm.AddFragment(frag); err != nil {
		d.bumpParseErrors()
		return
	}
	if frag.Flags&wire.FlagKeyframe != 0 {
		// A keyframe answers any outstanding IDR request.
		d.mu.Lock()
		d.idrRequested = false
		d.mu.Unlock()
	}
	// CheckTimeouts/checkIDR run once per loop iteration from
	// periodicCheck (called right after handlePacket returns), not here,
	// so loss detection fires on the same cadence whether or not a
	// fragment just arrived.
}

// checkIDR requests an IDR only on actual packet loss (a frame timeout),
// not on ordinary supersede, and not while an earlier request is still
// unanswered (handleVideoFragment clears that once a keyframe fragment
// arrives); rate-limited to at most one per second, mirroring main.c. Driven from periodicCheck every loop iteration, since
// loss is detected by the absence of further fragments.
func (d *Dispatcher) checkIDR() {
	if !d.asm.NeedsIDR() {
		return
	}
	d.mu.Lock()
	known := d.peer != nil
	alreadyRequested := d.idrRequested
	d.mu.Unlock()

	if known && !alreadyRequested && d.idrLimiter.Allow() {
		d.sendIDRRequest(wire.IDRReasonLoss)
		d.mu.Lock()
		d.idrRequested = true
		d.mu.Unlock()
	}
	d.asm.ClearIDR()
}

func (d *Dispatcher) handleKeepalive(buf []byte, from *net.UDPAddr) {
	ka, err := wire.ParseKeepalive(buf)
	if err != nil {
		d.bumpParseErrors()
		return
	}
	d.adoptPeer(from, ka.SessionID)

	d.mu.Lock()
	seq := d.keepaliveSeq
	d.keepaliveSeq++
	peer := d.peer
	sessionID := d.sessionID
	d.mu.Unlock()

	reply := &wire.Keepalive{
		SessionID: sessionID,
		TsMs:      d.clock.ElapsedMs(),
		Seq:       seq,
		EchoTsMs:  ka.TsMs,
	}
	out, err := wire.MarshalKeepalive(reply)
	if err != nil {
		return
	}
	_, _ = d.conn.WriteToUDP(out, peer)
}

func (d *Dispatcher) handleProbe(buf []byte, from *net.UDPAddr) {
	pr, err := wire.ParseProbe(buf)
	if err != nil {
		d.bumpParseErrors()
		return
	}
	d.adoptPeer(from, pr.SessionID)
	if d.sess != nil {
		// A probe means a candidate peer address is in hand (WAIT_SENDER ->
		// PUNCHING) and, since we're replying to it, a bidirectional
		// exchange is underway (PUNCHING -> STREAMING). Both calls are
		// no-ops when the session isn't in the expected precondition state.
		d.sess.SenderAddressResolved()
		d.sess.ProbeExchanged()
	}

	reply := &wire.Probe{
		SessionID: pr.SessionID,
		TsMs:      d.clock.ElapsedMs(),
		ProbeSeq:  pr.ProbeSeq,
		Nonce:     pr.Nonce,
		Role:      wire.ProbeRoleReceiver,
	}
	out, err := wire.MarshalProbe(reply)
	if err != nil {
		return
	}
	_, _ = d.conn.WriteToUDP(out, from)
}

func (d *Dispatcher) sendIDRRequest(reason uint8) {
	d.mu.Lock()
	peer := d.peer
	sessionID := d.sessionID
	d.mu.Unlock()
	if peer == nil {
		return
	}
	req := &wire.IDRRequest{
		SessionID: sessionID,
		Seq:       0,
		TsMs:      d.clock.ElapsedMs(),
		Reason:    reason,
	}
	out, err := wire.MarshalIDRRequest(req)
	if err != nil {
		return
	}
	if _, err := d.conn.WriteToUDP(out, peer); err != nil {
		return
	}
	d.statsMu.Lock()
	d.stats.IDRRequestsSent++
	d.statsMu.Unlock()
	d.log.Info("idr requested", "reason", reason)
}

// adoptPeer records the first-seen sender address/session_id, matching
// the original's "only learn the peer once" behavior.
func (d *Dispatcher) adoptPeer(from *net.UDPAddr, sessionID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peer == nil {
		d.peer = from
		d.sessionID = sessionID
		d.log.Info("sender discovered", "addr", from.String(), "session_id", sessionID)
	}
}

func (d *Dispatcher) bumpParseErrors() {
	d.statsMu.Lock()
	d.stats.ParseErrors++
	d.statsMu.Unlock()
}

// PeerAddr returns the adopted sender address, or nil if none yet.
func (d *Dispatcher) PeerAddr() *net.UDPAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// SessionID returns the adopted session id.
func (d *Dispatcher) SessionID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Snapshot returns a copy of the dispatcher's packet-level counters.
func (d *Dispatcher) Snapshot() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}
