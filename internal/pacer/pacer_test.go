package pacer

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/tetherfpv/fpv-transport/internal/timesource"
	"github.com/tetherfpv/fpv-transport/internal/wire"
)

type recordingWriter struct {
	sent    [][]byte
	failAt  int // index (0-based) of the send call to fail, or -1
	calls   int
}

func (w *recordingWriter) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	defer func() { w.calls++ }()
	if w.failAt >= 0 && w.calls == w.failAt {
		return 0, errWriteFailed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	w.sent = append(w.sent, cp)
	return len(b), nil
}

var errWriteFailed = errors.New("simulated write failure")

func testPeer() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
}

func TestSendAccessUnitSingleFragment(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 0xDEADBEEF, 1, timesource.NewSession())

	sent, err := p.SendAccessUnit(EncodedAccessUnit{
		FrameID:    7,
		Data:       []byte{0, 0, 0, 1, 0x67},
		IsKeyframe: true,
		HasSPSPPS:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected 1 fragment sent, got %d", sent)
	}
	if len(w.sent) != 1 {
		t.Fatalf("expected 1 write, got %d", len(w.sent))
	}

	got, err := wire.ParseVideoFragment(w.sent[0])
	if err != nil {
		t.Fatalf("parse sent fragment: %v", err)
	}
	if got.FrameID != 7 || got.FragIndex != 0 || got.FragCount != 1 {
		t.Fatalf("unexpected fragment: %+v", got)
	}
	if got.Flags&wire.FlagKeyframe == 0 || got.Flags&wire.FlagSPSPPS == 0 {
		t.Fatalf("expected keyframe+spspps flags, got %#x", got.Flags)
	}

	st := p.Stats()
	if st.FramesSent != 1 || st.KeyframesSent != 1 || st.FragmentsSent != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSendAccessUnitMultiFragment(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 1, 1, timesource.NewSession())

	maxPayload := wire.MaxPayloadSize - wire.VideoFragmentSize
	data := make([]byte, maxPayload*2+10)
	for i := range data {
		data[i] = byte(i)
	}

	sent, err := p.SendAccessUnit(EncodedAccessUnit{FrameID: 3, Data: data})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 3 {
		t.Fatalf("expected 3 fragments, got %d", sent)
	}

	var reassembled []byte
	for i, raw := range w.sent {
		f, err := wire.ParseVideoFragment(raw)
		if err != nil {
			t.Fatalf("parse fragment %d: %v", i, err)
		}
		if int(f.FragIndex) != i || int(f.FragCount) != 3 {
			t.Fatalf("fragment %d: unexpected index/count %d/%d", i, f.FragIndex, f.FragCount)
		}
		reassembled = append(reassembled, f.Payload...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled payload mismatch")
	}
}

func TestSendAccessUnitAbandonsOnWriteFailure(t *testing.T) {
	w := &recordingWriter{failAt: 1} // fail on the second fragment
	p := New(w, testPeer(), 1, 1, timesource.NewSession())

	maxPayload := wire.MaxPayloadSize - wire.VideoFragmentSize
	data := make([]byte, maxPayload*3)

	sent, err := p.SendAccessUnit(EncodedAccessUnit{FrameID: 9, Data: data})
	if err == nil {
		t.Fatalf("expected an error from the failed write")
	}
	if sent != 1 {
		t.Fatalf("expected exactly 1 fragment sent before abandoning, got %d", sent)
	}
	if p.Stats().SendErrors != 1 {
		t.Fatalf("expected send_errors=1, got %d", p.Stats().SendErrors)
	}
	if p.Stats().FramesSent != 0 {
		t.Fatalf("an abandoned frame must not count as sent")
	}
}

func TestSendAccessUnitTooManyFragments(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 1, 1, timesource.NewSession())

	maxPayload := wire.MaxPayloadSize - wire.VideoFragmentSize
	data := make([]byte, maxPayload*(wire.MaxFragments+1))

	_, err := p.SendAccessUnit(EncodedAccessUnit{FrameID: 1, Data: data})
	if err == nil {
		t.Fatalf("expected an error for an access unit exceeding MaxFragments")
	}
	if len(w.sent) != 0 {
		t.Fatalf("expected no fragments sent for an oversized access unit")
	}
}

func TestSendKeepaliveAndProbe(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 42, 1, timesource.NewSession())

	if err := p.SendKeepalive(123); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}
	if err := p.SendKeepalive(456); err != nil {
		t.Fatalf("send keepalive: %v", err)
	}
	ka0, err := wire.ParseKeepalive(w.sent[0])
	if err != nil {
		t.Fatalf("parse keepalive 0: %v", err)
	}
	ka1, err := wire.ParseKeepalive(w.sent[1])
	if err != nil {
		t.Fatalf("parse keepalive 1: %v", err)
	}
	if ka0.Seq != 0 || ka1.Seq != 1 {
		t.Fatalf("expected monotonically increasing seq, got %d then %d", ka0.Seq, ka1.Seq)
	}
	if ka0.EchoTsMs != 123 || ka1.EchoTsMs != 456 {
		t.Fatalf("unexpected echo_ts_ms values")
	}

	if err := p.SendProbe(0xA1B2C3D4); err != nil {
		t.Fatalf("send probe: %v", err)
	}
	pr, err := wire.ParseProbe(w.sent[2])
	if err != nil {
		t.Fatalf("parse probe: %v", err)
	}
	if pr.Role != wire.ProbeRoleSender || pr.Nonce != 0xA1B2C3D4 {
		t.Fatalf("unexpected probe: %+v", pr)
	}
}

func TestSendIDRRequestRateLimited(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 1, 1, timesource.NewSession())

	ok, err := p.SendIDRRequest(1, wire.IDRReasonLoss)
	if err != nil || !ok {
		t.Fatalf("expected first IDR request to be sent, ok=%v err=%v", ok, err)
	}
	ok, err = p.SendIDRRequest(2, wire.IDRReasonLoss)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected second immediate IDR request to be rate-limited")
	}
	if len(w.sent) != 1 {
		t.Fatalf("expected exactly 1 IDR request on the wire, got %d", len(w.sent))
	}
}

func TestInterFragmentGapNotAppliedAfterLastFragment(t *testing.T) {
	w := &recordingWriter{failAt: -1}
	p := New(w, testPeer(), 1, 1, timesource.NewSession())

	start := time.Now()
	_, err := p.SendAccessUnit(EncodedAccessUnit{FrameID: 1, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("single-fragment send took unexpectedly long: %v", elapsed)
	}
}
