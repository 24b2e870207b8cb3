// Package wire implements the binary framing for the transport: common
// header, VIDEO_FRAGMENT, KEEPALIVE, IDR_REQUEST, PROBE, and HELLO
// messages, all big-endian with no implicit padding.
package wire

import (
	"encoding/binary"

	"github.com/cybergarage/go-safecast/safecast"

	"github.com/tetherfpv/fpv-transport/internal/errors"
)

// Message type constants (common header byte 0).
const (
	TypeVideoFragment uint8 = 0x01
	TypeKeepalive     uint8 = 0x02
	TypeIDRRequest    uint8 = 0x03
	TypeProbe         uint8 = 0x04
	TypeHello         uint8 = 0x05
)

// Version is the only wire version this codec understands.
const Version uint8 = 1

// Fragment flag bits.
const (
	FlagKeyframe uint8 = 0x01
	FlagSPSPPS   uint8 = 0x02
)

// Codec identifiers.
const CodecH264 uint8 = 1

// IDR-request reason codes (spec §4.1, the four-value scheme; the
// overlapping {0x01,0x02,0x03} scheme noted in spec.md's open questions is
// the named implementation bug and is not reproduced here).
const (
	IDRReasonStartup     uint8 = 1
	IDRReasonDecodeError uint8 = 2
	IDRReasonLoss        uint8 = 3
	IDRReasonUser        uint8 = 4
)

// Size limits.
const (
	MaxPayloadSize = 1200
	MaxFragments   = 64
	MaxAUSize      = 128 * 1024
)

// Header sizes, including the 8-byte common header.
const (
	CommonHeaderSize  = 8
	VideoFragmentSize = 28
	KeepaliveSize     = 20
	IDRRequestSize    = 20
	ProbeSize         = 28
	HelloSize         = 32
)

// CommonHeader is the first 8 bytes of every message.
type CommonHeader struct {
	MsgType   uint8
	Version   uint8
	HeaderLen uint16
	SessionID uint32
}

func parseCommonHeader(buf []byte, op string, wantType uint8) (CommonHeader, error) {
	if len(buf) < CommonHeaderSize {
		return CommonHeader{}, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	h := CommonHeader{
		MsgType:   buf[0],
		Version:   buf[1],
		HeaderLen: binary.BigEndian.Uint16(buf[2:4]),
		SessionID: binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Version != Version {
		return CommonHeader{}, errors.NewParseError(op, errors.ParseBadVersion, nil)
	}
	if h.MsgType != wantType {
		return CommonHeader{}, errors.NewParseError(op, errors.ParseBadType, nil)
	}
	return h, nil
}

func putCommonHeader(dst []byte, msgType uint8, headerLen uint16, sessionID uint32) {
	dst[0] = msgType
	dst[1] = Version
	binary.BigEndian.PutUint16(dst[2:4], headerLen)
	binary.BigEndian.PutUint32(dst[4:8], sessionID)
}

// VideoFragment is one fragment of an encoded access unit (spec §3 Fragment).
type VideoFragment struct {
	SessionID uint32
	StreamID  uint32
	FrameID   uint32
	FragIndex uint16
	FragCount uint16
	TsMs      uint32
	Flags     uint8
	Codec     uint8
	Payload   []byte
}

// MarshalVideoFragment encodes f into a freshly allocated buffer.
func MarshalVideoFragment(f *VideoFragment) ([]byte, error) {
	buf := make([]byte, VideoFragmentSize+len(f.Payload))
	if err := marshalVideoFragmentInto(buf, f); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalVideoFragmentInto encodes f into buf, which must come from
// bufpool.Get(VideoFragmentSize+len(f.Payload)) (or be at least that long);
// the pacer's per-fragment send path uses this to avoid a fresh allocation
// for every fragment of every access unit.
func MarshalVideoFragmentInto(buf []byte, f *VideoFragment) ([]byte, error) {
	n := VideoFragmentSize + len(f.Payload)
	if len(buf) < n {
		return nil, errors.NewParseError("marshal.video_fragment", errors.ParseTruncatedPayload, nil)
	}
	if err := marshalVideoFragmentInto(buf[:n], f); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func marshalVideoFragmentInto(buf []byte, f *VideoFragment) error {
	var payloadLen uint16
	if err := safecast.ToUint16(len(f.Payload), &payloadLen); err != nil {
		return errors.NewParseError("marshal.video_fragment", errors.ParseTruncatedPayload, err)
	}
	putCommonHeader(buf, TypeVideoFragment, VideoFragmentSize, f.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], f.StreamID)
	binary.BigEndian.PutUint32(buf[12:16], f.FrameID)
	binary.BigEndian.PutUint16(buf[16:18], f.FragIndex)
	binary.BigEndian.PutUint16(buf[18:20], f.FragCount)
	binary.BigEndian.PutUint32(buf[20:24], f.TsMs)
	buf[24] = f.Flags
	buf[25] = f.Codec
	binary.BigEndian.PutUint16(buf[26:28], payloadLen)
	copy(buf[28:], f.Payload)
	return nil
}

// ParseVideoFragment decodes a VIDEO_FRAGMENT message from buf.
func ParseVideoFragment(buf []byte) (*VideoFragment, error) {
	const op = "parse.video_fragment"
	h, err := parseCommonHeader(buf, op, TypeVideoFragment)
	if err != nil {
		return nil, err
	}
	if h.HeaderLen != VideoFragmentSize || len(buf) < VideoFragmentSize {
		return nil, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	fragIndex := binary.BigEndian.Uint16(buf[16:18])
	fragCount := binary.BigEndian.Uint16(buf[18:20])
	if fragCount > MaxFragments || fragIndex >= fragCount {
		return nil, errors.NewParseError(op, errors.ParseBadFragmentIndex, nil)
	}
	codec := buf[25]
	if codec != CodecH264 {
		return nil, errors.NewParseError(op, errors.ParseBadCodec, nil)
	}
	payloadLen := binary.BigEndian.Uint16(buf[26:28])
	if len(buf) < VideoFragmentSize+int(payloadLen) {
		return nil, errors.NewParseError(op, errors.ParseTruncatedPayload, nil)
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[VideoFragmentSize:VideoFragmentSize+int(payloadLen)])
	return &VideoFragment{
		SessionID: h.SessionID,
		StreamID:  binary.BigEndian.Uint32(buf[8:12]),
		FrameID:   binary.BigEndian.Uint32(buf[12:16]),
		FragIndex: fragIndex,
		FragCount: fragCount,
		TsMs:      binary.BigEndian.Uint32(buf[20:24]),
		Flags:     buf[24],
		Codec:     codec,
		Payload:   payload,
	}, nil
}

// Keepalive is the bidirectional liveness/echo message.
type Keepalive struct {
	SessionID uint32
	TsMs      uint32
	Seq       uint32
	EchoTsMs  uint32
}

func MarshalKeepalive(k *Keepalive) ([]byte, error) {
	buf := make([]byte, KeepaliveSize)
	putCommonHeader(buf, TypeKeepalive, KeepaliveSize, k.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], k.TsMs)
	binary.BigEndian.PutUint32(buf[12:16], k.Seq)
	binary.BigEndian.PutUint32(buf[16:20], k.EchoTsMs)
	return buf, nil
}

func ParseKeepalive(buf []byte) (*Keepalive, error) {
	const op = "parse.keepalive"
	h, err := parseCommonHeader(buf, op, TypeKeepalive)
	if err != nil {
		return nil, err
	}
	if h.HeaderLen != KeepaliveSize || len(buf) < KeepaliveSize {
		return nil, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	return &Keepalive{
		SessionID: h.SessionID,
		TsMs:      binary.BigEndian.Uint32(buf[8:12]),
		Seq:       binary.BigEndian.Uint32(buf[12:16]),
		EchoTsMs:  binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// IDRRequest asks the peer to force a keyframe on the next encode.
type IDRRequest struct {
	SessionID uint32
	Seq       uint32
	TsMs      uint32
	Reason    uint8
}

func MarshalIDRRequest(r *IDRRequest) ([]byte, error) {
	buf := make([]byte, IDRRequestSize)
	putCommonHeader(buf, TypeIDRRequest, IDRRequestSize, r.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], r.Seq)
	binary.BigEndian.PutUint32(buf[12:16], r.TsMs)
	buf[16] = r.Reason
	// buf[17:20] reserved, left zero
	return buf, nil
}

func ParseIDRRequest(buf []byte) (*IDRRequest, error) {
	const op = "parse.idr_request"
	h, err := parseCommonHeader(buf, op, TypeIDRRequest)
	if err != nil {
		return nil, err
	}
	if h.HeaderLen != IDRRequestSize || len(buf) < IDRRequestSize {
		return nil, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	return &IDRRequest{
		SessionID: h.SessionID,
		Seq:       binary.BigEndian.Uint32(buf[8:12]),
		TsMs:      binary.BigEndian.Uint32(buf[12:16]),
		Reason:    buf[16],
	}, nil
}

// Probe role values.
const (
	ProbeRoleSender   uint8 = 0
	ProbeRoleReceiver uint8 = 1
)

// Probe is the NAT hole-punch / keep-path-open datagram.
type Probe struct {
	SessionID uint32
	TsMs      uint32
	ProbeSeq  uint32
	Nonce     uint64
	Role      uint8
	Flags     uint8
}

func MarshalProbe(p *Probe) ([]byte, error) {
	buf := make([]byte, ProbeSize)
	putCommonHeader(buf, TypeProbe, ProbeSize, p.SessionID)
	binary.BigEndian.PutUint32(buf[8:12], p.TsMs)
	binary.BigEndian.PutUint32(buf[12:16], p.ProbeSeq)
	binary.BigEndian.PutUint64(buf[16:24], p.Nonce)
	buf[24] = p.Role
	buf[25] = p.Flags
	// buf[26:28] reserved
	return buf, nil
}

func ParseProbe(buf []byte) (*Probe, error) {
	const op = "parse.probe"
	h, err := parseCommonHeader(buf, op, TypeProbe)
	if err != nil {
		return nil, err
	}
	if h.HeaderLen != ProbeSize || len(buf) < ProbeSize {
		return nil, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	return &Probe{
		SessionID: h.SessionID,
		TsMs:      binary.BigEndian.Uint32(buf[8:12]),
		ProbeSeq:  binary.BigEndian.Uint32(buf[12:16]),
		Nonce:     binary.BigEndian.Uint64(buf[16:24]),
		Role:      buf[24],
		Flags:     buf[25],
	}, nil
}

// Hello advertises stream parameters. The internal packages never emit it
// on their own; cmd/fpv-sender sends one at startup via
// pacer.Pacer.SendHello.
type Hello struct {
	SessionID         uint32
	Width             uint16
	Height            uint16
	FpsX10            uint16
	BitrateBps        uint32
	AVCProfile        uint8
	AVCLevel          uint8
	IDRIntervalFrames uint32
}

func MarshalHello(h *Hello) ([]byte, error) {
	buf := make([]byte, HelloSize)
	putCommonHeader(buf, TypeHello, HelloSize, h.SessionID)
	binary.BigEndian.PutUint16(buf[8:10], h.Width)
	binary.BigEndian.PutUint16(buf[10:12], h.Height)
	binary.BigEndian.PutUint16(buf[12:14], h.FpsX10)
	binary.BigEndian.PutUint32(buf[14:18], h.BitrateBps)
	buf[18] = h.AVCProfile
	buf[19] = h.AVCLevel
	binary.BigEndian.PutUint32(buf[20:24], h.IDRIntervalFrames)
	// buf[24:32] reserved
	return buf, nil
}

func ParseHello(buf []byte) (*Hello, error) {
	const op = "parse.hello"
	h, err := parseCommonHeader(buf, op, TypeHello)
	if err != nil {
		return nil, err
	}
	if h.HeaderLen != HelloSize || len(buf) < HelloSize {
		return nil, errors.NewParseError(op, errors.ParseTooShort, nil)
	}
	return &Hello{
		SessionID:         h.SessionID,
		Width:             binary.BigEndian.Uint16(buf[8:10]),
		Height:            binary.BigEndian.Uint16(buf[10:12]),
		FpsX10:            binary.BigEndian.Uint16(buf[12:14]),
		BitrateBps:        binary.BigEndian.Uint32(buf[14:18]),
		AVCProfile:        buf[18],
		AVCLevel:          buf[19],
		IDRIntervalFrames: binary.BigEndian.Uint32(buf[20:24]),
	}, nil
}

// PeekType reads the message type byte without fully validating the
// message, so a dispatcher can route before parsing. Returns false if buf
// is shorter than the common header.
func PeekType(buf []byte) (uint8, bool) {
	if len(buf) < CommonHeaderSize {
		return 0, false
	}
	return buf[0], true
}
