package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/tetherfpv/fpv-transport/internal/errors"
)

// FrameHeaderSize is the on-wire FEC group header: group_id u16, index u8,
// k u8, n u8 (spec §4.3/§6).
const FrameHeaderSize = 5

// GroupHeader describes one outer FEC datagram's place within its group.
type GroupHeader struct {
	GroupID uint16
	Index   uint8
	K       uint8
	N       uint8
}

// MarshalFrame prepends an FEC group header to inner, the wrapped protocol
// message (typically an RTP-encapsulated NAL in the FEC-equipped sender
// variant; spec §6).
func MarshalFrame(h GroupHeader, inner []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(inner))
	binary.BigEndian.PutUint16(out[0:2], h.GroupID)
	out[2] = h.Index
	out[3] = h.K
	out[4] = h.N
	copy(out[5:], inner)
	return out
}

// ParseFrame splits an outer FEC datagram into its group header and the
// wrapped inner message.
func ParseFrame(buf []byte) (GroupHeader, []byte, error) {
	const op = "fec.parse_frame"
	if len(buf) < FrameHeaderSize {
		return GroupHeader{}, nil, errors.NewFecError(op, errFrameTooShort)
	}
	h := GroupHeader{
		GroupID: binary.BigEndian.Uint16(buf[0:2]),
		Index:   buf[2],
		K:       buf[3],
		N:       buf[4],
	}
	return h, buf[FrameHeaderSize:], nil
}

var errFrameTooShort = fmt.Errorf("fec frame shorter than header")
