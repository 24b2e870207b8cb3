// Package stun implements a minimal RFC 5389 Binding Request client: enough
// to discover the caller's public address through a NAT, nothing else of
// the STUN protocol is implemented.
package stun

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/tetherfpv/fpv-transport/internal/errors"
	"github.com/tetherfpv/fpv-transport/internal/logger"
)

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442

	attrMappedAddress    = 0x0001
	attrXorMappedAddress = 0x0020

	requestSize    = 20
	attemptTimeout = 1 * time.Second
	attemptsPerSrv = 3

	ipv4Family = 0x01
)

// Servers is the ordered fallback list tried in turn. Ground: the original
// receiver's stun_servers[] list (Cloudflare first, then Google).
var Servers = []string{
	"stun.cloudflare.com:3478",
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

// Result is the outcome of a successful binding discovery.
type Result struct {
	LocalAddr  *net.UDPAddr
	PublicAddr *net.UDPAddr
	Server     string
}

// Discover performs a single Binding Request on conn, trying each server in
// Servers up to attemptsPerSrv times with a 1s per-attempt timeout. It
// returns the first successful result, or a *errors.StunError wrapping
// "stun-unreachable" once every server/attempt combination is exhausted.
func Discover(ctx context.Context, conn *net.UDPConn) (*Result, error) {
	const op = "stun.discover"

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, errors.NewStunError(op, fmt.Errorf("conn has no UDP local address"))
	}

	txnID := make([]byte, 12)
	if _, err := rand.Read(txnID); err != nil {
		return nil, errors.NewStunError(op, err)
	}
	request := buildBindingRequest(txnID)

	for _, server := range Servers {
		serverAddr, err := net.ResolveUDPAddr("udp4", server)
		if err != nil {
			logger.Warn("stun: server resolve failed", "server", server, "err", err)
			continue
		}

		for attempt := 0; attempt < attemptsPerSrv; attempt++ {
			if ctx.Err() != nil {
				return nil, errors.NewStunError(op, ctx.Err())
			}

			if _, err := conn.WriteToUDP(request, serverAddr); err != nil {
				logger.Warn("stun: send failed", "server", server, "err", err)
				continue
			}

			if err := conn.SetReadDeadline(time.Now().Add(attemptTimeout)); err != nil {
				return nil, errors.NewStunError(op, err)
			}

			buf := make([]byte, 512)
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue // timeout or transient read error: next attempt
			}

			public, err := parseBindingResponse(buf[:n], txnID)
			if err != nil {
				continue
			}

			return &Result{LocalAddr: local, PublicAddr: public, Server: server}, nil
		}
	}

	return nil, errors.NewStunError(op, fmt.Errorf("stun-unreachable: exhausted %d servers", len(Servers)))
}

func buildBindingRequest(txnID []byte) []byte {
	req := make([]byte, requestSize)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0) // length = 0, no attributes
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	copy(req[8:20], txnID)
	return req
}

// parseBindingResponse validates type/magic/transaction-id and extracts the
// mapped address, preferring XOR-MAPPED-ADDRESS over MAPPED-ADDRESS.
func parseBindingResponse(buf []byte, txnID []byte) (*net.UDPAddr, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("response too short")
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	if msgType != bindingResponse {
		return nil, fmt.Errorf("unexpected message type %#x", msgType)
	}
	msgLen := binary.BigEndian.Uint16(buf[2:4])
	magic := binary.BigEndian.Uint32(buf[4:8])
	if magic != magicCookie {
		return nil, fmt.Errorf("bad magic cookie")
	}
	for i := 0; i < 12; i++ {
		if buf[8+i] != txnID[i] {
			return nil, fmt.Errorf("transaction id mismatch")
		}
	}

	offset := 20
	end := 20 + int(msgLen)
	if end > len(buf) {
		end = len(buf)
	}

	var mappedFallback *net.UDPAddr
	for offset+4 <= end {
		attrType := binary.BigEndian.Uint16(buf[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		if offset+4+attrLen > len(buf) {
			break
		}
		attrData := buf[offset+4 : offset+4+attrLen]

		switch attrType {
		case attrXorMappedAddress:
			if addr, ok := decodeXorMappedAddress(attrData); ok {
				return addr, nil
			}
		case attrMappedAddress:
			if addr, ok := decodeMappedAddress(attrData); ok {
				mappedFallback = addr
			}
		}

		// Attributes are padded to a 4-byte multiple.
		offset += 4 + ((attrLen + 3) &^ 3)
	}

	if mappedFallback != nil {
		return mappedFallback, nil
	}
	return nil, fmt.Errorf("no mapped address attribute found")
}

func decodeXorMappedAddress(attr []byte) (*net.UDPAddr, bool) {
	if len(attr) < 8 || attr[1] != ipv4Family {
		return nil, false
	}
	xport := binary.BigEndian.Uint16(attr[2:4])
	port := xport ^ uint16(magicCookie>>16)

	xaddr := binary.BigEndian.Uint32(attr[4:8])
	addr := xaddr ^ magicCookie

	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, addr)
	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}

func decodeMappedAddress(attr []byte) (*net.UDPAddr, bool) {
	if len(attr) < 8 || attr[1] != ipv4Family {
		return nil, false
	}
	port := binary.BigEndian.Uint16(attr[2:4])
	ip := make(net.IP, 4)
	copy(ip, attr[4:8])
	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}
