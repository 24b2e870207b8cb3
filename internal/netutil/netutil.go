// Package netutil applies low-latency socket tuning to the shared UDP
// socket: a larger receive buffer and low-delay DSCP marking. Ground:
// original_source/fpv-receiver/src/receiver.c's SO_RCVBUF handling,
// generalized with golang.org/x/net/ipv4 for the IP_TOS marking the C
// original does not set but a real-time video socket should.
package netutil

import (
	"net"

	"golang.org/x/net/ipv4"

	"github.com/tetherfpv/fpv-transport/internal/errors"
)

// DefaultRecvBufferSize matches the C receiver's 64KB default, chosen to
// absorb bursts without growing end-to-end latency (spec §4.6 comment:
// "64KB to avoid hidden latency").
const DefaultRecvBufferSize = 64 * 1024

// LowDelayTOS is the classic IPTOS_LOWDELAY (0x10) DSCP marking,
// requesting low-latency queuing treatment from intermediate routers.
const LowDelayTOS = 0x10

// Configure sets the socket's receive buffer size and TOS marking.
// recvBufferSize <= 0 selects DefaultRecvBufferSize. TOS errors are
// non-fatal on platforms/paths that reject it (e.g. some IPv6-mapped
// sockets) and are returned so the caller can log-and-continue.
func Configure(conn *net.UDPConn, recvBufferSize int) error {
	if recvBufferSize <= 0 {
		recvBufferSize = DefaultRecvBufferSize
	}
	if err := conn.SetReadBuffer(recvBufferSize); err != nil {
		return errors.NewNetError("netutil.configure", err)
	}

	p := ipv4.NewConn(conn)
	if err := p.SetTOS(LowDelayTOS); err != nil {
		return errors.NewNetError("netutil.configure", err)
	}
	return nil
}

// TOS reads back the socket's current TOS marking, for diagnostics.
func TOS(conn *net.UDPConn) (int, error) {
	p := ipv4.NewConn(conn)
	tos, err := p.TOS()
	if err != nil {
		return 0, errors.NewNetError("netutil.tos", err)
	}
	return tos, nil
}
