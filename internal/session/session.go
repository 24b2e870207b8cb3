// Package session implements the receiver's connection-lifecycle state
// machine (spec §4.7). Ground: original_source/fpv-receiver/src/main.c's
// app_state_t/change_state.
package session

import (
	"time"

	"github.com/tetherfpv/fpv-transport/internal/timesource"
)

// State is the receiver's connection-lifecycle state.
type State uint8

const (
	StateInit State = iota
	StateStunGather
	StateWaitSender
	StatePunching
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStunGather:
		return "STUN_GATHER"
	case StateWaitSender:
		return "WAIT_SENDER"
	case StatePunching:
		return "PUNCHING"
	case StateStreaming:
		return "STREAMING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StunTimeout bounds STUN_GATHER before falling to ERROR.
const StunTimeout = 10 * time.Second

// WaitSenderTimeout bounds WAIT_SENDER before falling to ERROR.
const WaitSenderTimeout = 60 * time.Second

// SessionIdleTimeout bounds STREAMING: no packet from the peer for this
// long falls back to ERROR (spec's SESSION_IDLE_TIMEOUT_MS).
const SessionIdleTimeout = 3 * time.Second

// Session tracks the receiver's lifecycle state and the time of the last
// transition, so Tick can detect per-state timeouts the way main.c
// compares state_enter_time_us against the current time.
type Session struct {
	clock              *timesource.Session
	state              State
	enteredAtMicro     int64
	lastActivityMicros int64

	onTransition func(from, to State)
}

// New creates a Session in StateInit.
func New(clock *timesource.Session) *Session {
	return &Session{clock: clock, state: StateInit}
}

// RecordActivity marks the receipt of a packet from the peer. The
// dispatcher calls this on every received packet so Tick can detect
// STREAMING idle timeouts independent of which message type last arrived.
func (s *Session) RecordActivity() {
	s.lastActivityMicros = s.clock.ElapsedMicros()
}

// OnTransition installs a callback invoked on every state change (for
// logging); optional.
func (s *Session) OnTransition(fn func(from, to State)) { s.onTransition = fn }

// State returns the current state.
func (s *Session) State() State { return s.state }

func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	s.enteredAtMicro = s.clock.ElapsedMicros()
	if to == StateStreaming {
		s.lastActivityMicros = s.enteredAtMicro
	}
	if s.onTransition != nil && from != to {
		s.onTransition(from, to)
	}
}

// EnterLocalMode skips discovery entirely: INIT → STREAMING, for
// same-LAN operation with a statically known peer (mirrors main.c's
// --local fast path).
func (s *Session) EnterLocalMode() {
	if s.state == StateInit {
		s.transition(StateStreaming)
	}
}

// StartDiscovery begins NAT traversal: INIT → STUN_GATHER.
func (s *Session) StartDiscovery() {
	if s.state == StateInit {
		s.transition(StateStunGather)
	}
}

// StunSucceeded records a successful STUN binding discovery:
// STUN_GATHER → WAIT_SENDER.
func (s *Session) StunSucceeded() {
	if s.state == StateStunGather {
		s.transition(StateWaitSender)
	}
}

// SenderAddressResolved records that a candidate peer address has been
// obtained (e.g. via signaling): WAIT_SENDER → PUNCHING.
func (s *Session) SenderAddressResolved() {
	if s.state == StateWaitSender {
		s.transition(StatePunching)
	}
}

// ProbeExchanged records a successful bidirectional probe exchange
// during hole punching: PUNCHING → STREAMING.
func (s *Session) ProbeExchanged() {
	if s.state == StatePunching {
		s.transition(StateStreaming)
	}
}

// Fail forces a transition to ERROR from any state.
func (s *Session) Fail() {
	s.transition(StateError)
}

// Tick re-evaluates timeouts for states that have one (STUN_GATHER,
// WAIT_SENDER, STREAMING). Call periodically from the state-driving
// goroutine. Returns true if a timeout fired and the state moved to ERROR.
func (s *Session) Tick() bool {
	now := s.clock.ElapsedMicros()
	elapsed := time.Duration(now-s.enteredAtMicro) * time.Microsecond
	switch s.state {
	case StateStunGather:
		if elapsed > StunTimeout {
			s.transition(StateError)
			return true
		}
	case StateWaitSender:
		if elapsed > WaitSenderTimeout {
			s.transition(StateError)
			return true
		}
	case StateStreaming:
		idle := time.Duration(now-s.lastActivityMicros) * time.Microsecond
		if idle > SessionIdleTimeout {
			s.transition(StateError)
			return true
		}
	}
	return false
}
