// Package timesource provides the monotonic clock used for timeouts and
// telemetry (never placed on the wire) and the session-relative millisecond
// timestamps that are.
package timesource

import "time"

// NowMicros returns the current value of the process's monotonic clock in
// microseconds. It is only meaningful relative to other NowMicros calls
// within the same process lifetime.
func NowMicros() int64 {
	return time.Since(processStart).Microseconds()
}

var processStart = time.Now()

// Session tracks a session's start time and converts subsequent instants to
// the session-relative millisecond timestamps carried on the wire (ts_ms,
// spec §3).
type Session struct {
	start time.Time
}

// NewSession starts a session clock at the current instant.
func NewSession() *Session {
	return &Session{start: time.Now()}
}

// ElapsedMs returns the milliseconds elapsed since the session started,
// truncated to fit the wire's 32-bit ts_ms field.
func (s *Session) ElapsedMs() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// ElapsedMicros returns the microseconds elapsed since the session started.
func (s *Session) ElapsedMicros() int64 {
	return time.Since(s.start).Microseconds()
}
