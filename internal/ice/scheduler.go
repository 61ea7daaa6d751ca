package ice

import "time"

const (
	defaultInitialRTO  = 100 * time.Millisecond
	defaultMaxAttempts = 10
	// timeout is reached once attempts >= defaultMaxAttempts AND elapsed
	// time since the last send exceeds timeoutMultiple * current RTO.
	timeoutMultiple = 16
)

// PacketScheduler governs the retransmission timing of one outstanding
// STUN/TURN transaction (§4.2). A "simple" schedule (used for one-shot,
// non-retransmitted sends such as SendIndication) never doubles its RTO
// and never times out on its own.
type PacketScheduler struct {
	rto         time.Duration
	attempts    int
	lastSend    time.Time
	maxAttempts int
	simple      bool
}

// NewPacketScheduler creates a scheduler with the given initial RTO. If
// initialRTO is zero, defaultInitialRTO is used.
func NewPacketScheduler(initialRTO time.Duration) *PacketScheduler {
	if initialRTO <= 0 {
		initialRTO = defaultInitialRTO
	}
	return &PacketScheduler{rto: initialRTO, maxAttempts: defaultMaxAttempts}
}

// NewSimpleScheduler creates a scheduler for a one-shot send that is
// never retransmitted and never reported as timed out.
func NewSimpleScheduler() *PacketScheduler {
	return &PacketScheduler{rto: defaultInitialRTO, simple: true}
}

// IsTimeToRetransmit reports whether now is at or past the next send
// deadline: true if no attempt has been made yet, or the elapsed time
// since the last send has reached the current RTO.
func (s *PacketScheduler) IsTimeToRetransmit(now time.Time) bool {
	if s.attempts == 0 {
		return true
	}
	return now.Sub(s.lastSend) >= s.rto
}

// OnAttempt records that a datagram was just sent at now. In non-simple
// mode, the RTO doubles after the first attempt (standard exponential
// backoff).
func (s *PacketScheduler) OnAttempt(now time.Time) {
	if s.attempts > 0 && !s.simple {
		s.rto *= 2
	}
	s.attempts++
	s.lastSend = now
}

// IsTimedOut reports whether this schedule has exhausted its retries:
// attempts >= the configured limit AND elapsed time since the last send
// exceeds 16x the current RTO. A simple schedule never times out.
func (s *PacketScheduler) IsTimedOut(now time.Time) bool {
	if s.simple {
		return false
	}
	if s.attempts < s.maxAttempts {
		return false
	}
	return now.Sub(s.lastSend) > timeoutMultiple*s.rto
}

// Attempts returns the number of attempts made so far.
func (s *PacketScheduler) Attempts() int {
	return s.attempts
}

// Reset clears the schedule so the next IsTimeToRetransmit reports true
// immediately, without resetting the RTO backoff already accumulated.
func (s *PacketScheduler) Reset() {
	s.attempts = 0
}
