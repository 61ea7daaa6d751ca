package ice

import (
	"crypto/rand"
	"sync/atomic"
)

// stackIDCounter is an atomically-incrementing, Session-scoped counter
// (not module-level global state, per the design note in §9). Each
// Session holds its own stackIDCounter (an int32 behind atomic
// operations) and increments it for every Stream it creates.
type stackIDCounter struct {
	next int32
}

func (c *stackIDCounter) next_() int {
	return int(atomic.AddInt32(&c.next, 1))
}

// generateTieBreaker produces an 8-byte random tie-breaker used for role
// conflict resolution (§3/§4.6, glossary).
func generateTieBreaker() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// generateUfrag produces a 4-character lowercase ICE username fragment
// (§6).
func generateUfrag() string {
	return randomLowercase(4)
}

// generatePassword produces a 22-character lowercase ICE password (§6).
func generatePassword() string {
	return randomLowercase(22)
}

func randomLowercase(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
