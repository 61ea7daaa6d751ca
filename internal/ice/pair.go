package ice

import "fmt"

// CandidatePairState is the check state of a CandidatePair (§3).
type CandidatePairState int

const (
	PairFrozen CandidatePairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s CandidatePairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PairRole marks why a pair is scheduled: a plain checklist entry
// (Regular), a pair pushed to the front by a triggered check (Triggered),
// or one promoted to the valid list after a successful check (Valid)
// (§3/§4.5/§4.7).
type PairRole int

const (
	RoleNone PairRole = iota
	RoleRegular
	RoleTriggered
	RoleValid
)

// NominationState tracks whether Use-Candidate nomination has completed
// for a pair (§3/§4.7).
type NominationState int

const (
	NominationNone NominationState = iota
	NominationStarted
	NominationFinished
)

// CandidatePair is one (local, remote) candidate pairing under check
// (§3).
type CandidatePair struct {
	ID         string
	Local      *Candidate
	Remote     *Candidate
	Foundation string

	State      CandidatePairState
	Role       PairRole
	Nomination NominationState

	// transaction, if non-nil, is the outstanding or most recent
	// connectivity-check transaction for this pair.
	transaction *Transaction
}

// NewCandidatePair pairs local and remote, which must belong to the same
// component. The pair starts Frozen with no role.
func NewCandidatePair(id string, local, remote *Candidate) *CandidatePair {
	if local.ComponentID != remote.ComponentID {
		panic("ice: candidate pair components differ")
	}
	return &CandidatePair{
		ID:         id,
		Local:      local,
		Remote:     remote,
		Foundation: local.Foundation + "/" + remote.Foundation,
		State:      PairFrozen,
	}
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s: %s <-> %s [%s]", p.ID, p.Local.Address, p.Remote.Address, p.State)
}

// Priority computes the RFC 5245 §5.7.2 pair priority:
// 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0), where G is the controlling
// side's candidate priority and D is the controlled side's.
func (p *CandidatePair) Priority(controlling bool) uint64 {
	var g, d uint64
	if controlling {
		g, d = uint64(p.Local.Priority), uint64(p.Remote.Priority)
	} else {
		g, d = uint64(p.Remote.Priority), uint64(p.Local.Priority)
	}
	tie := uint64(0)
	if g > d {
		tie = 1
	}
	return (1<<32)*minU64(g, d) + 2*maxU64(g, d) + tie
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
