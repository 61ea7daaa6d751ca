package ice

import "time"

// Component is one transport flow within a Stream (e.g. RTP or RTCP),
// owned exclusively by its Stream (§3).
type Component struct {
	ID  int
	Tag string

	LocalPortV4 int
	LocalPortV6 int

	// DefaultCandidate is chosen once gathering (or checking) completes:
	// preferred Reflexive, else the best-source-interface Host, else the
	// first Host (§4.4).
	DefaultCandidate *Candidate

	// NominationWaitStart marks when the first Valid pair appeared for
	// this component, so the Controlling side can wait
	// nomination_wait_interval (default 50ms) to prefer LAN pairs before
	// nominating (§4.7).
	NominationWaitStart time.Time

	gatheringDone bool
}
