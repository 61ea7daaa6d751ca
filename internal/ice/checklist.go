package ice

import (
	"sort"
	"strconv"
)

// CheckListState is the overall state of a CheckList (§3).
type CheckListState int

const (
	CheckListRunning CheckListState = iota
	CheckListCompleted
	CheckListFailed
)

// DefaultCheckListLimit is the default cap on pairs after pruning (§3).
const DefaultCheckListLimit = 100

// CheckList is the ordered, priority-sorted, pruned set of candidate
// pairs under check for one Stream (§3/§4.5).
type CheckList struct {
	State CheckListState
	Limit int

	Pairs []*CandidatePair

	controlling bool
	skipRelayed bool
	nextPairID  int
}

// NewCheckList creates an empty CheckList. controlling selects which side
// of the pair priority formula (§3) this agent plays. skipRelayed applies
// the build-time "skip relayed checks" pair-rejection rule of §4.5.
func NewCheckList(controlling, skipRelayed bool) *CheckList {
	return &CheckList{Limit: DefaultCheckListLimit, controlling: controlling, skipRelayed: skipRelayed}
}

// SetControllingRole updates the role used for pair-priority computation,
// called on role-conflict resolution (§4.6) which requires recomputing
// priorities.
func (cl *CheckList) SetControllingRole(controlling bool) {
	cl.controlling = controlling
	cl.Sort()
}

func (cl *CheckList) allocatePairID() string {
	cl.nextPairID++
	return "pair#" + strconv.Itoa(cl.nextPairID)
}

// canBePaired applies the three pair-rejection rules of §4.5: reject if
// families differ, if both candidates are relayed and the remote is not
// public, or if skipRelayed is set and either candidate is relayed.
func canBePaired(local, remote *Candidate, skipRelayed bool) bool {
	if local.Address.Family() != remote.Address.Family() {
		return false
	}
	if local.Type == CandidateServerRelayed && remote.Address.Relayed() && !remote.Address.IsPublic() {
		return false
	}
	if skipRelayed && (local.Type == CandidateServerRelayed || remote.Address.Relayed()) {
		return false
	}
	return true
}

// AddCandidatePairs builds the local x remote cross product for one
// component, assigning the initial Frozen/Waiting states: the first pair
// per foundation across the whole list is Waiting, all others Frozen
// (§4.5).
func (cl *CheckList) AddCandidatePairs(locals, remotes []*Candidate) {
	seenFoundation := make(map[string]bool)
	for _, p := range cl.Pairs {
		seenFoundation[p.Foundation] = true
	}

	for _, l := range locals {
		for _, r := range remotes {
			if l.ComponentID != r.ComponentID {
				continue
			}
			if !canBePaired(l, r, cl.skipRelayed) {
				continue
			}
			pair := NewCandidatePair(cl.allocatePairID(), l, r)
			if !seenFoundation[pair.Foundation] {
				pair.State = PairWaiting
				pair.Role = RoleRegular
				seenFoundation[pair.Foundation] = true
			}
			cl.Pairs = append(cl.Pairs, pair)
		}
	}
	cl.Prune()
}

// isRedundant reports whether b is made obsolete by a under the "smart
// pruning" rule: same family, same remote external address, same relayed
// flag (§4.5 default pruning mode).
func isRedundant(a, b *CandidatePair) bool {
	if a.Local.ComponentID != b.Local.ComponentID {
		return false
	}
	return a.Remote.Address.Equal(b.Remote.Address) &&
		a.Local.Address.Relayed() == b.Local.Address.Relayed()
}

// Prune replaces server-reflexive local candidates with their host base,
// removes redundant pairs (skipping ones already InProgress/Succeeded/
// Failed, which must not be disturbed mid-check), drops pairs whose
// local is relayed and whose remote is non-public LAN, promotes LAN-only
// pairs to the front, sorts by descending priority, and truncates to
// Limit (§4.5).
func (cl *CheckList) Prune() {
	for _, p := range cl.Pairs {
		if p.Local.Type == CandidateServerReflexive {
			base := *p.Local
			base.Type = CandidateHost
			base.Address = base.Base
			p.Local = &base
		}
	}

	kept := cl.Pairs[:0]
	for i, p := range cl.Pairs {
		if p.Local.Type == CandidateServerRelayed && p.Remote.Address.IsLAN() {
			continue
		}
		redundant := false
		if p.State == PairFrozen || p.State == PairWaiting {
			for j := 0; j < i; j++ {
				other := cl.Pairs[j]
				if other == p {
					continue
				}
				if isRedundant(other, p) {
					redundant = true
					break
				}
			}
		}
		if redundant {
			continue
		}
		kept = append(kept, p)
	}
	cl.Pairs = kept

	cl.Sort()

	if cl.Limit > 0 && len(cl.Pairs) > cl.Limit {
		cl.Pairs = cl.Pairs[:cl.Limit]
	}
}

// Sort puts every LAN-LAN pair ahead of every other pair (§3/§4.5);
// within each of the two groups, pairs are ordered by descending priority.
func (cl *CheckList) Sort() {
	sort.SliceStable(cl.Pairs, func(i, j int) bool {
		a, b := cl.Pairs[i], cl.Pairs[j]
		aLAN := a.Local.Address.IsLAN() && a.Remote.Address.IsLAN()
		bLAN := b.Local.Address.IsLAN() && b.Remote.Address.IsLAN()
		if aLAN != bLAN {
			return aLAN
		}
		return a.Priority(cl.controlling) > b.Priority(cl.controlling)
	})
}

// UnfreezeFoundation transitions every Frozen pair sharing foundation to
// Waiting (§4.5/§4.7 point 4: "Unfreeze all same-foundation pairs").
func (cl *CheckList) UnfreezeFoundation(foundation string) {
	for _, p := range cl.Pairs {
		if p.State == PairFrozen && p.Foundation == foundation {
			p.State = PairWaiting
			p.Role = RoleRegular
		}
	}
}

// NextPairToCheck implements the per-tick scheduling rule of §4.5: a
// Waiting+Triggered pair first, else a Waiting+Regular pair, else
// unfreeze one Frozen pair and return it. Returns nil if nothing is
// eligible (e.g. everything already InProgress/terminal).
func (cl *CheckList) NextPairToCheck() *CandidatePair {
	for _, p := range cl.Pairs {
		if p.State == PairWaiting && p.Role == RoleTriggered {
			return p
		}
	}
	for _, p := range cl.Pairs {
		if p.State == PairWaiting && p.Role == RoleRegular {
			return p
		}
	}
	for _, p := range cl.Pairs {
		if p.State == PairFrozen {
			p.State = PairWaiting
			p.Role = RoleRegular
			return p
		}
	}
	return nil
}

// FindPair returns the pair matching local/remote addresses, if any. Per
// §4.6, matching is lenient on the local external port for Host-Host
// pairs: such a pair also matches when only its local IP equals local's
// (the implementation binds to specific ports, so the IP is what
// identifies "the" local interface).
func (cl *CheckList) FindPair(local, remote NetworkAddress) *CandidatePair {
	for _, p := range cl.Pairs {
		if p.Remote.Address.Equal(remote) && p.Local.Address.Family() == local.Family() {
			if p.Local.Address.Equal(local) || p.Local.Base.Equal(local) {
				return p
			}
			if p.Local.Type == CandidateHost && p.Remote.Type == CandidateHost && p.Local.Address.IP().Equal(local.IP()) {
				return p
			}
		}
	}
	return nil
}

// ValidPairs returns every pair in the Valid role.
func (cl *CheckList) ValidPairs() []*CandidatePair {
	var out []*CandidatePair
	for _, p := range cl.Pairs {
		if p.Role == RoleValid {
			out = append(out, p)
		}
	}
	return out
}

// BestValidPairForComponent returns the highest-priority Valid pair for
// the given component, or nil.
func (cl *CheckList) BestValidPairForComponent(componentID int) *CandidatePair {
	var best *CandidatePair
	for _, p := range cl.ValidPairs() {
		if p.Local.ComponentID != componentID {
			continue
		}
		if best == nil || p.Priority(cl.controlling) > best.Priority(cl.controlling) {
			best = p
		}
	}
	return best
}

// Exhausted reports whether every pair is in a terminal, non-valid state
// (Failed) with no Waiting/Frozen/InProgress work remaining — the
// condition under which a Stream with no valid pair per component
// transitions to Failed (§4.7).
func (cl *CheckList) Exhausted() bool {
	for _, p := range cl.Pairs {
		switch p.State {
		case PairFrozen, PairWaiting, PairInProgress:
			return false
		}
	}
	return true
}
