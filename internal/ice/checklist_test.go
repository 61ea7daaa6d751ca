package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, hostport string) NetworkAddress {
	t.Helper()
	a, err := ParseNetworkAddress(hostport, false)
	require.NoError(t, err)
	return a
}

func TestCheckListAddCandidatePairsFirstPerFoundationWaiting(t *testing.T) {
	cl := NewCheckList(true, false)

	localAddr := mustAddr(t, "192.168.1.10:5000")
	local := NewHostCandidate(1, localAddr, 255)

	remoteAddr1 := mustAddr(t, "192.168.1.20:6000")
	remoteAddr2 := mustAddr(t, "192.168.1.21:6001")
	remote1 := NewHostCandidate(1, remoteAddr1, 255)
	remote1.Foundation = "AAAAAAAA"
	remote2 := NewHostCandidate(1, remoteAddr2, 255)
	remote2.Foundation = "BBBBBBBB"

	cl.AddCandidatePairs([]*Candidate{local}, []*Candidate{remote1, remote2})

	require.Len(t, cl.Pairs, 2)
	for _, p := range cl.Pairs {
		assert.Equal(t, PairWaiting, p.State)
	}
}

func TestCheckListComponentMismatchNotPaired(t *testing.T) {
	cl := NewCheckList(true, false)
	local := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remote := NewHostCandidate(2, mustAddr(t, "192.168.1.20:6000"), 255)

	cl.AddCandidatePairs([]*Candidate{local}, []*Candidate{remote})
	assert.Empty(t, cl.Pairs)
}

func TestCheckListSortPromotesLANPairs(t *testing.T) {
	cl := NewCheckList(true, false)

	lanLocal := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	lanRemote := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 255)
	wanLocal := NewHostCandidate(1, mustAddr(t, "192.168.1.11:5001"), 254)
	wanRemote := NewHostCandidate(1, mustAddr(t, "203.0.113.5:6001"), 254)
	// Give the WAN pair a deliberately higher raw priority so the test
	// actually exercises the LAN-promotion tie-break, not just sort-by-priority.
	wanLocal.Priority += 1 << 20
	wanRemote.Priority += 1 << 20

	cl.Pairs = append(cl.Pairs,
		NewCandidatePair(cl.allocatePairID(), wanLocal, wanRemote),
		NewCandidatePair(cl.allocatePairID(), lanLocal, lanRemote),
	)
	cl.Sort()

	assert.True(t, cl.Pairs[0].Local.Address.IsLAN() && cl.Pairs[0].Remote.Address.IsLAN())
}

func TestCheckListUnfreezeFoundation(t *testing.T) {
	cl := NewCheckList(true, false)
	local := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remote := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 255)
	pair := NewCandidatePair("pair#1", local, remote)
	pair.State = PairFrozen
	cl.Pairs = append(cl.Pairs, pair)

	cl.UnfreezeFoundation(pair.Foundation)
	assert.Equal(t, PairWaiting, pair.State)
}

func TestCheckListNextPairToCheckPrefersTriggered(t *testing.T) {
	cl := NewCheckList(true, false)
	local := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remote1 := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 255)
	remote2 := NewHostCandidate(1, mustAddr(t, "192.168.1.21:6001"), 255)

	regular := NewCandidatePair("pair#1", local, remote1)
	regular.State = PairWaiting
	regular.Role = RoleRegular

	triggered := NewCandidatePair("pair#2", local, remote2)
	triggered.State = PairWaiting
	triggered.Role = RoleTriggered

	cl.Pairs = append(cl.Pairs, regular, triggered)

	next := cl.NextPairToCheck()
	assert.Equal(t, triggered, next)
}

func TestCheckListExhausted(t *testing.T) {
	cl := NewCheckList(true, false)
	local := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remote := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 255)
	pair := NewCandidatePair("pair#1", local, remote)
	pair.State = PairFailed
	cl.Pairs = append(cl.Pairs, pair)

	assert.True(t, cl.Exhausted())

	pair.State = PairInProgress
	assert.False(t, cl.Exhausted())
}

func TestCheckListBestValidPairForComponent(t *testing.T) {
	cl := NewCheckList(true, false)
	local := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remoteLow := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 100)
	remoteHigh := NewHostCandidate(1, mustAddr(t, "192.168.1.21:6001"), 255)

	low := NewCandidatePair("pair#1", local, remoteLow)
	low.Role = RoleValid
	high := NewCandidatePair("pair#2", local, remoteHigh)
	high.Role = RoleValid

	cl.Pairs = append(cl.Pairs, low, high)

	best := cl.BestValidPairForComponent(1)
	require.NotNil(t, best)
	assert.Equal(t, high, best)
}

func TestCheckListSkipRelayedRejectsRelayedLocal(t *testing.T) {
	cl := NewCheckList(true, true)

	server := mustAddr(t, "203.0.113.9:3478")
	base := mustAddr(t, "192.168.1.10:5000")
	relayed := NewServerRelayedCandidate(1, mustAddr(t, "203.0.113.9:40000"), base, server, 0, "turn:1")
	host := NewHostCandidate(1, mustAddr(t, "192.168.1.10:5000"), 255)
	remote := NewHostCandidate(1, mustAddr(t, "192.168.1.20:6000"), 255)

	cl.AddCandidatePairs([]*Candidate{relayed, host}, []*Candidate{remote})

	require.Len(t, cl.Pairs, 1, "skipRelayed rejects the relayed pair, keeping only the host pair")
	assert.Equal(t, CandidateHost, cl.Pairs[0].Local.Type)
}
