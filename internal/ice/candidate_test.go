package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePriorityOrdering(t *testing.T) {
	host := ComputePriority(CandidateHost, 255, 1)
	srflx := ComputePriority(CandidateServerReflexive, 255, 1)
	prflx := ComputePriority(CandidatePeerReflexive, 255, 1)
	relay := ComputePriority(CandidateServerRelayed, 255, 1)

	assert.Greater(t, host, prflx)
	assert.Greater(t, prflx, srflx)
	assert.Greater(t, srflx, relay)
}

func TestComputePriorityComponentTieBreak(t *testing.T) {
	c1 := ComputePriority(CandidateHost, 255, 1)
	c2 := ComputePriority(CandidateHost, 255, 2)
	assert.Greater(t, c1, c2, "lower component id must win the priority tie-break")
}

func TestComputeFoundationStable(t *testing.T) {
	base, _ := ParseNetworkAddress("192.168.1.10:5000", false)
	server, _ := ParseNetworkAddress("203.0.113.1:3478", false)

	a := ComputeFoundation(CandidateServerReflexive, base, server)
	b := ComputeFoundation(CandidateServerReflexive, base, server)
	assert.Equal(t, a, b, "foundation must be deterministic for the same inputs")

	otherServer, _ := ParseNetworkAddress("203.0.113.2:3478", false)
	c := ComputeFoundation(CandidateServerReflexive, base, otherServer)
	assert.NotEqual(t, a, c, "different discovering servers must yield different foundations")
}

func TestHostCandidateSDPRoundTrip(t *testing.T) {
	addr, _ := ParseNetworkAddress("192.168.1.10:5000", false)
	c := NewHostCandidate(1, addr, 255)

	line := c.SDPLine()
	parsed, err := ParseCandidateSDPLine(line, 1)
	require.NoError(t, err)

	assert.Equal(t, c.Foundation, parsed.Foundation)
	assert.Equal(t, c.ComponentID, parsed.ComponentID)
	assert.Equal(t, c.Priority, parsed.Priority)
	assert.True(t, c.Address.Equal(parsed.Address))
	assert.Equal(t, CandidateHost, parsed.Type)
}

func TestServerReflexiveCandidateSDPRoundTrip(t *testing.T) {
	base, _ := ParseNetworkAddress("192.168.1.10:5000", false)
	mapped, _ := ParseNetworkAddress("203.0.113.9:41000", false)
	server, _ := ParseNetworkAddress("203.0.113.1:3478", false)
	c := NewServerReflexiveCandidate(1, mapped, base, server, 254, "")

	parsed, err := ParseCandidateSDPLine(c.SDPLine(), 1)
	require.NoError(t, err)
	assert.Equal(t, CandidateServerReflexive, parsed.Type)
	assert.True(t, parsed.Base.Equal(base))
}

func TestParseCandidateSDPLineRejectsNonUDP(t *testing.T) {
	_, err := ParseCandidateSDPLine("abcd 1 TCP 2130706431 192.168.1.10 5000 typ host", 1)
	assert.Error(t, err)
}

func TestParseCandidateSDPLineRejectsMalformed(t *testing.T) {
	_, err := ParseCandidateSDPLine("too few fields", 1)
	assert.Error(t, err)
}
