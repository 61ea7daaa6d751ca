package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.UseIPv4 = true
	cfg.UseIPv6 = false
	cfg.Mode = ModeStunOnly
	return cfg
}

func TestSessionAddStreamAndLookup(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	stream := s.AddStream(7, true)
	require.NotNil(t, stream)
	assert.Equal(t, stream, s.Stream(7))
	assert.Nil(t, s.Stream(99))
}

func TestSessionProcessIncomingUnknownStream(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	addr, _ := ParseNetworkAddress("192.168.1.5:4000", false)
	err := s.ProcessIncomingData(1, 0, []byte{0}, addr, time.Now())
	assert.ErrorIs(t, err, errUnknownStream)
}

func TestSessionSetRemoteCandidatesUnknownStream(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	err := s.SetRemoteCandidates(1, "ufrag", "pwd", nil)
	assert.ErrorIs(t, err, errUnknownStream)
}

func TestSessionRecomputeStateAggregatesWorstStream(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	a := s.AddStream(0, true)
	b := s.AddStream(1, true)

	a.State = StreamSuccess
	b.State = StreamChecking
	s.recomputeState()
	assert.Equal(t, SessionChecking, s.State())

	b.State = StreamFailed
	s.recomputeState()
	assert.Equal(t, SessionFailed, s.State())
}

func TestSessionSummaryMentionsStreamCount(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	s.AddStream(0, true)
	s.AddStream(1, false)
	assert.Contains(t, s.Summary(), "streams=2")
}

func TestSessionTeardownDoesNotPanicWithoutAllocations(t *testing.T) {
	s := NewSession(testServerConfig(), nil)
	s.AddStream(0, true)
	assert.NotPanics(t, func() { s.Teardown() })
}
