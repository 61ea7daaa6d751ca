package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStreamConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.UseIPv4 = true
	cfg.UseIPv6 = false
	cfg.Mode = ModeStunOnly
	cfg.StunServersV4 = nil // no servers configured: gathering is host-only
	return cfg
}

func oneLANInterface(t *testing.T) []LocalInterface {
	t.Helper()
	addr, err := ParseNetworkAddress("192.168.1.50:0", false)
	require.NoError(t, err)
	return []LocalInterface{{Name: "eth-test", Addr: addr, Preference: 255}}
}

func TestStreamGatheringHostOnlyCompletesImmediately(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")

	now := time.Now()
	s.StartGathering(now, oneLANInterface(t))

	assert.True(t, s.AllGathered(), "no STUN/TURN servers configured means nothing to wait on")
	s.FinishGathering()
	assert.Equal(t, StreamChecking, s.State)

	comp := s.component(1)
	require.NotNil(t, comp.DefaultCandidate)
	assert.Equal(t, CandidateHost, comp.DefaultCandidate.Type)
}

func TestStreamBuildCheckListProducesPairs(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	now := time.Now()
	s.StartGathering(now, oneLANInterface(t))
	s.FinishGathering()

	remoteAddr, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)
	remote := NewHostCandidate(1, remoteAddr, 255)

	s.AddRemoteCandidates("rufrag", "rpwd", []*Candidate{remote})
	s.BuildCheckList()

	assert.Equal(t, "rufrag", s.RemoteUfrag)
	assert.NotEmpty(t, s.checkList.Pairs)
}

func TestStreamGenerateOutgoingDataEmitsBindingRequest(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	now := time.Now()
	s.StartGathering(now, oneLANInterface(t))
	s.FinishGathering()

	remoteAddr, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)
	remote := NewHostCandidate(1, remoteAddr, 255)
	s.AddRemoteCandidates("rufrag", "rpwd", []*Candidate{remote})
	s.BuildCheckList()

	buf := s.GenerateOutgoingData(now)
	require.NotNil(t, buf, "a Waiting pair must yield a connectivity check on the first poll")

	msg, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, MethodBinding, msg.Method)
	assert.Equal(t, ClassRequest, msg.Class)
}

func TestStreamControllingAccessor(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	assert.True(t, s.Controlling())
}

func TestStreamPendingApplicationDataDrainsOnce(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.pendingData = []*ByteBuffer{NewByteBuffer([]byte("payload"))}

	drained := s.PendingApplicationData()
	assert.Len(t, drained, 1)
	assert.Empty(t, s.PendingApplicationData())
}

func TestStreamResurrectsAllocationOnAllocationMismatch(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")

	server, err := ParseNetworkAddress("203.0.113.9:3478", false)
	require.NoError(t, err)
	base, err := ParseNetworkAddress("192.168.1.50:5000", false)
	require.NoError(t, err)

	relayed := NewServerRelayedCandidate(1, server, base, server, 0, "turn:1")
	relayed.Ready = true
	s.local = append(s.local, relayed)
	comp := s.component(1)
	comp.DefaultCandidate = relayed
	s.activeServer["turn:1"] = server

	before := len(s.transactions.All())

	req := NewChannelBindRequest(0x4001, server)
	tx := NewTransaction(KindRelaying, req, server, s.ID, 1, ActionChannelBind, s.cfg.InitialRTO)

	resp, err := NewMessage(ClassErrorResponse, MethodChannelBind, tx.TransactionID[:])
	require.NoError(t, err)
	resp.SetErrorCode(437, "Allocation Mismatch")

	s.completeChannelBind(tx, resp)

	_, stillActive := s.activeServer["turn:1"]
	assert.False(t, stillActive, "resurrection clears the stale activeServer entry")
	assert.Greater(t, len(s.transactions.All()), before, "resurrection queues a fresh Allocate transaction")
}

func TestStreamSymmetricControlledConflictSwitchesToControlling(t *testing.T) {
	s := NewStream(0, 0, false, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	source, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	built := NewConnectivityCheckRequest(12345, false, 0, "lufrag", "rufrag", s.LocalPassword, false)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)
	s.handleIncomingBindingRequest(1, req, source, time.Now())

	assert.True(t, s.Controlling(), "a lower peer tie-breaker while both believe they are controlled yields to us")
}

func TestStreamSymmetricControlledConflictStaysControlled(t *testing.T) {
	s := NewStream(0, 0, false, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	source, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	built := NewConnectivityCheckRequest(12345, false, ^uint64(0), "lufrag", "rufrag", s.LocalPassword, false)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)
	s.handleIncomingBindingRequest(1, req, source, time.Now())

	assert.False(t, s.Controlling(), "a higher peer tie-breaker keeps us controlled")
}

func TestStreamQueuesSuccessResponseToValidBindingRequest(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	source, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	built := NewConnectivityCheckRequest(12345, false, 0, "lufrag", "rufrag", s.LocalPassword, false)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)

	s.handleIncomingBindingRequest(1, req, source, time.Now())

	buf := s.GenerateOutgoingData(time.Now())
	require.NotNil(t, buf, "a valid request must queue a response for the next poll")

	resp, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ClassSuccessResponse, resp.Class)
	assert.Equal(t, req.TransactionID, resp.TransactionID)
}

func TestStreamQueuesBadRequestResponseOnMissingIntegrity(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	source, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	// No MessageIntegrity attached at all.
	built := NewRequest(MethodBinding)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)

	s.handleIncomingBindingRequest(1, req, source, time.Now())

	buf := s.GenerateOutgoingData(time.Now())
	require.NotNil(t, buf)

	resp, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ClassErrorResponse, resp.Class)
	code, _, ok := resp.GetErrorCode()
	require.True(t, ok)
	assert.Equal(t, 400, code)
}

func TestStreamQueuesRoleConflictResponseFromLosingSide(t *testing.T) {
	s := NewStream(0, 0, false, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	source, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	// The peer claims ICE-CONTROLLED with the maximum possible
	// tie-breaker: ours (random, practically always smaller) loses, so
	// we stay controlled and answer 487, telling the peer to switch to
	// controlling.
	built := NewConnectivityCheckRequest(12345, false, ^uint64(0), "lufrag", "rufrag", s.LocalPassword, false)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)

	s.handleIncomingBindingRequest(1, req, source, time.Now())
	assert.False(t, s.Controlling())

	buf := s.GenerateOutgoingData(time.Now())
	require.NotNil(t, buf)

	resp, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, ClassErrorResponse, resp.Class)
	code, _, ok := resp.GetErrorCode()
	require.True(t, ok)
	assert.Equal(t, 487, code)
}

func TestStreamRelayedBindingRequestResponseWrappedInSendIndication(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	s.AddComponent(1, 5000, 0, "rtp")
	s.LocalPassword = "localpwd"

	server, err := ParseNetworkAddress("203.0.113.9:3478", false)
	require.NoError(t, err)
	s.activeServer["turn:1"] = server

	peer, err := ParseNetworkAddress("192.168.1.60:6000", false)
	require.NoError(t, err)

	built := NewConnectivityCheckRequest(12345, false, 0, "lufrag", "rufrag", s.LocalPassword, false)
	req, err := Parse(built.Bytes())
	require.NoError(t, err)

	s.processBindingRequest(1, req, peer, time.Now(), true)

	buf := s.GenerateOutgoingData(time.Now())
	require.NotNil(t, buf)
	assert.True(t, buf.Relayed)
	assert.True(t, buf.Remote.Equal(server), "a relayed response must be sent to the TURN server, not the peer")

	wrapper, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, MethodSend, wrapper.Method)
	assert.Equal(t, ClassIndication, wrapper.Class)

	inner, ok := wrapper.GetData()
	require.True(t, ok)
	resp, err := Parse(inner)
	require.NoError(t, err)
	assert.Equal(t, ClassSuccessResponse, resp.Class)
}

func TestStreamSessionTimeoutChoosesDefaultsAndEmitsGathered(t *testing.T) {
	var gatheredStreamID = -1
	events := &Events{OnGathered: func(streamID int) { gatheredStreamID = streamID }}

	cfg := testStreamConfig()
	cfg.SessionTimeout = 1 * time.Second

	s := NewStream(3, 0, true, cfg, events)
	s.AddComponent(1, 5000, 0, "rtp")

	start := time.Now()
	s.StartGathering(start, oneLANInterface(t))

	buf := s.GenerateOutgoingData(start.Add(2 * time.Second))
	assert.Nil(t, buf)
	assert.Equal(t, StreamTimeout, s.State)
	assert.Equal(t, 3, gatheredStreamID, "a Host candidate exists, so onGathered fires rather than onFailed")

	comp := s.component(1)
	require.NotNil(t, comp.DefaultCandidate)
	assert.Equal(t, CandidateHost, comp.DefaultCandidate.Type)
}

func TestStreamSessionTimeoutEmitsFailedWithoutAnyCandidate(t *testing.T) {
	var failedStreamID = -1
	events := &Events{OnFailed: func(streamID int, code int) { failedStreamID = streamID }}

	cfg := testStreamConfig()
	cfg.SessionTimeout = 1 * time.Second

	s := NewStream(4, 0, true, cfg, events)
	s.AddComponent(1, 5000, 0, "rtp")

	start := time.Now()
	s.StartGathering(start, nil)

	s.GenerateOutgoingData(start.Add(2 * time.Second))
	assert.Equal(t, StreamTimeout, s.State)
	assert.Equal(t, 4, failedStreamID)
}

func TestStreamAppliesCachedChallengeToRepeatTransaction(t *testing.T) {
	s := NewStream(0, 0, true, testStreamConfig(), nil)
	server, err := ParseNetworkAddress("203.0.113.9:3478", false)
	require.NoError(t, err)

	s.authCache.Add(server.String(), &AuthChallenge{
		Realm: "example.org",
		Nonce: "abc123",
		Key:   []byte("longtermkey"),
	})

	req := NewRefreshRequest(600)
	tx := NewTransaction(KindKeepAlive, req, server, s.ID, 1, ActionRefreshAllocation, s.cfg.InitialRTO)
	s.applyCachedChallenge(tx, server)

	assert.Equal(t, "example.org", tx.Realm)
	assert.Equal(t, "abc123", tx.Nonce)
	realm, ok := tx.request.GetRealm()
	require.True(t, ok)
	assert.Equal(t, "example.org", realm)
}
