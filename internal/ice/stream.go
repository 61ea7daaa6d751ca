package ice

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/lanikai/iceagent/internal/logging"
	"golang.org/x/time/rate"
)

// outgoingRateLimit and outgoingBurstLimit cap how many STUN/TURN
// datagrams a single Stream may emit: outgoingRateLimit per second on
// average, at most outgoingBurstLimit back to back, so a checklist with
// many simultaneously-eligible
// pairs (e.g. right after FinishGathering unfreezes a whole foundation)
// cannot flood the local network interface in one tick.
const outgoingRateLimit = 50 // datagrams/sec
const outgoingBurstLimit = 10

// StreamState is the lifecycle state of a Stream (§3/§4.4/§4.7).
type StreamState int

const (
	StreamEmpty StreamState = iota
	StreamGathering
	StreamChecking
	StreamSuccess
	StreamFailed
	StreamTimeout
)

func (s StreamState) String() string {
	switch s {
	case StreamGathering:
		return "gathering"
	case StreamChecking:
		return "checking"
	case StreamSuccess:
		return "success"
	case StreamFailed:
		return "failed"
	case StreamTimeout:
		return "timeout"
	default:
		return "empty"
	}
}

const nominationWaitInterval = 50 * time.Millisecond

// BoundChannel is an active TURN channel binding (§3/§4.8).
type BoundChannel struct {
	ComponentID int
	Prefix      uint16
	Peer        NetworkAddress
	ResultCode  int
}

// Stream is one media stream (RFC 5245's "media stream"): a set of
// components, their candidates, check list, and transaction queue (§3).
// A Stream's internal state is guarded by its own mutex, distinct from
// the owning Session's (§5).
type Stream struct {
	ID      int
	StackID int

	mu          sync.Mutex
	components  map[int]*Component
	local       []*Candidate
	remote      []*Candidate
	checkList   *CheckList
	transactions *TransactionList

	controlling bool
	tieBreaker  uint64

	LocalUfrag, LocalPassword   string
	RemoteUfrag, RemotePassword string

	turnAllocated int32
	errorCode     int
	State         StreamState

	boundChannels    map[string]*BoundChannel
	channelAllocator *ChannelPrefixAllocator
	authCache        *lru.Cache // key: server address string -> *AuthChallenge

	activeServer map[string]NetworkAddress // failoverID -> winning server

	cfg    ServerConfig
	events *Events
	log    *logging.Logger

	startedAt         time.Time
	expectedGathers   int
	completedGathers  int

	pendingData      []*ByteBuffer
	pendingResponses []*ByteBuffer

	outgoingLimiter *rate.Limiter
}

// NewStream creates an empty Stream. controlling selects the initial ICE
// role; it may flip on role conflict (§4.6).
func NewStream(id, stackID int, controlling bool, cfg ServerConfig, events *Events) *Stream {
	return &Stream{
		ID:               id,
		StackID:          stackID,
		components:       make(map[int]*Component),
		checkList:        NewCheckList(controlling, cfg.SkipRelayedChecks),
		transactions:     NewTransactionList(),
		controlling:      controlling,
		tieBreaker:       generateTieBreaker(),
		LocalUfrag:       generateUfrag(),
		LocalPassword:    generatePassword(),
		boundChannels:    make(map[string]*BoundChannel),
		channelAllocator: NewChannelPrefixAllocator(),
		authCache:        lru.New(32),
		activeServer:     make(map[string]NetworkAddress),
		cfg:              cfg,
		events:           events,
		log:              logging.DefaultLogger.WithTag(fmt.Sprintf("ice.stream.%d", id)),
		State:            StreamEmpty,
		outgoingLimiter:  rate.NewLimiter(rate.Limit(outgoingRateLimit), outgoingBurstLimit),
	}
}

// AddComponent registers a component with the given local ports.
func (s *Stream) AddComponent(id, portV4, portV6 int, tag string) *Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Component{ID: id, Tag: tag, LocalPortV4: portV4, LocalPortV6: portV6}
	s.components[id] = c
	return c
}

func (s *Stream) component(id int) *Component {
	return s.components[id]
}

// Controlling reports the current ICE role.
func (s *Stream) Controlling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlling
}

// boundChannelKey indexes boundChannels by component+peer.
func boundChannelKey(componentID int, peer NetworkAddress) string {
	return fmt.Sprintf("%d|%s", componentID, peer.String())
}

// --- Gathering (§4.4) ---

// StartGathering emits a Host candidate per local interface per
// component, then queues STUN/TURN discovery transactions per the
// failover-group rules of §4.4/§12.
func (s *Stream) StartGathering(now time.Time, interfaces []LocalInterface) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.State = StreamGathering
	s.startedAt = now

	for _, comp := range s.components {
		for _, iface := range interfaces {
			addr := NewNetworkAddress(iface.Addr.IP(), comp.LocalPortV4, false)
			if iface.Addr.Family() == IPv6 {
				addr = NewNetworkAddress(iface.Addr.IP(), comp.LocalPortV6, false)
			}
			host := NewHostCandidate(comp.ID, addr, iface.Preference)
			host.Ready = true
			s.local = append(s.local, host)

			if iface.Addr.Family() != IPv4 {
				continue
			}

			if s.cfg.Mode == ModeStunOnly || s.cfg.Mode == ModeBoth {
				failoverID := fmt.Sprintf("stun:%d", comp.ID)
				for _, server := range s.cfg.StunServersV4 {
					s.queueGatherTransaction(comp.ID, addr, server, failoverID, ActionGatherReflexive, now)
				}
			}
			if s.cfg.Mode == ModeTurnOnly || s.cfg.Mode == ModeBoth {
				failoverID := fmt.Sprintf("turn:%d", comp.ID)
				for _, server := range s.cfg.TurnServersV4 {
					s.queueGatherTransaction(comp.ID, addr, server, failoverID, ActionGatherRelayed, now)
				}
			}
		}
	}
}

func (s *Stream) queueGatherTransaction(componentID int, base, server NetworkAddress, failoverID string, action CompletionAction, now time.Time) {
	var req *Message
	kind := KindBinding
	if action == ActionGatherReflexive {
		req = NewClientBindingRequest()
	} else {
		req = NewAllocateRequest(uint32(s.cfg.TurnLifetime.Seconds()), Unresolved)
		kind = KindRelaying
	}
	t := NewTransaction(kind, req, server, s.ID, componentID, action, s.cfg.InitialRTO)
	t.FailoverID = failoverID
	t.Peer = base // reused field: local base address the request is sent from
	if action == ActionGatherRelayed {
		s.applyCachedChallenge(t, server)
	}
	s.transactions.Add(t)
	s.expectedGathers++
}

// applyCachedChallenge pre-authenticates t's request against a server this
// Stream has already completed a long-term-credential handshake with,
// saving the initial 401 round trip on a repeat allocation or refresh to
// the same TURN server.
func (s *Stream) applyCachedChallenge(t *Transaction, server NetworkAddress) {
	v, ok := s.authCache.Get(server.String())
	if !ok {
		return
	}
	challenge := v.(*AuthChallenge)
	t.Realm = challenge.Realm
	t.Nonce = challenge.Nonce
	t.request.SetUsername(s.authUsername())
	t.request.SetRealm(challenge.Realm)
	t.request.SetNonce(challenge.Nonce)
	t.request.AddMessageIntegrity(challenge.Key)
}

// componentGathered reports whether every expected discovery transaction
// for componentID has terminated (success or failure) (§4.4).
func (s *Stream) componentGathered(componentID int) bool {
	for _, t := range s.transactions.All() {
		if t.ComponentID != componentID {
			continue
		}
		if t.Action != ActionGatherReflexive && t.Action != ActionGatherRelayed {
			continue
		}
		if t.State() == TransactionRunning {
			return false
		}
	}
	return true
}

// AllGathered reports whether every component has finished gathering.
func (s *Stream) AllGathered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.components {
		if !s.componentGathered(id) {
			return false
		}
	}
	return true
}

// FinishGathering runs the post-gather pipeline of §4.4: drop failed
// candidates, dedupe by external address, compute foundations (already
// done at construction), sort each component's candidates by descending
// priority, and choose the default candidate per component.
func (s *Stream) FinishGathering() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*Candidate
	seen := make(map[string]bool)
	for _, c := range s.local {
		if c.Failed {
			continue
		}
		key := fmt.Sprintf("%d|%s", c.ComponentID, c.Address.String())
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].ComponentID != kept[j].ComponentID {
			return kept[i].ComponentID < kept[j].ComponentID
		}
		return kept[i].Priority > kept[j].Priority
	})
	s.local = kept

	for _, comp := range s.components {
		comp.DefaultCandidate = chooseDefaultCandidate(s.local, comp.ID, s.cfg.FallbackTargetIP)
	}

	s.State = StreamChecking
	s.events.fireGathered(s.ID)
}

// started reports whether StartGathering has run for this Stream.
func (s *Stream) started() bool {
	return !s.startedAt.IsZero()
}

// sessionExpired reports whether the session-level gathering+checking
// timer of §4.4 has elapsed without the Stream reaching a terminal
// state.
func (s *Stream) sessionExpired(now time.Time) bool {
	if s.cfg.SessionTimeout <= 0 || !s.started() {
		return false
	}
	switch s.State {
	case StreamTimeout, StreamSuccess, StreamFailed:
		return false
	}
	return now.Sub(s.startedAt) >= s.cfg.SessionTimeout
}

// expireSession enforces the §4.4 timeout: choose_defaults using
// whatever Host candidates gathering has produced so far, emit
// onGathered if at least one component landed a default or onFailed if
// none did, and transition to the terminal Timeout state.
func (s *Stream) expireSession(now time.Time) {
	var hostOnly []*Candidate
	for _, c := range s.local {
		if c.Type == CandidateHost {
			hostOnly = append(hostOnly, c)
		}
	}

	anyDefault := false
	for _, comp := range s.components {
		if comp.DefaultCandidate == nil {
			comp.DefaultCandidate = chooseDefaultCandidate(hostOnly, comp.ID, s.cfg.FallbackTargetIP)
		}
		if comp.DefaultCandidate != nil {
			anyDefault = true
		}
	}

	if anyDefault {
		s.events.fireGathered(s.ID)
	} else {
		s.events.fireFailed(s.ID, 0)
	}
	s.State = StreamTimeout
}

func chooseDefaultCandidate(candidates []*Candidate, componentID int, fallbackTarget string) *Candidate {
	var best, bestHost *Candidate
	var bestBySource *Candidate
	sourceIP, _ := BestSourceInterface(fallbackTarget)

	for _, c := range candidates {
		if c.ComponentID != componentID {
			continue
		}
		if c.Type == CandidateServerReflexive && best == nil {
			best = c
		}
		if c.Type == CandidateHost {
			if bestHost == nil {
				bestHost = c
			}
			if sourceIP != nil && c.Address.IP().Equal(sourceIP) {
				bestBySource = c
			}
		}
	}
	if best != nil {
		return best
	}
	if bestBySource != nil {
		return bestBySource
	}
	return bestHost
}

// --- Outgoing data (pull-based, §4.2/§5) ---

// GenerateOutgoingData returns the next datagram this Stream wants to
// send, or nil if there is nothing to send right now. The caller (the
// owning Session) polls this repeatedly until it returns nil.
func (s *Stream) GenerateOutgoingData(now time.Time) *ByteBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionExpired(now) {
		s.expireSession(now)
	}
	if s.State == StreamTimeout {
		return nil
	}

	if !s.outgoingLimiter.AllowN(now, 1) {
		return nil
	}

	if len(s.pendingResponses) > 0 {
		buf := s.pendingResponses[0]
		s.pendingResponses = s.pendingResponses[1:]
		return buf
	}

	if buf := s.drainTransactionQueue(now); buf != nil {
		return buf
	}

	if s.State == StreamChecking {
		if pair := s.checkList.NextPairToCheck(); pair != nil {
			return s.beginPairCheck(pair, now)
		}
		s.maybeNominate(now)
	}

	return nil
}

func (s *Stream) drainTransactionQueue(now time.Time) *ByteBuffer {
	t := s.transactions.Next(now)
	if t == nil {
		return nil
	}
	buf, ok := t.GenerateData(now, false)
	if !ok {
		if t.State() == TransactionFailed {
			s.handleTransactionFailed(t, now)
		}
		return s.drainTransactionQueue(now)
	}
	return buf
}

func (s *Stream) beginPairCheck(pair *CandidatePair, now time.Time) *ByteBuffer {
	pair.State = PairInProgress
	priority := ComputePriority(CandidatePeerReflexive, 0, pair.Local.ComponentID)
	req := NewConnectivityCheckRequest(priority, s.controlling, s.tieBreaker,
		s.LocalUfrag, s.RemoteUfrag, s.RemotePassword, false)
	t := NewTransaction(KindBinding, req, pair.Remote.Address, s.ID, pair.Local.ComponentID, ActionConnectivityCheck, s.cfg.InitialRTO)
	t.PairID = pair.ID
	pair.transaction = t
	if pair.Role == RoleTriggered {
		s.transactions.AddPrioritized(t)
	} else {
		s.transactions.Add(t)
	}
	buf, _ := t.GenerateData(now, true)
	return buf
}

// --- Incoming data (pull-based, §4.2/§5/§4.6/§4.7/§4.8) ---

// HandleIncoming classifies and dispatches one received datagram for the
// given component: STUN message, TURN channel-data, or (if neither)
// opaque application payload which is queued for the owner to retrieve.
func (s *Stream) HandleIncoming(componentID int, data []byte, source NetworkAddress, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix, payload, ok := ParseChannelData(data); ok {
		peer := s.peerForChannel(prefix)
		if inner, err := Parse(payload); err == nil && inner.Method == MethodBinding && inner.Class == ClassRequest {
			s.processBindingRequest(componentID, inner, peer, now, true)
			return
		}
		buf := NewByteBuffer(append([]byte(nil), payload...))
		buf.Remote = peer
		buf.Component = componentID
		buf.Relayed = true
		s.pendingData = append(s.pendingData, buf)
		return
	}

	msg, err := Parse(data)
	if err != nil {
		s.log.Debug("dropping malformed datagram from %s: %v", source, err)
		return
	}

	switch {
	case msg.Method == MethodData && msg.Class == ClassIndication:
		s.handleDataIndication(componentID, msg, now)
	case msg.Method == MethodBinding && msg.Class == ClassRequest:
		s.processBindingRequest(componentID, msg, source, now, false)
	default:
		s.handleTransactionResponse(msg, source, now)
	}
}

func (s *Stream) handleDataIndication(componentID int, msg *Message, now time.Time) {
	peer, ok := msg.GetXorPeerAddress()
	if !ok {
		return
	}
	data, _ := msg.GetData()

	if inner, err := Parse(data); err == nil && inner.Method == MethodBinding && inner.Class == ClassRequest {
		s.processBindingRequest(componentID, inner, peer, now, true)
		return
	}

	buf := NewByteBuffer(append([]byte(nil), data...))
	buf.Remote = peer
	buf.Component = componentID
	buf.Relayed = true
	s.pendingData = append(s.pendingData, buf)
}

// PendingApplicationData drains and returns decapsulated application
// payloads received via TURN Data indications or channel-data since the
// last call.
func (s *Stream) PendingApplicationData() []*ByteBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingData
	s.pendingData = nil
	return out
}

func (s *Stream) peerForChannel(prefix uint16) NetworkAddress {
	for _, bc := range s.boundChannels {
		if bc.Prefix == prefix {
			return bc.Peer
		}
	}
	return NetworkAddress{}
}

// --- Server-side (incoming) Binding handling, §4.6 ---

// handleIncomingBindingRequest processes a Binding request that arrived
// directly (not via a TURN relay).
func (s *Stream) handleIncomingBindingRequest(componentID int, req *Message, source NetworkAddress, now time.Time) {
	s.processBindingRequest(componentID, req, source, now, false)
}

// processBindingRequest implements §4.6: validate credentials, resolve
// any role conflict, update check-list pair state, and queue the
// response this request requires (400/487/success) for the next
// GenerateOutgoingData call. viaRelay marks a request that was
// decapsulated from a TURN Data indication or channel-data frame, whose
// response must be re-encapsulated in a SendIndication back through the
// relay rather than sent directly to source.
func (s *Stream) processBindingRequest(componentID int, req *Message, source NetworkAddress, now time.Time, viaRelay bool) {
	_, hasUser := req.GetUsername()
	hasIntegrity := req.ValidateMessageIntegrity([]byte(s.LocalPassword))
	if !hasUser || !hasIntegrity {
		s.log.Debug("binding request missing credentials from %s", source)
		s.queueBindingResponse(NewServerBindingErrorBadRequest(req), componentID, source, viaRelay)
		return
	}

	// Role conflict (§4.6, RFC 5245 §7.2.1.1). If both sides believe they
	// are controlling, the side with the lower tie-breaker switches to
	// controlled: we switch if ours is lower, otherwise we answer 487.
	// If both believe they are controlled, the side with the higher
	// tie-breaker switches to controlling: we switch if ours is higher or
	// equal, otherwise we answer 487. A 487 tells the peer to switch
	// roles. A peer whose claimed role differs from ours needs no action.
	roleConflict := false
	if controllingTB, ok := req.GetIceControlling(); ok && s.controlling {
		if controllingTB > s.tieBreaker {
			s.controlling = false
			s.checkList.SetControllingRole(false)
		} else {
			roleConflict = true
		}
	}
	if controlledTB, ok := req.GetIceControlled(); ok && !s.controlling {
		if s.tieBreaker >= controlledTB {
			s.controlling = true
			s.checkList.SetControllingRole(true)
		} else {
			roleConflict = true
		}
	}
	if roleConflict {
		s.queueBindingResponse(NewServerBindingErrorRoleConflict(req), componentID, source, viaRelay)
		return
	}

	local := s.findOrSynthesizePeerReflexive(componentID, viaRelay)
	remote := s.findOrSynthesizePeerReflexiveRemote(componentID, source, req)

	pair := s.checkList.FindPair(local.Address, remote.Address)
	if pair == nil {
		pair = NewCandidatePair(s.checkList.allocatePairID(), local, remote)
		s.checkList.Pairs = append(s.checkList.Pairs, pair)
	}

	switch pair.State {
	case PairWaiting, PairFrozen:
		pair.State = PairWaiting
		pair.Role = RoleTriggered
	case PairInProgress:
		if pair.transaction != nil {
			s.transactions.Remove(pair.transaction)
		}
		pair.State = PairWaiting
		pair.Role = RoleTriggered
	case PairFailed:
		pair.State = PairWaiting
		pair.Role = RoleTriggered
	case PairSucceeded:
		if req.HasUseCandidate() && !s.controlling {
			pair.Nomination = NominationFinished
		}
	}

	s.queueBindingResponse(NewServerBindingSuccess(req, source, s.LocalPassword), componentID, source, viaRelay)
}

// queueBindingResponse appends resp to the outgoing queue GenerateOutgoingData
// drains first. A relayed request's response is wrapped in a SendIndication
// addressed to peer and sent to the component's active TURN server; a
// direct request's response is sent straight to peer. If a relayed
// response can't be addressed (no active TURN server for this component),
// it is dropped: the peer's own retransmission will recover.
func (s *Stream) queueBindingResponse(resp *Message, componentID int, peer NetworkAddress, viaRelay bool) {
	var buf *ByteBuffer
	if viaRelay {
		server, ok := s.activeServer[fmt.Sprintf("turn:%d", componentID)]
		if !ok {
			return
		}
		wrapped := NewSendIndication(peer, resp.Bytes())
		buf = NewByteBuffer(wrapped.Bytes())
		buf.Relayed = true
		buf.Remote = server
	} else {
		buf = NewByteBuffer(resp.Bytes())
		buf.Remote = peer
	}
	buf.Component = componentID
	s.pendingResponses = append(s.pendingResponses, buf)
}

// findOrSynthesizePeerReflexive resolves the local candidate the request
// arrived on (the matched component's relayed candidate if it arrived via
// TURN, else its first Host candidate).
func (s *Stream) findOrSynthesizePeerReflexive(componentID int, viaRelay bool) *Candidate {
	for _, c := range s.local {
		if viaRelay && c.ComponentID == componentID && c.Type == CandidateServerRelayed {
			return c
		}
	}
	for _, c := range s.local {
		if c.ComponentID == componentID && c.Type == CandidateHost {
			return c
		}
	}
	return &Candidate{ComponentID: componentID}
}

func (s *Stream) findOrSynthesizePeerReflexiveRemote(componentID int, source NetworkAddress, req *Message) *Candidate {
	for _, c := range s.remote {
		if c.ComponentID == componentID && c.Address.Equal(source) {
			return c
		}
	}
	priority, _ := req.GetPriority()
	c := NewPeerReflexiveCandidate(componentID, source, NetworkAddress{}, priority)
	s.remote = append(s.remote, c)
	return c
}

// --- Client-side (our) Binding response handling, §4.7 ---

func (s *Stream) handleTransactionResponse(msg *Message, source NetworkAddress, now time.Time) {
	t := s.transactions.FindByID(msg.TransactionID)
	if t == nil {
		return
	}

	if msg.Class == ClassErrorResponse {
		code, _, _ := msg.GetErrorCode()
		if code == codeUnauthorized || code == codeStaleNonce {
			if challenge, retry := HandleAuthResponse(t, msg, s.authUsername(), s.authPassword()); retry {
				s.authCache.Add(t.Destination.String(), challenge)
				return
			}
		}
	}

	terminal := t.ProcessData(msg, now)
	if !terminal {
		return
	}

	switch t.Action {
	case ActionGatherReflexive:
		s.completeGatherReflexive(t, msg)
	case ActionGatherRelayed:
		s.completeGatherRelayed(t, msg)
	case ActionConnectivityCheck:
		s.completeConnectivityCheck(t, msg, now)
	case ActionNomination:
		s.completeNomination(t, msg, now)
	case ActionChannelBind:
		s.completeChannelBind(t, msg)
	case ActionCreatePermission:
		s.completeCreatePermission(t, msg)
	case ActionRefreshAllocation:
		s.completeRefresh(t, msg)
	}
	s.transactions.Remove(t)
}

func (s *Stream) authUsername() string { return s.cfg.TurnUsername }
func (s *Stream) authPassword() string { return s.cfg.TurnPassword }

func (s *Stream) handleTransactionFailed(t *Transaction, now time.Time) {
	switch t.Action {
	case ActionConnectivityCheck:
		if pair := s.findPairByID(t.PairID); pair != nil {
			pair.State = PairFailed
		}
	case ActionGatherReflexive, ActionGatherRelayed:
		// Leave as failed; componentGathered() already treats a
		// non-Running transaction as terminal either way.
	}
	s.transactions.Remove(t)
}

func (s *Stream) findPairByID(id string) *CandidatePair {
	for _, p := range s.checkList.Pairs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *Stream) completeGatherReflexive(t *Transaction, resp *Message) {
	mapped, ok := resp.GetXorMappedAddress()
	if !ok {
		return
	}
	cand := NewServerReflexiveCandidate(t.ComponentID, mapped, t.Peer, t.Destination, 100, t.FailoverID)
	cand.Ready = true
	s.local = append(s.local, cand)
	s.activeServer[t.FailoverID] = t.Destination
	s.cancelFailoverSiblings(t)
}

func (s *Stream) completeGatherRelayed(t *Transaction, resp *Message) {
	relayed, ok := resp.GetXorRelayedAddress()
	if !ok {
		return
	}
	mapped, _ := resp.GetXorMappedAddress()
	lifetime, ok := resp.GetLifetime()
	if !ok {
		lifetime = uint32(s.cfg.TurnLifetime.Seconds())
	}

	if _, already := s.activeServer[t.FailoverID]; already {
		// We lost the race: release this unwanted allocation.
		s.queueRefresh(t.ComponentID, t.Destination, 0)
		return
	}

	relayCand := NewServerRelayedCandidate(t.ComponentID, relayed, t.Peer, t.Destination, 0, t.FailoverID)
	relayCand.Ready = true
	s.local = append(s.local, relayCand)
	if !mapped.Empty() {
		reflexive := NewServerReflexiveCandidate(t.ComponentID, mapped, t.Peer, t.Destination, 100, t.FailoverID)
		reflexive.Ready = true
		s.local = append(s.local, reflexive)
	}
	atomic.AddInt32(&s.turnAllocated, 1)
	s.activeServer[t.FailoverID] = t.Destination
	s.cancelFailoverSiblings(t)

	refreshIn := lifetime / 2
	if refreshIn > 5 {
		refreshIn = 5
	}
	s.queueKeepaliveRefresh(t.ComponentID, t.Destination, lifetime, time.Duration(refreshIn)*time.Second)
}

func (s *Stream) cancelFailoverSiblings(winner *Transaction) {
	for _, t := range s.transactions.All() {
		if t == winner || t.FailoverID != winner.FailoverID {
			continue
		}
		if t.Action == ActionGatherRelayed && t.State() == TransactionRunning {
			s.queueRefresh(t.ComponentID, t.Destination, 0)
		}
		s.transactions.Remove(t)
	}
}

func (s *Stream) queueRefresh(componentID int, server NetworkAddress, lifetime uint32) {
	req := NewRefreshRequest(lifetime)
	t := NewTransaction(KindRelaying, req, server, s.ID, componentID, ActionReleaseRelayed, s.cfg.InitialRTO)
	t.RetainForTeardown()
	s.applyCachedChallenge(t, server)
	s.transactions.Add(t)
}

func (s *Stream) queueKeepaliveRefresh(componentID int, server NetworkAddress, lifetime uint32, interval time.Duration) {
	req := NewRefreshRequest(lifetime)
	t := NewTransaction(KindKeepAlive, req, server, s.ID, componentID, ActionRefreshAllocation, s.cfg.InitialRTO)
	t.Keepalive = true
	t.KeepaliveInterval = interval
	s.applyCachedChallenge(t, server)
	s.transactions.Add(t)
}

func (s *Stream) completeRefresh(t *Transaction, resp *Message) {
	lifetime, _ := resp.GetLifetime()
	if lifetime == 0 {
		atomic.AddInt32(&s.turnAllocated, -1)
		s.events.fireAllocationDeleted(s.ID, t.ComponentID, nil)
	}
}

func (s *Stream) completeConnectivityCheck(t *Transaction, resp *Message, now time.Time) {
	pair := s.findPairByID(t.PairID)
	if pair == nil {
		return
	}
	mapped, ok := resp.GetXorMappedAddress()
	if !ok {
		pair.State = PairFailed
		return
	}

	local := s.findLocalCandidateByAddress(mapped)
	if local == nil {
		priority, _ := resp.GetPriority()
		local = NewPeerReflexiveCandidate(pair.Local.ComponentID, mapped, pair.Local.Address, priority)
		s.local = append(s.local, local)
	}

	valid := NewCandidatePair(s.checkList.allocatePairID(), local, pair.Remote)
	valid.State = PairSucceeded
	valid.Role = RoleValid
	s.checkList.Pairs = append(s.checkList.Pairs, valid)
	pair.State = PairSucceeded
	s.checkList.UnfreezeFoundation(pair.Foundation)

	comp := s.component(valid.Local.ComponentID)
	if comp != nil && comp.NominationWaitStart.IsZero() {
		comp.NominationWaitStart = now
	}

	if t.Request().HasUseCandidate() {
		valid.Nomination = NominationFinished
		s.queueKeepaliveBindingIndication(valid, now)
	}
}

func (s *Stream) findLocalCandidateByAddress(addr NetworkAddress) *Candidate {
	for _, c := range s.local {
		if c.Address.Equal(addr) {
			return c
		}
	}
	return nil
}

func (s *Stream) queueKeepaliveBindingIndication(pair *CandidatePair, now time.Time) {
	req := NewBindingIndication()
	t := NewSimpleTransaction(req, pair.Remote.Address, s.ID, pair.Local.ComponentID)
	t.Kind = KindKeepAlive
	t.Keepalive = true
	t.KeepaliveInterval = s.cfg.KeepaliveInterval
	t.Restart(now)
	s.transactions.Add(t)
}

// maybeNominate implements §4.7 point 5: after nomination_wait_interval
// elapses since the first Valid pair for a component, the Controlling
// side picks the best Valid pair and re-sends it with Use-Candidate.
func (s *Stream) maybeNominate(now time.Time) {
	if !s.controlling {
		return
	}
	for _, comp := range s.components {
		if comp.NominationWaitStart.IsZero() {
			continue
		}
		if now.Sub(comp.NominationWaitStart) < nominationWaitInterval {
			continue
		}
		best := s.checkList.BestValidPairForComponent(comp.ID)
		if best == nil || best.Nomination != NominationNone {
			continue
		}
		best.Nomination = NominationStarted
		s.sendNominationCheck(best, now)
		comp.NominationWaitStart = time.Time{}
	}
	s.updateOverallState()
}

func (s *Stream) sendNominationCheck(pair *CandidatePair, now time.Time) {
	priority := ComputePriority(CandidatePeerReflexive, 0, pair.Local.ComponentID)
	req := NewConnectivityCheckRequest(priority, s.controlling, s.tieBreaker,
		s.LocalUfrag, s.RemoteUfrag, s.RemotePassword, true)
	t := NewTransaction(KindBinding, req, pair.Remote.Address, s.ID, pair.Local.ComponentID, ActionNomination, s.cfg.InitialRTO)
	t.PairID = pair.ID
	s.transactions.AddPrioritized(t)
}

func (s *Stream) completeNomination(t *Transaction, resp *Message, now time.Time) {
	pair := s.findPairByID(t.PairID)
	if pair == nil {
		return
	}
	pair.Nomination = NominationFinished
	s.queueKeepaliveBindingIndication(pair, now)
	s.updateOverallState()
}

// updateOverallState transitions the Stream to Success once every
// component has a nominated pair, or Failed once the check list is
// exhausted with no valid pair for some component (§4.7).
func (s *Stream) updateOverallState() {
	if s.State != StreamChecking {
		return
	}

	allNominated := true
	for id, comp := range s.components {
		found := false
		for _, p := range s.checkList.Pairs {
			if p.Local.ComponentID == id && p.Nomination == NominationFinished {
				comp.DefaultCandidate = p.Local
				found = true
				break
			}
		}
		if !found {
			allNominated = false
		}
	}
	if allNominated {
		s.State = StreamSuccess
		s.events.fireSuccess(s.ID)
		return
	}
	if s.checkList.Exhausted() {
		s.State = StreamFailed
		s.events.fireFailed(s.ID, s.errorCode)
	}
}

// --- TURN permissions and channel binding (§4.8) ---

// InstallPermissions issues a CreatePermission listing every public
// remote candidate for componentID (LAN and IPv6 peers are skipped per
// RFC 5766).
func (s *Stream) InstallPermissions(componentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []NetworkAddress
	for _, c := range s.remote {
		if c.ComponentID != componentID {
			continue
		}
		if !c.Address.IsPublic() || c.Address.Family() != IPv4 {
			continue
		}
		peers = append(peers, c.Address)
	}
	if len(peers) == 0 {
		return
	}

	server, ok := s.activeServer[fmt.Sprintf("turn:%d", componentID)]
	if !ok {
		return
	}
	req := NewCreatePermissionRequest(peers)
	t := NewTransaction(KindRelaying, req, server, s.ID, componentID, ActionCreatePermission, s.cfg.InitialRTO)
	t.Keepalive = true
	t.KeepaliveInterval = 240 * time.Second
	s.transactions.Add(t)
}

func (s *Stream) completeCreatePermission(t *Transaction, resp *Message) {
	code, _, ok := resp.GetErrorCode()
	var err error
	if ok {
		err = fmt.Errorf("create permission failed")
		if code == codeAllocationMismatch {
			s.resurrectAllocation(t.ComponentID, time.Now())
		}
	}
	s.events.firePermissionsInstalled(s.ID, t.ComponentID, err)
}

// resurrectAllocation re-allocates a TURN relay after a 437 Allocation
// Mismatch response (RFC 5766 §7): the server no longer recognizes the
// five-tuple behind the existing allocation, so CreatePermission/
// ChannelBind/Send will keep failing until a fresh Allocate completes
// against the same server (§12). The stale activeServer entry is
// cleared so completeGatherRelayed doesn't treat the new allocation as
// a race loser, and any teardown-retained transaction for this
// component is released now that resurrection has been triggered.
func (s *Stream) resurrectAllocation(componentID int, now time.Time) {
	failoverID := fmt.Sprintf("turn:%d", componentID)
	server, ok := s.activeServer[failoverID]
	if !ok {
		return
	}
	for _, retained := range s.transactions.Retained(componentID) {
		retained.retainedForTeardown = false
	}
	s.transactions.Compact()

	comp := s.components[componentID]
	if comp == nil || comp.DefaultCandidate == nil {
		return
	}
	delete(s.activeServer, failoverID)
	s.queueGatherTransaction(componentID, comp.DefaultCandidate.Base, server, failoverID, ActionGatherRelayed, now)
}

// BindChannel invokes a ClientChannelBind for peer on componentID. If a
// channel is already bound to that (component, peer) pair, its cached
// prefix is returned immediately rather than re-sent.
func (s *Stream) BindChannel(componentID int, peer NetworkAddress, now time.Time) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := boundChannelKey(componentID, peer)
	if bc, ok := s.boundChannels[key]; ok {
		return bc.Prefix
	}

	prefix := s.channelAllocator.Next()
	server, ok := s.activeServer[fmt.Sprintf("turn:%d", componentID)]
	if !ok {
		return prefix
	}

	req := NewChannelBindRequest(prefix, peer)
	t := NewTransaction(KindRelaying, req, server, s.ID, componentID, ActionChannelBind, s.cfg.InitialRTO)
	t.Peer = peer
	t.ChannelNumber = prefix
	t.Keepalive = true
	t.KeepaliveInterval = 240 * time.Second
	s.transactions.Add(t)

	s.boundChannels[key] = &BoundChannel{ComponentID: componentID, Prefix: prefix, Peer: peer}
	return prefix
}

func (s *Stream) completeChannelBind(t *Transaction, resp *Message) {
	key := boundChannelKey(t.ComponentID, t.Peer)
	bc := s.boundChannels[key]
	var err error
	if code, _, ok := resp.GetErrorCode(); ok {
		err = fmt.Errorf("channel bind failed: %d", code)
		if bc != nil {
			bc.ResultCode = code
		}
		if code == codeAllocationMismatch {
			s.resurrectAllocation(t.ComponentID, time.Now())
		}
	}
	s.events.fireChannelBound(s.ID, t.ComponentID, err)
}

// SendRelayed frames payload for peer using a previously bound channel,
// if any, else builds a stateless SendIndication (§4.8).
func (s *Stream) SendRelayed(componentID int, peer NetworkAddress, payload []byte) (*ByteBuffer, NetworkAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server := s.activeServer[fmt.Sprintf("turn:%d", componentID)]
	key := boundChannelKey(componentID, peer)
	if bc, ok := s.boundChannels[key]; ok {
		return NewByteBuffer(ChannelData(bc.Prefix, payload)), server
	}
	msg := NewSendIndication(peer, payload)
	return NewByteBuffer(msg.Bytes()), server
}

// --- Teardown (§4.8/§5) ---

// Teardown issues a zero-Lifetime Refresh for every outstanding TURN
// allocation. queueRefresh marks each of these "deallocation"
// transactions RetainForTeardown, so Compact keeps them in the
// transaction list even after they are removed.
func (s *Stream) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for failoverID, server := range s.activeServer {
		if len(failoverID) > 5 && failoverID[:5] == "turn:" {
			var componentID int
			_, _ = fmt.Sscanf(failoverID, "turn:%d", &componentID)
			s.queueRefresh(componentID, server, 0)
		}
	}
}

// TurnAllocated returns the current outstanding TURN allocation count
// (§8: "non-negative and equals the number of outstanding Refresh
// keepalives at any quiescent moment").
func (s *Stream) TurnAllocated() int32 {
	return atomic.LoadInt32(&s.turnAllocated)
}

// AddRemoteCandidates appends the peer's candidates and credentials,
// parsed from its SDP candidate lines (§6).
func (s *Stream) AddRemoteCandidates(ufrag, password string, candidates []*Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RemoteUfrag = ufrag
	s.RemotePassword = password
	s.remote = append(s.remote, candidates...)
}

// BuildCheckList forms the local x remote candidate pairs for every
// component once both sides' candidates are known (§4.5). A no-op if no
// remote candidates have arrived yet.
func (s *Stream) BuildCheckList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remote) == 0 {
		return
	}
	s.checkList.AddCandidatePairs(s.local, s.remote)
}
