package ice

import "time"

// TransactionKind classifies the purpose of a Transaction for logging and
// for the keepalive/teardown bookkeeping in §4.2/§4.8.
type TransactionKind int

const (
	KindNone TransactionKind = iota
	KindBinding
	KindRelaying
	KindKeepAlive
)

func (k TransactionKind) String() string {
	switch k {
	case KindBinding:
		return "binding"
	case KindRelaying:
		return "relaying"
	case KindKeepAlive:
		return "keepalive"
	default:
		return "none"
	}
}

// TransactionState is the lifecycle state of a Transaction.
type TransactionState int

const (
	TransactionRunning TransactionState = iota
	TransactionSuccess
	TransactionFailed
)

// CompletionAction names what the owning Stream should do when a
// Transaction reaches a terminal state. Per the design note in §9,
// completion is modeled as this enum rather than a closure or virtual
// method holding a back-pointer to the Stream — the Stream interprets the
// action using only the Transaction's own value fields (PairID,
// ComponentID, Peer, ...), never a pointer back to itself.
type CompletionAction int

const (
	ActionNone CompletionAction = iota
	ActionGatherReflexive
	ActionGatherRelayed
	ActionReleaseRelayed
	ActionConnectivityCheck
	ActionNomination
	ActionServerRoleConflict
	ActionChannelBind
	ActionCreatePermission
	ActionFreeAllocation
	ActionRefreshAllocation
	ActionKeepAliveBinding
)

// Transaction is one outstanding (or keepalive-recurring) STUN/TURN
// request, as defined in §3/§4.2. It never holds a pointer to its owning
// Stream or Session; callers identify ownership via StreamID/ComponentID.
type Transaction struct {
	Kind          TransactionKind
	TransactionID [transactionIDLen]byte
	Destination   NetworkAddress
	StreamID      int
	ComponentID   int
	Action        CompletionAction

	Scheduler *PacketScheduler

	Keepalive         bool
	KeepaliveInterval time.Duration
	NextDue           time.Time

	Removed bool
	Relayed bool

	FailoverID string

	// Long-term credential cache, populated by HandleAuthResponse; the
	// owning Stream also caches realm/nonce per server when a 401/438
	// challenge arrives, so later transactions to the same server can
	// skip the 401 round trip (§4.2).
	Realm    string
	Nonce    string
	Username string
	Password string

	// Payload fields interpreted by the owning Stream according to
	// Action, e.g. PairID for ActionConnectivityCheck/ActionNomination,
	// Peer/ChannelNumber for ActionChannelBind/ActionCreatePermission.
	PairID        string
	Peer          NetworkAddress
	ChannelNumber uint16

	request          *Message
	state            TransactionState
	lastErrorCode    int
	retainedForTeardown bool
}

// NewTransaction creates a Transaction for req, to be sent to dest.
func NewTransaction(kind TransactionKind, req *Message, dest NetworkAddress, streamID, componentID int, action CompletionAction, initialRTO time.Duration) *Transaction {
	t := &Transaction{
		Kind:        kind,
		Destination: dest,
		StreamID:    streamID,
		ComponentID: componentID,
		Action:      action,
		Scheduler:   NewPacketScheduler(initialRTO),
		request:     req,
	}
	t.TransactionID = req.TransactionID
	return t
}

// NewSimpleTransaction creates a stateless, non-retransmitted transaction
// such as a SendIndication (§4.8): generated once, never matched against
// a response, never reported as timed out.
func NewSimpleTransaction(req *Message, dest NetworkAddress, streamID, componentID int) *Transaction {
	return &Transaction{
		Kind:        KindRelaying,
		Destination: dest,
		StreamID:    streamID,
		ComponentID: componentID,
		Scheduler:   NewSimpleScheduler(),
		request:     req,
		TransactionID: req.TransactionID,
	}
}

// Request returns the message this transaction will (re)send.
func (t *Transaction) Request() *Message {
	return t.request
}

// State returns the current lifecycle state.
func (t *Transaction) State() TransactionState {
	return t.state
}

// GenerateData returns the next datagram to send, if the schedule
// permits, or (nil, false) if nothing should be sent this tick. If the
// transaction has timed out, its state transitions to Failed and
// (nil, false) is returned; the caller should check State() afterward.
func (t *Transaction) GenerateData(now time.Time, force bool) (*ByteBuffer, bool) {
	if t.state != TransactionRunning {
		return nil, false
	}
	if t.Keepalive && !t.NextDue.IsZero() {
		if now.Before(t.NextDue) {
			return nil, false
		}
	} else if t.Scheduler.IsTimedOut(now) {
		t.state = TransactionFailed
		return nil, false
	} else if !force && !t.Scheduler.IsTimeToRetransmit(now) {
		return nil, false
	}

	t.Scheduler.OnAttempt(now)
	buf := NewByteBuffer(t.request.Bytes())
	buf.Remote = t.Destination
	buf.Component = t.ComponentID
	buf.Tag = t.Kind.String()

	// An Indication expects no response, so nothing will ever call
	// ProcessData to re-arm it; re-arm immediately so it fires again on
	// its own interval instead of every subsequent tick.
	if t.Keepalive && t.request.Class == ClassIndication {
		t.NextDue = now.Add(t.KeepaliveInterval)
	}
	return buf, true
}

// ProcessData handles a parsed response matched to this transaction by
// transaction id. Returns true if the transaction reached a terminal
// state as a result (Success or Failed). Keepalive transactions that
// succeed call Restart to re-arm themselves rather than staying
// terminal.
func (t *Transaction) ProcessData(resp *Message, now time.Time) bool {
	if resp.Class == ClassSuccessResponse {
		t.state = TransactionSuccess
		if t.Keepalive {
			t.Restart(now)
			return false
		}
		return true
	}
	if resp.Class == ClassErrorResponse {
		code, _, _ := resp.GetErrorCode()
		t.lastErrorCode = code
		t.state = TransactionFailed
		return true
	}
	return false
}

// LastErrorCode returns the numeric STUN/TURN error code of the most
// recent error response, or 0 if none was seen.
func (t *Transaction) LastErrorCode() int {
	return t.lastErrorCode
}

// Restart re-arms a keepalive transaction for its next firing at
// now+interval and resets it to Running so GenerateData will produce a
// fresh datagram once due (§4.2).
func (t *Transaction) Restart(now time.Time) {
	t.state = TransactionRunning
	t.Scheduler.Reset()
	t.NextDue = now.Add(t.KeepaliveInterval)
}

// RetainForTeardown marks a transaction (e.g. a TURN
// Refresh-with-Lifetime=0 deallocation) so that, after it is removed,
// the owning transaction list
// keeps it inspectable for a 437 allocation-mismatch resurrection attempt
// (§7, §12) even after Removed is set.
func (t *Transaction) RetainForTeardown() {
	t.retainedForTeardown = true
}
