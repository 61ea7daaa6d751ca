package ice

// Long-term STUN/TURN error codes relevant to authenticated transactions
// (RFC 5389 §10.2, RFC 5766 §7).
const (
	codeUnauthorized     = 401
	codeStaleNonce       = 438
	codeAllocationMismatch = 437
)

// AuthChallenge carries the long-term credentials needed to answer a 401
// or retry after a 438, scoped to one TURN/STUN server. A Stream keeps
// one of these per server (cached in an LRU, see stream.go)
// so later transactions can skip the round trip.
type AuthChallenge struct {
	Realm string
	Nonce string
	Key   []byte // MD5(username:realm:password)
}

// HandleAuthResponse inspects resp for a 401/438 long-term-credential
// challenge and, if found, rebuilds t's request with the new
// Username/Realm/Nonce/MessageIntegrity and a fresh transaction id so the
// caller can re-queue it (§4.2's "Authenticated transaction" cycle).
// Returns the AuthChallenge to cache and true if t should be retried; any
// other error code is terminal and returns (nil, false).
func HandleAuthResponse(t *Transaction, resp *Message, username, password string) (*AuthChallenge, bool) {
	code, _, ok := resp.GetErrorCode()
	if !ok {
		return nil, false
	}

	switch code {
	case codeUnauthorized:
		realm, _ := resp.GetRealm()
		nonce, _ := resp.GetNonce()
		key := LongTermKey(username, realm, password)
		rebuildWithLongTermCredentials(t, username, realm, nonce, key)
		return &AuthChallenge{Realm: realm, Nonce: nonce, Key: key}, true

	case codeStaleNonce:
		nonce, _ := resp.GetNonce()
		realm := t.Realm
		key := LongTermKey(username, realm, password)
		rebuildWithLongTermCredentials(t, username, realm, nonce, key)
		return &AuthChallenge{Realm: realm, Nonce: nonce, Key: key}, true

	default:
		return nil, false
	}
}

// rebuildWithLongTermCredentials replaces t's request with a fresh copy
// carrying the given credentials and a new random transaction id, and
// resets its retransmission schedule.
func rebuildWithLongTermCredentials(t *Transaction, username, realm, nonce string, key []byte) {
	old := t.request
	fresh, _ := NewMessage(old.Class, old.Method, nil)

	// Copy over the original non-credential, non-integrity attributes
	// (everything except USERNAME/REALM/NONCE/MESSAGE-INTEGRITY/
	// FINGERPRINT, which are rebuilt below).
	for _, a := range old.Attributes {
		switch a.Code {
		case AttrUsername, AttrRealm, AttrNonce, AttrMessageIntegrity, AttrFingerprint:
			continue
		default:
			fresh.Add(a)
		}
	}

	fresh.SetUsername(username)
	fresh.SetRealm(realm)
	fresh.SetNonce(nonce)
	fresh.AddMessageIntegrity(key)

	t.request = fresh
	t.TransactionID = fresh.TransactionID
	t.Realm = realm
	t.Nonce = nonce
	t.Username = username
	t.Scheduler = NewPacketScheduler(0)
	t.state = TransactionRunning
}
