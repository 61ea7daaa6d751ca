package ice

// This file builds the Binding-family messages of §4.3's table:
// ClientBinding, ConnectivityCheck, ServerBinding (success + error
// variants). Each constructor is a pure function from its inputs to a
// *Message; Transaction/Stream code decides when to send and how to
// interpret the response.

// NewClientBindingRequest builds a plain STUN reflexive-discovery
// request (no credentials required; Fingerprint optional and omitted
// here to match the minimal wire form used against public STUN servers).
func NewClientBindingRequest() *Message {
	return NewRequest(MethodBinding)
}

// NewConnectivityCheckRequest builds an ICE connectivity check (§4.5):
// ICE-Priority, the controlling/controlled role attribute with the
// agent's tie-breaker, MessageIntegrity keyed by the remote peer's
// password, Fingerprint, and optionally Use-Candidate for nomination or
// aggressive mode.
func NewConnectivityCheckRequest(priority uint32, controlling bool, tieBreaker uint64, localUfrag, remoteUfrag, remotePassword string, useCandidate bool) *Message {
	m := NewRequest(MethodBinding)
	m.SetUsername(remoteUfrag + ":" + localUfrag)
	m.SetPriority(priority)
	if controlling {
		m.SetIceControlling(tieBreaker)
	} else {
		m.SetIceControlled(tieBreaker)
	}
	if useCandidate {
		m.SetUseCandidate()
	}
	m.AddMessageIntegrity([]byte(remotePassword))
	m.AddFingerprint()
	return m
}

// NewServerBindingSuccess builds the success response to an incoming
// Binding request: MAPPED-ADDRESS + XOR-MAPPED-ADDRESS of source,
// MessageIntegrity keyed by the local password, Fingerprint (§4.6).
func NewServerBindingSuccess(req *Message, source NetworkAddress, localPassword string) *Message {
	m := NewSuccessResponse(req)
	m.SetMappedAddress(source)
	m.SetXorMappedAddress(source)
	m.AddMessageIntegrity([]byte(localPassword))
	m.AddFingerprint()
	return m
}

// NewServerBindingErrorRoleConflict builds the 487 (Role Conflict)
// response sent by the side with the higher tie-breaker (§4.6).
func NewServerBindingErrorRoleConflict(req *Message) *Message {
	return NewErrorResponse(req, 487, "Role Conflict")
}

// NewServerBindingErrorBadRequest builds the 400 response sent when a
// Binding request lacks Username or MessageIntegrity (§4.6).
func NewServerBindingErrorBadRequest(req *Message) *Message {
	return NewErrorResponse(req, 400, "Bad Request")
}

// NewBindingIndication builds a one-shot keepalive pinhole refresh
// (§4.3/§4.7): an Indication carries no credentials and expects no
// response.
func NewBindingIndication() *Message {
	return NewIndication(MethodBinding)
}
