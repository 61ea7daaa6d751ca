package ice

import (
	"crypto/rand"
	"fmt"

	"github.com/lanikai/iceagent/internal/packet"
	"github.com/pkg/errors"
)

// Class is the STUN message class: request, indication, success response,
// or error response (RFC 5389 §6).
type Class uint16

const (
	ClassRequest         Class = 0x0
	ClassIndication      Class = 0x1
	ClassSuccessResponse Class = 0x2
	ClassErrorResponse   Class = 0x3
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassIndication:
		return "Indication"
	case ClassSuccessResponse:
		return "Success"
	case ClassErrorResponse:
		return "Error"
	default:
		return fmt.Sprintf("Class(%d)", c)
	}
}

// Method is the STUN message method.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("Method(0x%x)", uint16(m))
	}
}

const (
	magicCookie      uint32 = 0x2112A442
	headerLength            = 20
	transactionIDLen        = 12
)

// ProtocolError enumerates the terminal parse/validate failures named in
// §4.1/§7. A datagram that fails to parse is silently dropped by its
// caller; ProtocolError exists so the caller can log/count the reason.
type ProtocolError string

const (
	ErrBadHeader      ProtocolError = "bad_header"
	ErrBadAttribute   ProtocolError = "bad_attribute"
	ErrBadIntegrity   ProtocolError = "bad_integrity"
	ErrBadFingerprint ProtocolError = "bad_fingerprint"
	ErrTooShort       ProtocolError = "too_short"
)

func (e ProtocolError) Error() string { return string(e) }

// Message is a parsed or to-be-encoded STUN message (RFC 5389 §6, RFC 5766
// extensions for TURN). Attributes are kept in the order they were parsed
// or added, which the codec relies on when re-deriving MessageIntegrity
// and Fingerprint.
type Message struct {
	Class         Class
	Method        Method
	TransactionID [transactionIDLen]byte
	Attributes    []Attribute

	// raw holds the original wire bytes when this Message was produced by
	// Parse, so MessageIntegrity/Fingerprint validation can recompute over
	// the exact prefix that was received. attrOffsets[i] is the byte
	// offset within raw of Attributes[i]'s type field.
	raw         []byte
	attrOffsets []int
}

// NewMessage creates a new outgoing message. If id is nil, a fresh random
// transaction id is generated.
func NewMessage(class Class, method Method, id []byte) (*Message, error) {
	m := &Message{Class: class, Method: method}
	if id == nil {
		if _, err := rand.Read(m.TransactionID[:]); err != nil {
			return nil, errors.Wrap(err, "generate transaction id")
		}
	} else {
		if len(id) != transactionIDLen {
			return nil, errors.New("transaction id must be 12 bytes")
		}
		copy(m.TransactionID[:], id)
	}
	return m, nil
}

// agentSoftware is the RFC 5389 §15.10 SOFTWARE attribute value this
// agent identifies itself with on outgoing requests; purely informational,
// never parsed on responses.
const agentSoftware = "iceagentd"

// NewRequest builds a new Request-class message for method, carrying
// this agent's SOFTWARE attribute.
func NewRequest(method Method) *Message {
	m, _ := NewMessage(ClassRequest, method, nil)
	m.SetSoftware(agentSoftware)
	return m
}

// NewIndication builds a new Indication-class message for method.
func NewIndication(method Method) *Message {
	m, _ := NewMessage(ClassIndication, method, nil)
	return m
}

// NewSuccessResponse builds a success response to req.
func NewSuccessResponse(req *Message) *Message {
	m, _ := NewMessage(ClassSuccessResponse, req.Method, req.TransactionID[:])
	return m
}

// NewErrorResponse builds an error response to req carrying code.
func NewErrorResponse(req *Message, code int, reason string) *Message {
	m, _ := NewMessage(ClassErrorResponse, req.Method, req.TransactionID[:])
	m.SetErrorCode(code, reason)
	return m
}

// composeMessageType composes the 14-bit interleaved class/method field (RFC
// 5389 §6, figure 3).
func composeMessageType(class Class, method Method) uint16 {
	m := uint16(method)
	a := m & 0xf
	b := (m & 0x70) << 1
	d := (m & 0xf80) << 2
	c0 := (uint16(class) & 0x1) << 4
	c1 := (uint16(class) & 0x2) << 7
	return a | b | d | c0 | c1
}

func decomposeMessageType(t uint16) (Class, Method) {
	c0 := (t >> 4) & 0x1
	c1 := (t >> 7) & 0x2
	class := Class(c0 | c1)

	a := t & 0xf
	b := (t & 0xe0) >> 1
	d := (t & 0x3e00) >> 2
	method := Method(a | b | d)
	return class, method
}

// Parse decodes a raw STUN datagram. It returns ErrTooShort/ErrBadHeader
// for a malformed header and ErrBadAttribute for a truncated attribute.
// Unknown comprehension-required attributes (type code < 0x8000) are kept
// as opaque attributes rather than aborting the parse; comprehension-
// optional attributes (>= 0x8000) are likewise stored verbatim.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, ErrTooShort
	}
	r := packet.NewReader(data)

	typeField := r.ReadUint16()
	if typeField&0xc000 != 0 {
		return nil, ErrBadHeader
	}
	length := r.ReadUint16()
	if int(length)%4 != 0 {
		return nil, ErrBadHeader
	}
	cookie := r.ReadUint32()
	if cookie != magicCookie {
		return nil, ErrBadHeader
	}
	if r.Remaining() < transactionIDLen {
		return nil, ErrTooShort
	}
	if len(data) < headerLength+int(length) {
		return nil, ErrTooShort
	}

	class, method := decomposeMessageType(typeField)
	m := &Message{Class: class, Method: method, raw: data}
	copy(m.TransactionID[:], r.ReadSlice(transactionIDLen))

	attrSectionEnd := headerLength + int(length)
	for len(data)-r.Remaining() < attrSectionEnd {
		if r.Remaining() < 4 {
			return nil, ErrBadAttribute
		}
		attrOffset := len(data) - r.Remaining()
		attrType := r.ReadUint16()
		attrLen := r.ReadUint16()
		if r.Remaining() < int(attrLen) {
			return nil, ErrBadAttribute
		}
		value := r.ReadSlice(int(attrLen))
		pad := (4 - int(attrLen)%4) % 4
		if pad > 0 {
			if r.Remaining() < pad {
				return nil, ErrBadAttribute
			}
			r.Skip(pad)
		}

		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		m.Attributes = append(m.Attributes, Attribute{Code: AttrCode(attrType), Raw: valueCopy})
		m.attrOffsets = append(m.attrOffsets, attrOffset)
	}
	return m, nil
}

// attrByCode returns the first attribute with the given code, if present.
func (m *Message) attrByCode(code AttrCode) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Code == code {
			return a, true
		}
	}
	return Attribute{}, false
}

// Add appends attr to the message's attribute list, preserving insertion
// order as required for MessageIntegrity/Fingerprint placement.
func (m *Message) Add(attr Attribute) {
	m.Attributes = append(m.Attributes, attr)
}

// Bytes encodes m to wire format, writing the attributes in insertion
// order; no attribute is moved. MessageIntegrity ends up second-to-last
// and Fingerprint last (§4.1) only when AddMessageIntegrity and then
// AddFingerprint are called after every other attribute has been added;
// both compute their values over the attributes present at that moment.
func (m *Message) Bytes() []byte {
	return m.encode(m.Attributes, 0)
}

// encode writes the header plus attrs, with the length field covering
// attrs plus extraLength additional trailing bytes not yet present in
// attrs (used by AddMessageIntegrity/AddFingerprint to compute a hash
// over a prefix while declaring the final, not-yet-written length).
func (m *Message) encode(attrs []Attribute, extraLength int) []byte {
	size := headerLength
	for _, a := range attrs {
		size += 4 + padded(len(a.Raw))
	}
	w := packet.NewWriterSize(size)
	w.WriteUint16(composeMessageType(m.Class, m.Method))
	w.WriteUint16(uint16(size - headerLength + extraLength))
	w.WriteUint32(magicCookie)
	_ = w.WriteSlice(m.TransactionID[:])
	for _, a := range attrs {
		writeAttribute(w, a)
	}
	return w.Bytes()
}

func writeAttribute(w *packet.Writer, a Attribute) {
	w.WriteUint16(uint16(a.Code))
	w.WriteUint16(uint16(len(a.Raw)))
	_ = w.WriteSlice(a.Raw)
	w.ZeroPad(padded(len(a.Raw)) - len(a.Raw))
}

func padded(n int) int {
	return n + (4-n%4)%4
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s txn=%x attrs=%d", m.Class, m.Method, m.TransactionID, len(m.Attributes))
}
