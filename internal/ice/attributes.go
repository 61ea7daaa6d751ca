package ice

import (
	"encoding/binary"
	"fmt"

	"github.com/lanikai/iceagent/internal/packet"
)

// AttrCode is a STUN/TURN attribute type code (RFC 5389 §18.2, RFC 5766
// §14, RFC 5245 §19.1). Attributes are modeled as a tagged sum: one
// variant (AttrCode) per wire type, carrying an opaque value that typed
// Set*/Get* accessors on Message encode/decode on demand rather than as a
// parsed-up-front virtual-dispatch hierarchy.
type AttrCode uint16

const (
	AttrMappedAddress     AttrCode = 0x0001
	AttrUsername          AttrCode = 0x0006
	AttrMessageIntegrity  AttrCode = 0x0008
	AttrErrorCode         AttrCode = 0x0009
	AttrUnknownAttributes AttrCode = 0x000A
	AttrChannelNumber     AttrCode = 0x000C
	AttrLifetime          AttrCode = 0x000D
	AttrXorPeerAddress    AttrCode = 0x0012
	AttrData              AttrCode = 0x0013
	AttrRealm             AttrCode = 0x0014
	AttrNonce             AttrCode = 0x0015
	AttrXorRelayedAddress AttrCode = 0x0016
	AttrRequestedAddressFamily AttrCode = 0x0017
	AttrRequestedTransport AttrCode = 0x0019
	AttrXorMappedAddress  AttrCode = 0x0020
	AttrPriority          AttrCode = 0x0024
	AttrUseCandidate      AttrCode = 0x0025
	AttrSoftware          AttrCode = 0x8022
	AttrFingerprint       AttrCode = 0x8028
	AttrIceControlled     AttrCode = 0x8029
	AttrIceControlling    AttrCode = 0x802A
)

func (c AttrCode) String() string {
	switch c {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttributes:
		return "UNKNOWN-ATTRIBUTES"
	case AttrChannelNumber:
		return "CHANNEL-NUMBER"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXorPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXorRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrRequestedAddressFamily:
		return "REQUESTED-ADDRESS-FAMILY"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrPriority:
		return "PRIORITY"
	case AttrUseCandidate:
		return "USE-CANDIDATE"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrIceControlled:
		return "ICE-CONTROLLED"
	case AttrIceControlling:
		return "ICE-CONTROLLING"
	default:
		return fmt.Sprintf("ATTR(0x%04x)", uint16(c))
	}
}

// Attribute is one (type, value) pair inside a Message.
type Attribute struct {
	Code AttrCode
	Raw  []byte
}

// IsComprehensionRequired reports whether an unrecognized attribute of
// this code must be treated as affecting the parse of protocol semantics
// (type code < 0x8000), versus being safely ignorable (§4.1).
func (c AttrCode) IsComprehensionRequired() bool {
	return c < 0x8000
}

// --- address attributes (XOR'd per RFC 5389 §15.2 / RFC 5766 §14.5) ---

func encodeXorAddress(addr NetworkAddress, transactionID [transactionIDLen]byte) []byte {
	var family byte = 0x01
	if addr.Family() == IPv6 {
		family = 0x02
	}
	w := packet.NewWriterSize(4 + len(addr.IP()))
	w.WriteByte(0)
	w.WriteByte(family)
	port := uint16(addr.Port()) ^ uint16(magicCookie>>16)
	w.WriteUint16(port)

	ip := append([]byte(nil), addr.IP()...)
	cookieBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(cookieBytes, magicCookie)
	xorKey := append(cookieBytes, transactionID[:]...)
	for i := range ip {
		ip[i] ^= xorKey[i]
	}
	_ = w.WriteSlice(ip)
	return w.Bytes()
}

func decodeXorAddress(raw []byte, transactionID [transactionIDLen]byte) (NetworkAddress, error) {
	if len(raw) < 4 {
		return NetworkAddress{}, ErrBadAttribute
	}
	r := packet.NewReader(raw)
	r.Skip(1)
	family := r.ReadByte()
	port := r.ReadUint16() ^ uint16(magicCookie>>16)

	var ipLen int
	switch family {
	case 0x01:
		ipLen = 4
	case 0x02:
		ipLen = 16
	default:
		return NetworkAddress{}, ErrBadAttribute
	}
	if r.Remaining() < ipLen {
		return NetworkAddress{}, ErrBadAttribute
	}
	ip := append([]byte(nil), r.ReadSlice(ipLen)...)

	cookieBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(cookieBytes, magicCookie)
	xorKey := append(cookieBytes, transactionID[:]...)
	for i := range ip {
		ip[i] ^= xorKey[i]
	}
	return NewNetworkAddress(ip, int(port), false), nil
}

func (m *Message) setXorAddress(code AttrCode, addr NetworkAddress) {
	m.Add(Attribute{Code: code, Raw: encodeXorAddress(addr, m.TransactionID)})
}

func (m *Message) getXorAddress(code AttrCode) (NetworkAddress, bool) {
	a, ok := m.attrByCode(code)
	if !ok {
		return NetworkAddress{}, false
	}
	addr, err := decodeXorAddress(a.Raw, m.TransactionID)
	if err != nil {
		return NetworkAddress{}, false
	}
	return addr, true
}

func (m *Message) SetXorMappedAddress(addr NetworkAddress) { m.setXorAddress(AttrXorMappedAddress, addr) }
func (m *Message) GetXorMappedAddress() (NetworkAddress, bool) {
	return m.getXorAddress(AttrXorMappedAddress)
}

func (m *Message) SetXorPeerAddress(addr NetworkAddress) { m.setXorAddress(AttrXorPeerAddress, addr) }
func (m *Message) GetXorPeerAddress() (NetworkAddress, bool) {
	return m.getXorAddress(AttrXorPeerAddress)
}

func (m *Message) GetXorRelayedAddress() (NetworkAddress, bool) {
	return m.getXorAddress(AttrXorRelayedAddress)
}

// SetMappedAddress sets the non-XOR'd MAPPED-ADDRESS (kept alongside
// XOR-MAPPED-ADDRESS in server Binding responses for RFC 3489 backward
// compatibility).
func (m *Message) SetMappedAddress(addr NetworkAddress) {
	var family byte = 0x01
	if addr.Family() == IPv6 {
		family = 0x02
	}
	w := packet.NewWriterSize(4 + len(addr.IP()))
	w.WriteByte(0)
	w.WriteByte(family)
	w.WriteUint16(uint16(addr.Port()))
	_ = w.WriteSlice(addr.IP())
	m.Add(Attribute{Code: AttrMappedAddress, Raw: w.Bytes()})
}

// --- string / opaque attributes ---

func (m *Message) SetUsername(username string) {
	m.Add(Attribute{Code: AttrUsername, Raw: []byte(username)})
}

func (m *Message) GetUsername() (string, bool) {
	a, ok := m.attrByCode(AttrUsername)
	if !ok {
		return "", false
	}
	return string(a.Raw), true
}

func (m *Message) SetRealm(realm string) { m.Add(Attribute{Code: AttrRealm, Raw: []byte(realm)}) }
func (m *Message) GetRealm() (string, bool) {
	a, ok := m.attrByCode(AttrRealm)
	if !ok {
		return "", false
	}
	return string(a.Raw), true
}

func (m *Message) SetNonce(nonce string) { m.Add(Attribute{Code: AttrNonce, Raw: []byte(nonce)}) }
func (m *Message) GetNonce() (string, bool) {
	a, ok := m.attrByCode(AttrNonce)
	if !ok {
		return "", false
	}
	return string(a.Raw), true
}

func (m *Message) SetSoftware(software string) {
	m.Add(Attribute{Code: AttrSoftware, Raw: []byte(software)})
}

func (m *Message) GetSoftware() (string, bool) {
	a, ok := m.attrByCode(AttrSoftware)
	if !ok {
		return "", false
	}
	return string(a.Raw), true
}

func (m *Message) SetData(data []byte) { m.Add(Attribute{Code: AttrData, Raw: data}) }
func (m *Message) GetData() ([]byte, bool) {
	a, ok := m.attrByCode(AttrData)
	return a.Raw, ok
}

// --- numeric attributes ---

func (m *Message) SetPriority(priority uint32) {
	w := packet.NewWriterSize(4)
	w.WriteUint32(priority)
	m.Add(Attribute{Code: AttrPriority, Raw: w.Bytes()})
}

func (m *Message) GetPriority() (uint32, bool) {
	a, ok := m.attrByCode(AttrPriority)
	if !ok || len(a.Raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Raw), true
}

func (m *Message) SetLifetime(seconds uint32) {
	w := packet.NewWriterSize(4)
	w.WriteUint32(seconds)
	m.Add(Attribute{Code: AttrLifetime, Raw: w.Bytes()})
}

func (m *Message) GetLifetime() (uint32, bool) {
	a, ok := m.attrByCode(AttrLifetime)
	if !ok || len(a.Raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Raw), true
}

func (m *Message) SetChannelNumber(n uint16) {
	w := packet.NewWriterSize(4)
	w.WriteUint16(n)
	w.WriteUint16(0)
	m.Add(Attribute{Code: AttrChannelNumber, Raw: w.Bytes()})
}

// RequestedTransport: only UDP (17) is meaningful for this agent.
const RequestedTransportUDP = 17

func (m *Message) SetRequestedTransport() {
	w := packet.NewWriterSize(4)
	w.WriteByte(RequestedTransportUDP)
	w.ZeroPad(3)
	m.Add(Attribute{Code: AttrRequestedTransport, Raw: w.Bytes()})
}

func (m *Message) SetRequestedAddressFamily(family Family) {
	var code byte = 0x01
	if family == IPv6 {
		code = 0x02
	}
	w := packet.NewWriterSize(4)
	w.WriteByte(code)
	w.ZeroPad(3)
	m.Add(Attribute{Code: AttrRequestedAddressFamily, Raw: w.Bytes()})
}

func (m *Message) SetUseCandidate() {
	m.Add(Attribute{Code: AttrUseCandidate, Raw: nil})
}

func (m *Message) HasUseCandidate() bool {
	_, ok := m.attrByCode(AttrUseCandidate)
	return ok
}

func (m *Message) SetIceControlling(tieBreaker uint64) {
	w := packet.NewWriterSize(8)
	w.WriteUint64(tieBreaker)
	m.Add(Attribute{Code: AttrIceControlling, Raw: w.Bytes()})
}

func (m *Message) GetIceControlling() (uint64, bool) {
	a, ok := m.attrByCode(AttrIceControlling)
	if !ok || len(a.Raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Raw), true
}

func (m *Message) SetIceControlled(tieBreaker uint64) {
	w := packet.NewWriterSize(8)
	w.WriteUint64(tieBreaker)
	m.Add(Attribute{Code: AttrIceControlled, Raw: w.Bytes()})
}

func (m *Message) GetIceControlled() (uint64, bool) {
	a, ok := m.attrByCode(AttrIceControlled)
	if !ok || len(a.Raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Raw), true
}

// SetErrorCode encodes class/number per RFC 5389 §15.6, e.g. 401 becomes
// class=4, number=1.
func (m *Message) SetErrorCode(code int, reason string) {
	w := packet.NewWriterSize(4 + len(reason))
	w.ZeroPad(2)
	w.WriteByte(byte(code / 100))
	w.WriteByte(byte(code % 100))
	_ = w.WriteString(reason)
	m.Add(Attribute{Code: AttrErrorCode, Raw: w.Bytes()})
}

func (m *Message) GetErrorCode() (int, string, bool) {
	a, ok := m.attrByCode(AttrErrorCode)
	if !ok || len(a.Raw) < 4 {
		return 0, "", false
	}
	code := int(a.Raw[2])*100 + int(a.Raw[3])
	return code, string(a.Raw[4:]), true
}

