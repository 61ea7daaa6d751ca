package ice

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
)

// fingerprintXor is applied to the CRC32 so that a STUN message cannot be
// mistaken for certain other protocols sharing the same port (RFC 5389
// §15.5).
const fingerprintXor uint32 = 0x5354554E

// LongTermKey derives the MD5 key used for MessageIntegrity under
// long-term (TURN) credentials: MD5(username:realm:password) (RFC 5389
// §15.4).
func LongTermKey(username, realm, password string) []byte {
	h := md5.New()
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(realm))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return h.Sum(nil)
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed as
// HMAC-SHA1 over the message encoded so far, with the length field
// already reflecting the final size through this attribute (§4.1). It
// must be added after every other attribute except FINGERPRINT.
func (m *Message) AddMessageIntegrity(key []byte) {
	prefix := m.encode(m.Attributes, 4+20)
	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	m.Add(Attribute{Code: AttrMessageIntegrity, Raw: mac.Sum(nil)})
}

// ValidateMessageIntegrity recomputes HMAC-SHA1 over the originally
// received bytes up through (but not including) the MESSAGE-INTEGRITY
// attribute, with the length field temporarily restored to cover through
// that attribute, and compares against the attribute's value. Only valid
// on a Message produced by Parse.
func (m *Message) ValidateMessageIntegrity(key []byte) bool {
	idx := -1
	for i, a := range m.Attributes {
		if a.Code == AttrMessageIntegrity {
			idx = i
			break
		}
	}
	if idx < 0 || m.raw == nil || idx >= len(m.attrOffsets) {
		return false
	}
	a := m.Attributes[idx]
	if len(a.Raw) != 20 {
		return false
	}

	offset := m.attrOffsets[idx]
	prefix := make([]byte, offset)
	copy(prefix, m.raw[:offset])
	lengthThroughMI := offset - headerLength + 4 + 20
	binary.BigEndian.PutUint16(prefix[2:4], uint16(lengthThroughMI))

	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	return hmac.Equal(mac.Sum(nil), a.Raw)
}

// AddFingerprint appends a FINGERPRINT attribute: CRC32 of the preceding
// message XOR'd with fingerprintXor. It must be the last attribute added.
func (m *Message) AddFingerprint() {
	prefix := m.encode(m.Attributes, 4+4)
	sum := crc32.ChecksumIEEE(prefix) ^ fingerprintXor
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, sum)
	m.Add(Attribute{Code: AttrFingerprint, Raw: raw})
}

// ValidateFingerprint recomputes CRC32 over the originally received
// bytes up through (but not including) the FINGERPRINT attribute and
// compares against its value. Only valid on a Message produced by Parse.
func (m *Message) ValidateFingerprint() bool {
	idx := -1
	for i, a := range m.Attributes {
		if a.Code == AttrFingerprint {
			idx = i
			break
		}
	}
	if idx < 0 || m.raw == nil || idx >= len(m.attrOffsets) {
		return false
	}
	a := m.Attributes[idx]
	if len(a.Raw) != 4 {
		return false
	}

	offset := m.attrOffsets[idx]
	prefix := make([]byte, offset)
	copy(prefix, m.raw[:offset])
	lengthThroughFP := offset - headerLength + 4 + 4
	binary.BigEndian.PutUint16(prefix[2:4], uint16(lengthThroughFP))

	sum := crc32.ChecksumIEEE(prefix) ^ fingerprintXor
	return binary.BigEndian.Uint32(a.Raw) == sum
}
