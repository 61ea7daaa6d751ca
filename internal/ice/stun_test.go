package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeRoundTrip(t *testing.T) {
	cases := []struct {
		class  Class
		method Method
	}{
		{ClassRequest, MethodBinding},
		{ClassIndication, MethodBinding},
		{ClassSuccessResponse, MethodBinding},
		{ClassErrorResponse, MethodBinding},
		{ClassRequest, MethodAllocate},
		{ClassRequest, MethodChannelBind},
		{ClassIndication, MethodData},
	}
	for _, c := range cases {
		typ := composeMessageType(c.class, c.method)
		gotClass, gotMethod := decomposeMessageType(typ)
		assert.Equal(t, c.class, gotClass)
		assert.Equal(t, c.method, gotMethod)
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	m := NewRequest(MethodBinding)
	m.SetUsername("bob:alice")
	m.SetPriority(0x6e000100)
	m.SetIceControlling(0x0102030405060708)
	m.AddMessageIntegrity([]byte("password"))
	m.AddFingerprint()

	wire := m.Bytes()
	parsed, err := Parse(wire)
	require.NoError(t, err)

	assert.Equal(t, m.Class, parsed.Class)
	assert.Equal(t, m.Method, parsed.Method)
	assert.Equal(t, m.TransactionID, parsed.TransactionID)
	require.Len(t, parsed.Attributes, len(m.Attributes))

	for i, a := range m.Attributes {
		assert.Equal(t, a.Code, parsed.Attributes[i].Code)
		assert.Equal(t, a.Raw, parsed.Attributes[i].Raw)
	}

	assert.True(t, parsed.ValidateMessageIntegrity([]byte("password")))
	assert.True(t, parsed.ValidateFingerprint())

	// Re-encoding the parsed message reproduces the original wire bytes.
	assert.Equal(t, wire, parsed.Bytes())
}

func TestMessageIntegrityDetectsTampering(t *testing.T) {
	m := NewRequest(MethodBinding)
	m.SetUsername("u")
	m.AddMessageIntegrity([]byte("pwd"))

	wire := m.Bytes()
	wire[headerLength] ^= 0xff // flip the first byte of the first attribute (SOFTWARE's type)

	parsed, err := Parse(wire)
	require.NoError(t, err)
	assert.False(t, parsed.ValidateMessageIntegrity([]byte("pwd")))
}

func TestXorMappedAddressRoundTrip(t *testing.T) {
	m := NewSuccessResponse(NewRequest(MethodBinding))
	addr := NewNetworkAddress(net.ParseIP("203.0.113.5"), 40000, false)
	m.SetXorMappedAddress(addr)

	wire := m.Bytes()
	parsed, err := Parse(wire)
	require.NoError(t, err)

	got, ok := parsed.GetXorMappedAddress()
	require.True(t, ok)
	assert.True(t, got.Equal(addr))
}

func TestXorMappedAddressIPv6(t *testing.T) {
	m := NewSuccessResponse(NewRequest(MethodBinding))
	addr := NewNetworkAddress(net.ParseIP("2001:db8::1"), 443, false)
	m.SetXorMappedAddress(addr)

	parsed, err := Parse(m.Bytes())
	require.NoError(t, err)
	got, ok := parsed.GetXorMappedAddress()
	require.True(t, ok)
	assert.True(t, got.Equal(addr))
}

func TestErrorCodeRoundTrip(t *testing.T) {
	req := NewRequest(MethodAllocate)
	resp := NewErrorResponse(req, 401, "Unauthorized")

	parsed, err := Parse(resp.Bytes())
	require.NoError(t, err)
	code, reason, ok := parsed.GetErrorCode()
	require.True(t, ok)
	assert.Equal(t, 401, code)
	assert.Equal(t, "Unauthorized", reason)
}

func TestTooShort(t *testing.T) {
	_, err := Parse([]byte{0, 0, 0})
	assert.Equal(t, ErrTooShort, err)
}

func TestBadHeaderCookie(t *testing.T) {
	m := NewRequest(MethodBinding)
	wire := m.Bytes()
	wire[4] = 0 // corrupt magic cookie
	_, err := Parse(wire)
	assert.Equal(t, ErrBadHeader, err)
}

func TestUseCandidate(t *testing.T) {
	m := NewRequest(MethodBinding)
	assert.False(t, m.HasUseCandidate())
	m.SetUseCandidate()
	assert.True(t, m.HasUseCandidate())

	parsed, err := Parse(m.Bytes())
	require.NoError(t, err)
	assert.True(t, parsed.HasUseCandidate())
}

func TestNewRequestCarriesSoftwareAttribute(t *testing.T) {
	m := NewRequest(MethodBinding)
	software, ok := m.GetSoftware()
	require.True(t, ok)
	assert.Equal(t, agentSoftware, software)

	parsed, err := Parse(m.Bytes())
	require.NoError(t, err)
	software, ok = parsed.GetSoftware()
	require.True(t, ok)
	assert.Equal(t, agentSoftware, software)
}
