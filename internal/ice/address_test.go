package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkAddressRoundTrip(t *testing.T) {
	cases := []string{
		"192.168.1.10:50000",
		"203.0.113.5:40000",
		"[2001:db8::1]:443",
	}
	for _, s := range cases {
		a, err := ParseNetworkAddress(s, false)
		assert.NoError(t, err)
		b, err := ParseNetworkAddress(a.String(), false)
		assert.NoError(t, err)
		assert.True(t, a.Equal(b), "round trip of %s produced %s", s, b.String())
	}
}

func TestNetworkAddressClassification(t *testing.T) {
	lan, _ := ParseNetworkAddress("192.168.1.10:1", false)
	assert.True(t, lan.IsLAN())
	assert.False(t, lan.IsPublic())

	pub, _ := ParseNetworkAddress("203.0.113.5:1", false)
	assert.True(t, pub.IsPublic())
	assert.False(t, pub.IsLAN())

	loop, _ := ParseNetworkAddress("127.0.0.1:1", false)
	assert.True(t, loop.IsLoopback())
	assert.False(t, loop.IsPublic())

	ll, _ := ParseNetworkAddress("169.254.1.1:1", false)
	assert.True(t, ll.IsLinkLocal())
	assert.False(t, ll.IsPublic())
}

func TestNetworkAddressEquality(t *testing.T) {
	a := NewNetworkAddress(net.ParseIP("203.0.113.5"), 40000, false)
	b := NewNetworkAddress(net.ParseIP("203.0.113.5"), 40000, false)
	c := NewNetworkAddress(net.ParseIP("203.0.113.5"), 40000, true)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "relayed flag must participate in equality")
}

func TestNormalizeProtocol(t *testing.T) {
	for _, tok := range []string{"UDP", "udp", " Udp "} {
		got, ok := normalizeProtocol(tok)
		assert.True(t, ok)
		assert.Equal(t, "UDP", got)
	}
	_, ok := normalizeProtocol("TCP")
	assert.False(t, ok)
}
