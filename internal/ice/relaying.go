package ice

import (
	"encoding/binary"
	"math/rand"
	"sync"
)

// This file covers the TURN-family message builders of §4.3
// (ClientAllocate, ClientRefresh, ClientChannelBind,
// ClientCreatePermission, SendIndication) plus the channel-data framing
// and channel-number allocator of §4.3/§4.8.

// NewAllocateRequest builds an initial (credential-less) TURN Allocate
// request. The caller re-sends with long-term credentials once
// HandleAuthResponse rebuilds the message after a 401.
func NewAllocateRequest(lifetimeSeconds uint32, addressFamily Family) *Message {
	m := NewRequest(MethodAllocate)
	m.SetRequestedTransport()
	if lifetimeSeconds > 0 {
		m.SetLifetime(lifetimeSeconds)
	}
	if addressFamily == IPv6 {
		m.SetRequestedAddressFamily(IPv6)
	}
	return m
}

// NewRefreshRequest builds a TURN Refresh request. lifetimeSeconds == 0
// releases the allocation (§4.3/§4.8 teardown).
func NewRefreshRequest(lifetimeSeconds uint32) *Message {
	m := NewRequest(MethodRefresh)
	m.SetLifetime(lifetimeSeconds)
	return m
}

// NewChannelBindRequest builds a ClientChannelBind request binding
// channelNumber to peer.
func NewChannelBindRequest(channelNumber uint16, peer NetworkAddress) *Message {
	m := NewRequest(MethodChannelBind)
	m.SetChannelNumber(channelNumber)
	m.SetXorPeerAddress(peer)
	return m
}

// NewCreatePermissionRequest builds a ClientCreatePermission request
// listing one XOR-PEER-ADDRESS per public remote candidate (§4.8: LAN
// and IPv6 peers are skipped by the caller before invoking this, per RFC
// 5766's IPv4-only permission model).
func NewCreatePermissionRequest(peers []NetworkAddress) *Message {
	m := NewRequest(MethodCreatePermission)
	for _, p := range peers {
		m.SetXorPeerAddress(p)
	}
	return m
}

// NewSendIndication builds the outbound TURN relay path: stateless, never
// retransmitted, never placed in the transaction list (§4.8).
func NewSendIndication(peer NetworkAddress, data []byte) *Message {
	m := NewIndication(MethodSend)
	m.SetXorPeerAddress(peer)
	m.SetData(data)
	return m
}

const (
	channelPrefixMin uint16 = 0x4000
	channelPrefixMax uint16 = 0x7FFE
)

// ChannelPrefixAllocator generates TURN channel numbers in
// [0x4000, 0x7FFE], incrementing per allocation and wrapping back to the
// low end (§4.3). It is process-wide-shaped but instance-scoped per
// Stream per the design note in §9 ("do not put them in module-level
// storage") — one allocator lives on each Stream, seeded randomly within
// the legal range.
type ChannelPrefixAllocator struct {
	mu   sync.Mutex
	next uint16
}

// NewChannelPrefixAllocator creates an allocator seeded at a random point
// in the legal range.
func NewChannelPrefixAllocator() *ChannelPrefixAllocator {
	span := uint32(channelPrefixMax-channelPrefixMin) + 1
	seed := channelPrefixMin + uint16(rand.Int31n(int32(span)))
	return &ChannelPrefixAllocator{next: seed}
}

// Next returns the next channel number and advances the allocator,
// wrapping from 0x7FFE back to 0x4000.
func (a *ChannelPrefixAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next
	if a.next == channelPrefixMax {
		a.next = channelPrefixMin
	} else {
		a.next++
	}
	return n
}

// ChannelData encodes a TURN channel-data frame: 2-byte prefix (BE),
// 2-byte length (BE), payload (§4.8, §6).
func ChannelData(prefix uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], prefix)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// ParseChannelData decapsulates a channel-data frame. ok is false if data
// is too short, its declared length doesn't fit, or its prefix is
// outside the legal channel-number range (in which case the datagram is
// not channel-data at all and should be classified otherwise, e.g. as a
// STUN message).
func ParseChannelData(data []byte) (prefix uint16, payload []byte, ok bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	prefix = binary.BigEndian.Uint16(data[0:2])
	if prefix < channelPrefixMin || prefix > channelPrefixMax {
		return 0, nil, false
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-4 {
		return 0, nil, false
	}
	return prefix, data[4 : 4+int(length)], true
}
