package ice

import "github.com/lanikai/iceagent/internal/packet"

// ByteBuffer carries one datagram through the gathering, checking, and
// relaying pipeline. It may own its bytes outright or merely borrow a
// shared, reference-counted region (see packet.SharedBuffer) when the
// same datagram needs to reach more than one consumer without a copy —
// e.g. a TURN Data indication that is both logged and decapsulated.
type ByteBuffer struct {
	owned  []byte
	shared *packet.SharedBuffer

	Remote    NetworkAddress
	Component int
	Tag       string
	Relayed   bool
	Comment   string
}

// NewByteBuffer wraps data, which this ByteBuffer owns exclusively.
func NewByteBuffer(data []byte) *ByteBuffer {
	return &ByteBuffer{owned: data}
}

// BorrowByteBuffer wraps data as a shared, reference-counted region. done
// is invoked once every borrower has released its hold.
func BorrowByteBuffer(data []byte, consumers int, done func()) *ByteBuffer {
	return &ByteBuffer{shared: packet.NewSharedBuffer(data, consumers, done)}
}

// Hold increments the hold count for a borrowed buffer. It is a no-op for
// an owned buffer.
func (b *ByteBuffer) Hold() {
	if b.shared != nil {
		b.shared.Hold()
	}
}

// Release decrements the hold count for a borrowed buffer. It is a no-op
// for an owned buffer.
func (b *ByteBuffer) Release() {
	if b.shared != nil {
		b.shared.Release()
	}
}

// Bytes returns the underlying datagram bytes.
func (b *ByteBuffer) Bytes() []byte {
	if b.shared != nil {
		return b.shared.Bytes()
	}
	return b.owned
}

// Len returns the length of the datagram.
func (b *ByteBuffer) Len() int {
	return len(b.Bytes())
}

// WithMeta sets the remote address and component on b and returns b for
// chaining; the other metadata fields are left unchanged.
func (b *ByteBuffer) WithMeta(remote NetworkAddress, component int) *ByteBuffer {
	b.Remote = remote
	b.Component = component
	return b
}
