package relay

import (
	"bytes"

	"github.com/cyberinferno/go-relay/transport"
)

// Packet is an immutable outbound payload. NewPacket copies its input and the
// bytes are never exposed for writing, so a packet waiting in a resend queue
// is always resent exactly as it was submitted.
type Packet struct {
	data []byte
}

// NewPacket returns a Packet holding a copy of b.
func NewPacket(b []byte) Packet {
	return Packet{data: bytes.Clone(b)}
}

// Len returns the payload size in bytes.
func (p Packet) Len() int {
	return len(p.data)
}

// Bytes returns a copy of the payload.
func (p Packet) Bytes() []byte {
	return bytes.Clone(p.data)
}

// outbound is one resend queue entry.
type outbound struct {
	packet Packet
	handle transport.Handle
}
