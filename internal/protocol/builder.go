package protocol

import (
	"bytes"
	"encoding/binary"
)

// PacketBuilder constructs outgoing messages.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 or 0.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteInt32 writes an int32 in big-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteNullString writes a NUL-terminated string.
func (b *PacketBuilder) WriteNullString(s string) *PacketBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// WriteFixedString writes s NUL-padded to exactly width bytes. Strings
// that do not leave room for a terminating NUL are truncated; callers that
// must not truncate check with FitsField first.
func (b *PacketBuilder) WriteFixedString(s string, width int) *PacketBuilder {
	field := make([]byte, width)
	copy(field[:width-1], s)
	b.buf.Write(field)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed message bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// FitsField reports whether s can be written into a fixed field of the
// given width without truncation.
func FitsField(s string, width int) bool {
	return len(s) < width
}
