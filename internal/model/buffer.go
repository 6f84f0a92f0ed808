package model

import "github.com/pkg/errors"

var ErrBufferOverflow = errors.New("packet buffer overflow")

// Buffer is a fixed capacity packet buffer shared by outbound packet
// construction and inbound packet parsing. It never grows.
//
// Outbound bodies are written from MaxHeaderSize onwards so the fixed header
// can be prefixed in place once the body length is known.
type Buffer struct {
	b   []byte
	pos int
}

func NewBuffer(maxPacketSize int) *Buffer {
	return &Buffer{b: make([]byte, maxPacketSize+MaxHeaderSize), pos: MaxHeaderSize}
}

// Cap is the total capacity, header overhead included.
func (b *Buffer) Cap() int {
	return len(b.b)
}

// MaxPacketSize is the largest body (variable header + payload) that fits.
func (b *Buffer) MaxPacketSize() int {
	return len(b.b) - MaxHeaderSize
}

// Bytes exposes the whole backing array for inbound reads.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Reset starts a new outbound body.
func (b *Buffer) Reset() {
	b.pos = MaxHeaderSize
}

// Len is the length of the outbound body built so far.
func (b *Buffer) Len() int {
	return b.pos - MaxHeaderSize
}

func (b *Buffer) Fits(n int) bool {
	return n >= 0 && b.pos+n <= len(b.b)
}

func (b *Buffer) WriteByte(c byte) error {
	if !b.Fits(1) {
		return ErrBufferOverflow
	}
	b.b[b.pos] = c
	b.pos++
	return nil
}

func (b *Buffer) WriteUint16(v uint16) error {
	if !b.Fits(2) {
		return ErrBufferOverflow
	}
	b.b[b.pos], b.b[b.pos+1] = byte(v>>8), byte(v)
	b.pos += 2
	return nil
}

func (b *Buffer) WriteString(s string) error {
	pos, err := PutString(b.b, b.pos, s)
	if err != nil {
		return err
	}
	b.pos = pos
	return nil
}

// Write appends p entirely or not at all.
func (b *Buffer) Write(p []byte) (int, error) {
	if !b.Fits(len(p)) {
		return 0, ErrBufferOverflow
	}
	b.pos += copy(b.b[b.pos:], p)
	return len(p), nil
}

// Packet prefixes the fixed header to the body and returns the complete
// packet, which aliases the buffer.
func (b *Buffer) Packet(header byte) []byte {
	start := BuildHeader(b.b, header, b.Len())
	return b.b[start:b.pos]
}
