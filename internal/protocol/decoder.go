package protocol

import "encoding/binary"

// Decoder reassembles frames from arbitrary byte chunks. Partial frames stay
// buffered until more bytes are fed; Next never blocks.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops every buffered byte.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Next decodes the next complete frame. It returns ErrIncomplete when more
// bytes are needed. A malformed frame yields a *ProtocolError and is consumed
// whole, so the bytes that follow it are decoded independently. An oversized
// length prefix cannot be skipped safely and discards the whole buffer.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) < headerLength {
		return Message{}, ErrIncomplete
	}
	kind := Kind(d.buf[0])
	length := binary.BigEndian.Uint32(d.buf[1:headerLength])
	if length > MaxPayloadLength {
		d.Reset()
		return Message{}, protocolErrorf(kind, "payload length %d exceeds maximum %d", length, MaxPayloadLength)
	}

	end := headerLength + int(length)
	if len(d.buf) < end {
		return Message{}, ErrIncomplete
	}

	m, err := decodePayload(kind, d.buf[headerLength:end])
	d.consume(end)
	return m, err
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
