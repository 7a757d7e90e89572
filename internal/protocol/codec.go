package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"

	"github.com/ghalamif/como/internal/domain"
)

// Encode returns the framed wire form of m.
func Encode(m Message) ([]byte, error) {
	return AppendMessage(nil, m)
}

// AppendMessage appends the framed wire form of m to dst.
func AppendMessage(dst []byte, m Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, byte(m.Kind), 0, 0, 0, 0)

	var err error
	switch m.Kind {
	case KindGetListOfSources:
	case KindSource:
		dst, err = appendSource(dst, m.Source)
	case KindDeinitSource:
		dst = appendString(dst, m.Source.TypeName)
		dst = appendString(dst, m.Source.Name)
	default:
		return dst[:start], fmt.Errorf("encode: unknown message kind %s", m.Kind)
	}
	if err != nil {
		return dst[:start], err
	}

	payload := len(dst) - start - headerLength
	if payload > MaxPayloadLength {
		return dst[:start], fmt.Errorf("encode %s: payload length %d exceeds maximum %d", m.Kind, payload, MaxPayloadLength)
	}
	binary.BigEndian.PutUint32(dst[start+1:start+headerLength], uint32(payload))
	return dst, nil
}

// WriteMessage writes the framed message to w in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s message: %w", m.Kind, err)
	}
	return nil
}

// ReadMessage blocks until one whole frame has been read from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	kind := Kind(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > MaxPayloadLength {
		return Message{}, protocolErrorf(kind, "payload length %d exceeds maximum %d", length, MaxPayloadLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return decodePayload(kind, payload)
}

func appendSource(dst []byte, s domain.Source) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return dst, fmt.Errorf("encode: %w", err)
	}
	dst = append(dst, byte(s.Type))
	dst = appendString(dst, s.TypeName)
	dst = appendString(dst, s.Name)

	switch v := s.Value.(type) {
	case int32:
		dst = binary.BigEndian.AppendUint32(dst, uint32(v))
	case uint32:
		dst = binary.BigEndian.AppendUint32(dst, v)
	case int64:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v))
	case uint64:
		dst = binary.BigEndian.AppendUint64(dst, v)
	case float64:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
	case string:
		dst = appendString(dst, v)
	case time.Time:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.UnixMilli()))
	case time.Duration:
		dst = binary.BigEndian.AppendUint32(dst, uint32(v.Milliseconds()))
	}

	dst = appendString(dst, s.Description)
	return dst, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// decodePayload interprets one complete frame body.
func decodePayload(kind Kind, payload []byte) (Message, error) {
	r := payloadReader{kind: kind, buf: payload}
	m := Message{Kind: kind}

	switch kind {
	case KindGetListOfSources:
	case KindSource:
		src, err := r.source()
		if err != nil {
			return Message{}, err
		}
		m.Source = src
	case KindDeinitSource:
		typeName, err := r.readString("type name")
		if err != nil {
			return Message{}, err
		}
		name, err := r.readString("name")
		if err != nil {
			return Message{}, err
		}
		m.Source = domain.Source{TypeName: typeName, Name: name}
	default:
		return Message{}, protocolErrorf(0, "unknown message kind 0x%02x", byte(kind))
	}

	if rest := len(r.buf) - r.off; rest != 0 {
		return Message{}, protocolErrorf(kind, "%d trailing bytes", rest)
	}
	return m, nil
}

type payloadReader struct {
	kind Kind
	buf  []byte
	off  int
}

func (r *payloadReader) take(n int, what string) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, protocolErrorf(r.kind, "truncated %s", what)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) readUint32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *payloadReader) readUint64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *payloadReader) readString(what string) (string, error) {
	n, err := r.readUint32(what + " length")
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		return "", protocolErrorf(r.kind, "%s length %d exceeds remaining payload", what, n)
	}
	b, _ := r.take(int(n), what)
	if !utf8.Valid(b) {
		return "", protocolErrorf(r.kind, "%s is not valid UTF-8", what)
	}
	return string(b), nil
}

func (r *payloadReader) source() (domain.Source, error) {
	tag, err := r.take(1, "type tag")
	if err != nil {
		return domain.Source{}, err
	}
	typ := domain.Type(tag[0])
	if !typ.Valid() {
		return domain.Source{}, protocolErrorf(r.kind, "unknown type tag %d", tag[0])
	}

	src := domain.Source{Type: typ}
	if src.TypeName, err = r.readString("type name"); err != nil {
		return domain.Source{}, err
	}
	if src.Name, err = r.readString("name"); err != nil {
		return domain.Source{}, err
	}
	if src.Value, err = r.value(typ); err != nil {
		return domain.Source{}, err
	}
	if src.Description, err = r.readString("description"); err != nil {
		return domain.Source{}, err
	}
	return src, nil
}

func (r *payloadReader) value(typ domain.Type) (any, error) {
	switch typ {
	case domain.TypeInt:
		v, err := r.readUint32("Int value")
		return int32(v), err
	case domain.TypeUInt:
		return r.readUint32("UInt value")
	case domain.TypeLongLong:
		v, err := r.readUint64("LongLong value")
		return int64(v), err
	case domain.TypeULongLong:
		return r.readUint64("ULongLong value")
	case domain.TypeDouble:
		v, err := r.readUint64("Double value")
		return math.Float64frombits(v), err
	case domain.TypeString:
		return r.readString("String value")
	case domain.TypeDateTime:
		v, err := r.readUint64("DateTime value")
		return time.UnixMilli(int64(v)).UTC(), err
	case domain.TypeTime:
		v, err := r.readUint32("Time value")
		if err != nil {
			return nil, err
		}
		d := time.Duration(v) * time.Millisecond
		if d >= domain.Day {
			return nil, protocolErrorf(r.kind, "time of day %d ms out of range", v)
		}
		return d, nil
	}
	return nil, protocolErrorf(r.kind, "unknown type tag %d", byte(typ))
}
