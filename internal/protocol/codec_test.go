package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/como/internal/domain"
)

func sampleSources() []domain.Source {
	return []domain.Source{
		domain.NewInt("Temperature", "boiler", -273).WithDescription("degrees C"),
		domain.NewUInt("Counter", "requests", math.MaxUint32),
		domain.NewLongLong("Offset", "clock", math.MinInt64),
		domain.NewULongLong("Bytes", "eth0", math.MaxUint64),
		domain.NewDouble("CPU load", "core0", 0.875).WithDescription("fraction of one core"),
		domain.NewString("Status", "service", "running — ok ✓"),
		domain.NewDateTime("Started", "service", time.Date(2024, 2, 29, 23, 59, 58, 123_000_000, time.UTC)),
		domain.NewTime("Alarm", "daily", 6*time.Hour+30*time.Minute+15*time.Second+5*time.Millisecond),
		domain.NewString("", "", ""),
	}
}

func requireSameSource(t *testing.T, want, got domain.Source) {
	t.Helper()
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.TypeName, got.TypeName)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.Description, got.Description)
	if wt, ok := want.Value.(time.Time); ok {
		gt, ok := got.Value.(time.Time)
		require.True(t, ok, "expected time.Time, got %T", got.Value)
		require.True(t, wt.Equal(gt), "expected %v, got %v", wt, gt)
		return
	}
	require.Equal(t, want.Value, got.Value)
}

func TestRoundTripEveryType(t *testing.T) {
	for _, src := range sampleSources() {
		t.Run(src.Type.String()+"/"+src.Name, func(t *testing.T) {
			frame, err := Encode(SourceMessage(src))
			require.NoError(t, err)

			dec := NewDecoder()
			dec.Feed(frame)
			m, err := dec.Next()
			require.NoError(t, err)
			require.Equal(t, KindSource, m.Kind)
			requireSameSource(t, src, m.Source)
			require.Zero(t, dec.Buffered())
		})
	}
}

func TestDeinitAndListRoundTrip(t *testing.T) {
	var stream []byte
	var err error
	stream, err = AppendMessage(stream, GetListOfSources())
	require.NoError(t, err)
	stream, err = AppendMessage(stream, DeinitMessage(domain.Key{TypeName: "CPU load", Name: "core3"}))
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(stream)

	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, KindGetListOfSources, m.Kind)

	m, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, KindDeinitSource, m.Kind)
	assert.Equal(t, domain.Key{TypeName: "CPU load", Name: "core3"}, m.Source.Key())

	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestWireLayoutIsBitExact(t *testing.T) {
	frame, err := Encode(SourceMessage(domain.NewInt("T", "n", 258).WithDescription("d")))
	require.NoError(t, err)

	want := []byte{
		0x02, 0, 0, 0, 20, // kind + payload length
		0x00,             // type tag Int
		0, 0, 0, 1, 'T',  // typeName
		0, 0, 0, 1, 'n',  // name
		0, 0, 1, 2,       // int32 value
		0, 0, 0, 1, 'd',  // description
	}
	require.Equal(t, want, frame)

	list, err := Encode(GetListOfSources())
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0, 0, 0, 0}, list)

	deinit, err := Encode(DeinitMessage(domain.Key{TypeName: "T", Name: "n"}))
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0, 0, 0, 10, 0, 0, 0, 1, 'T', 0, 0, 0, 1, 'n'}, deinit)
}

func TestPartialFrameRobustness(t *testing.T) {
	var stream []byte
	var want []Message
	for _, src := range sampleSources() {
		want = append(want, SourceMessage(src))
	}
	want = append(want, DeinitMessage(domain.Key{TypeName: "Bytes", Name: "eth0"}), GetListOfSources())
	for _, m := range want {
		var err error
		stream, err = AppendMessage(stream, m)
		require.NoError(t, err)
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		dec := NewDecoder()
		var got []Message
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			dec.Feed(stream[off:end])
			for {
				m, err := dec.Next()
				if errors.Is(err, ErrIncomplete) {
					break
				}
				require.NoError(t, err, "chunk size %d", chunk)
				got = append(got, m)
			}
		}
		require.Len(t, got, len(want), "chunk size %d", chunk)
		for i := range want {
			require.Equal(t, want[i].Kind, got[i].Kind, "chunk size %d message %d", chunk, i)
			if want[i].Kind == KindSource {
				requireSameSource(t, want[i].Source, got[i].Source)
			} else {
				require.Equal(t, want[i].Source.Key(), got[i].Source.Key())
			}
		}
		require.Zero(t, dec.Buffered())
	}
}

func TestUnknownTypeTagIsScopedToOneFrame(t *testing.T) {
	bad, err := Encode(SourceMessage(domain.NewInt("T", "bad", 1)))
	require.NoError(t, err)
	bad[headerLength] = 0x7f

	good, err := Encode(SourceMessage(domain.NewDouble("T", "good", 2.5)))
	require.NoError(t, err)

	dec := NewDecoder()
	dec.Feed(append(bad, good...))

	_, err = dec.Next()
	require.ErrorIs(t, err, ErrProtocol)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindSource, perr.Kind)
	assert.Contains(t, perr.Reason, "unknown type tag")

	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "good", m.Source.Name)
	assert.Equal(t, 2.5, m.Source.Value)
}

func TestMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"unknown kind":          {0x09, 0, 0, 0, 0},
		"list with payload":     {0x01, 0, 0, 0, 1, 0xff},
		"truncated string":      {0x03, 0, 0, 0, 6, 0, 0, 0, 9, 'a', 'b'},
		"missing name":          {0x03, 0, 0, 0, 5, 0, 0, 0, 1, 'a'},
		"invalid utf8":          {0x03, 0, 0, 0, 10, 0, 0, 0, 1, 0xff, 0, 0, 0, 1, 'n'},
		"time out of range":     {0x02, 0, 0, 0, 13, byte(domain.TypeTime), 0, 0, 0, 0, 0, 0, 0, 0, 0x05, 0x26, 0x5c, 0x00},
		"short double value":    {0x02, 0, 0, 0, 11, byte(domain.TypeDouble), 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		"trailing after deinit": {0x03, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0, 7},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			dec := NewDecoder()
			dec.Feed(frame)
			_, err := dec.Next()
			require.ErrorIs(t, err, ErrProtocol)
			require.Zero(t, dec.Buffered(), "malformed frame must be consumed")
		})
	}
}

func TestOversizedLengthDiscardsBuffer(t *testing.T) {
	dec := NewDecoder()
	dec.Feed([]byte{0x02, 0xff, 0xff, 0xff, 0xff, 1, 2, 3})
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrProtocol)
	require.Zero(t, dec.Buffered())
}

func TestEncodeRejectsMismatchedValue(t *testing.T) {
	_, err := Encode(SourceMessage(domain.Source{Type: domain.TypeInt, TypeName: "T", Name: "n", Value: "nope"}))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrProtocol)

	_, err = Encode(Message{Kind: Kind(0x42)})
	require.Error(t, err)
}

func TestWriteMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, GetListOfSources()))
	require.Equal(t, []byte{0x01, 0, 0, 0, 0}, buf.Bytes())
}

func TestReadMessage(t *testing.T) {
	var buf bytes.Buffer
	for _, src := range sampleSources() {
		require.NoError(t, WriteMessage(&buf, SourceMessage(src)))
	}
	require.NoError(t, WriteMessage(&buf, GetListOfSources()))

	for _, want := range sampleSources() {
		m, err := ReadMessage(&buf)
		require.NoError(t, err)
		requireSameSource(t, want, m.Source)
	}
	m, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, KindGetListOfSources, m.Kind)

	_, err = ReadMessage(&buf)
	require.ErrorIs(t, err, io.EOF)

	_, err = ReadMessage(bytes.NewReader([]byte{0x03, 0, 0, 0, 9, 0, 0}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
