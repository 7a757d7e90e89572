package journal

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ghalamif/como/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// entry is the on-disk body of one journal record. The value is kept in its
// text form so every source type survives the round trip with its Go type.
type entry struct {
	Channel     string `cbor:"1,keyasint"`
	Kind        uint8  `cbor:"2,keyasint"`
	Seq         uint64 `cbor:"3,keyasint"`
	ReceivedAt  int64  `cbor:"4,keyasint"`
	Type        uint8  `cbor:"5,keyasint"`
	TypeName    string `cbor:"6,keyasint"`
	Name        string `cbor:"7,keyasint"`
	Value       string `cbor:"8,keyasint,omitempty"`
	Description string `cbor:"9,keyasint,omitempty"`
	DateTime    int64  `cbor:"10,keyasint,omitempty"`
	HasValue    bool   `cbor:"11,keyasint,omitempty"`
}

func marshalRecord(r *domain.Record) ([]byte, error) {
	if r.Source.Value != nil {
		if err := r.Source.Validate(); err != nil {
			return nil, err
		}
	}
	e := entry{
		Channel:     r.Channel,
		Kind:        uint8(r.Kind),
		Seq:         r.Seq,
		ReceivedAt:  unixNano(r.ReceivedAt),
		Type:        uint8(r.Source.Type),
		TypeName:    r.Source.TypeName,
		Name:        r.Source.Name,
		Description: r.Source.Description,
		DateTime:    unixNano(r.Source.DateTime),
	}
	if r.Source.Value != nil {
		e.Value = r.Source.ValueString()
		e.HasValue = true
	}
	return encMode.Marshal(e)
}

func unmarshalRecord(b []byte) (*domain.Record, error) {
	var e entry
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	typ := domain.Type(e.Type)
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown source type %d", e.Type)
	}
	src := domain.Source{
		Type:        typ,
		TypeName:    e.TypeName,
		Name:        e.Name,
		Description: e.Description,
		DateTime:    fromUnixNano(e.DateTime),
	}
	if e.HasValue {
		v, err := domain.ParseValue(typ, e.Value)
		if err != nil {
			return nil, fmt.Errorf("value of %s/%s: %w", e.TypeName, e.Name, err)
		}
		src.Value = v
	}
	return &domain.Record{
		Channel:    e.Channel,
		Kind:       domain.RecordKind(e.Kind),
		Source:     src,
		Seq:        e.Seq,
		ReceivedAt: fromUnixNano(e.ReceivedAt),
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
