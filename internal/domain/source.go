package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type tags the runtime representation of a Source value.
type Type uint8

const (
	TypeInt Type = iota
	TypeUInt
	TypeLongLong
	TypeULongLong
	TypeDouble
	TypeString
	TypeDateTime
	TypeTime
)

var typeNames = [...]string{
	TypeInt:       "Int",
	TypeUInt:      "UInt",
	TypeLongLong:  "LongLong",
	TypeULongLong: "ULongLong",
	TypeDouble:    "Double",
	TypeString:    "String",
	TypeDateTime:  "DateTime",
	TypeTime:      "Time",
}

// Day bounds a TypeTime value: a time of day is an offset in [0, Day).
const Day = 24 * time.Hour

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the known value types.
func (t Type) Valid() bool {
	return int(t) < len(typeNames)
}

// ParseType resolves a type name case-insensitively.
func ParseType(s string) (Type, error) {
	for i, name := range typeNames {
		if strings.EqualFold(name, s) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source type %q", s)
}

// Key is the identity of a Source within one channel.
type Key struct {
	TypeName string
	Name     string
}

func (k Key) String() string {
	return k.TypeName + "/" + k.Name
}

// Source is the canonical unit of telemetry. Value holds int32, uint32, int64,
// uint64, float64, string, time.Time or time.Duration according to Type.
// DateTime is stamped by the receiver and never transmitted.
type Source struct {
	Type        Type
	TypeName    string
	Name        string
	Value       any
	Description string
	DateTime    time.Time
}

func NewInt(typeName, name string, v int32) Source {
	return Source{Type: TypeInt, TypeName: typeName, Name: name, Value: v}
}

func NewUInt(typeName, name string, v uint32) Source {
	return Source{Type: TypeUInt, TypeName: typeName, Name: name, Value: v}
}

func NewLongLong(typeName, name string, v int64) Source {
	return Source{Type: TypeLongLong, TypeName: typeName, Name: name, Value: v}
}

func NewULongLong(typeName, name string, v uint64) Source {
	return Source{Type: TypeULongLong, TypeName: typeName, Name: name, Value: v}
}

func NewDouble(typeName, name string, v float64) Source {
	return Source{Type: TypeDouble, TypeName: typeName, Name: name, Value: v}
}

func NewString(typeName, name, v string) Source {
	return Source{Type: TypeString, TypeName: typeName, Name: name, Value: v}
}

func NewDateTime(typeName, name string, v time.Time) Source {
	return Source{Type: TypeDateTime, TypeName: typeName, Name: name, Value: v}
}

// NewTime builds a time-of-day source; v is the offset from midnight.
func NewTime(typeName, name string, v time.Duration) Source {
	return Source{Type: TypeTime, TypeName: typeName, Name: name, Value: v}
}

// WithDescription returns a copy of s carrying the given description.
func (s Source) WithDescription(desc string) Source {
	s.Description = desc
	return s
}

// Key returns the identity of s.
func (s Source) Key() Key {
	return Key{TypeName: s.TypeName, Name: s.Name}
}

// Equal compares identities only; value, description and timestamp are ignored.
func (s Source) Equal(other Source) bool {
	return s.TypeName == other.TypeName && s.Name == other.Name
}

// Validate checks that Value's runtime representation matches Type.
func (s Source) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("source %s: unknown type tag %d", s.Key(), uint8(s.Type))
	}
	ok := false
	switch v := s.Value.(type) {
	case int32:
		ok = s.Type == TypeInt
	case uint32:
		ok = s.Type == TypeUInt
	case int64:
		ok = s.Type == TypeLongLong
	case uint64:
		ok = s.Type == TypeULongLong
	case float64:
		ok = s.Type == TypeDouble
	case string:
		ok = s.Type == TypeString
	case time.Time:
		ok = s.Type == TypeDateTime
	case time.Duration:
		if s.Type == TypeTime && (v < 0 || v >= Day) {
			return fmt.Errorf("source %s: time of day %s out of range", s.Key(), v)
		}
		ok = s.Type == TypeTime
	}
	if !ok {
		return fmt.Errorf("source %s: value %T does not match type %s", s.Key(), s.Value, s.Type)
	}
	return nil
}

// ValueString renders the value in the text form accepted by ParseValue.
func (s Source) ValueString() string {
	switch v := s.Value.(type) {
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return formatTimeOfDay(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ParseValue is the inverse of ValueString for the given type.
func ParseValue(t Type, text string) (any, error) {
	switch t {
	case TypeInt:
		v, err := strconv.ParseInt(text, 10, 32)
		return int32(v), err
	case TypeUInt:
		v, err := strconv.ParseUint(text, 10, 32)
		return uint32(v), err
	case TypeLongLong:
		return strconv.ParseInt(text, 10, 64)
	case TypeULongLong:
		return strconv.ParseUint(text, 10, 64)
	case TypeDouble:
		return strconv.ParseFloat(text, 64)
	case TypeString:
		return text, nil
	case TypeDateTime:
		return time.Parse(time.RFC3339Nano, text)
	case TypeTime:
		return parseTimeOfDay(text)
	default:
		return nil, fmt.Errorf("unknown source type %d", uint8(t))
	}
}

func formatTimeOfDay(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}

func parseTimeOfDay(text string) (time.Duration, error) {
	t, err := time.Parse("15:04:05.000", text)
	if err != nil {
		return 0, err
	}
	h, m, s := t.Clock()
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	return d + time.Duration(t.Nanosecond()), nil
}
