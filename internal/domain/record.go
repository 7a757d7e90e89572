package domain

import "time"

// RecordKind distinguishes value updates from deregistrations in history.
type RecordKind uint8

const (
	RecordUpdate RecordKind = iota + 1
	RecordDeregister
)

func (k RecordKind) String() string {
	switch k {
	case RecordUpdate:
		return "update"
	case RecordDeregister:
		return "deregister"
	default:
		return "unknown"
	}
}

// Record is one delivered source event as persisted by the recorder.
type Record struct {
	Channel    string
	Kind       RecordKind
	Source     Source
	Seq        uint64
	ReceivedAt time.Time
}
