package como

import (
	"time"

	"github.com/ghalamif/como/internal/channel"
	"github.com/ghalamif/como/internal/client"
	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

type (
	Source = domain.Source
	Key    = domain.Key
	Type   = domain.Type

	// Record is one delivered source event as stored in history.
	Record = domain.Record

	// Event is what a channel delivers; see the Event* kinds.
	Event     = client.Event
	EventKind = client.EventKind

	// Channel is one monitored publisher connection.
	Channel      = channel.Channel
	ChannelState = client.State

	// Collector feeds sources from an external system into the publisher.
	Collector = ports.Collector

	// History stores recorded events and answers range queries.
	History = ports.History

	// Journal is the write-ahead log in front of History.
	Journal = ports.Journal

	// RecordQueue is the bounded queue between the journal and History.
	RecordQueue = ports.RecordQueue

	Observability = ports.Observability
	Field         = ports.Field
)

const (
	EventConnected          = client.EventConnected
	EventSourceUpdated      = client.EventSourceUpdated
	EventSourceDeregistered = client.EventSourceDeregistered
	EventDisconnected       = client.EventDisconnected
)

// Source constructors.
func NewInt(typeName, name string, v int32) Source        { return domain.NewInt(typeName, name, v) }
func NewUInt(typeName, name string, v uint32) Source      { return domain.NewUInt(typeName, name, v) }
func NewLongLong(typeName, name string, v int64) Source   { return domain.NewLongLong(typeName, name, v) }
func NewULongLong(typeName, name string, v uint64) Source { return domain.NewULongLong(typeName, name, v) }
func NewDouble(typeName, name string, v float64) Source   { return domain.NewDouble(typeName, name, v) }
func NewString(typeName, name, v string) Source           { return domain.NewString(typeName, name, v) }
func NewDateTime(typeName, name string, v time.Time) Source {
	return domain.NewDateTime(typeName, name, v)
}
func NewTime(typeName, name string, v time.Duration) Source { return domain.NewTime(typeName, name, v) }
