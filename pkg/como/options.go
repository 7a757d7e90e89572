package como

import (
	"sync"

	"github.com/ghalamif/como/internal/adapters/observability"
	"github.com/ghalamif/como/internal/ports"
)

// EventHandler is called for every event a monitor receives, in channel order.
type EventHandler func(channel string, ev Event)

// Option customizes the dependencies used by Publisher and Monitor. Options
// that do not apply to a runtime are ignored by it.
type Option func(*overrides)

type overrides struct {
	collector     Collector
	channels      []Channel
	history       History
	journal       Journal
	queue         RecordQueue
	observability Observability
	handler       EventHandler
}

// WithCollector feeds the publisher's registry from col (OPC UA, simulators, etc.).
func WithCollector(col Collector) Option {
	return func(o *overrides) {
		o.collector = col
	}
}

// WithChannel adds a channel to the monitor next to those in the config.
func WithChannel(ch Channel) Option {
	return func(o *overrides) {
		o.channels = append(o.channels, ch)
	}
}

// WithHistory replaces the configured SQL history.
func WithHistory(h History) Option {
	return func(o *overrides) {
		o.history = h
	}
}

// WithJournal lets callers bring their own journal implementation.
func WithJournal(j Journal) Option {
	return func(o *overrides) {
		o.journal = j
	}
}

// WithRecordQueue injects a custom queue implementation.
func WithRecordQueue(q RecordQueue) Option {
	return func(o *overrides) {
		o.queue = q
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) Option {
	return func(o *overrides) {
		o.observability = obs
	}
}

// WithEventHandler observes every event the monitor receives.
func WithEventHandler(fn EventHandler) Option {
	return func(o *overrides) {
		o.handler = fn
	}
}

func applyOptions(opts []Option) overrides {
	var o overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.observability == nil {
		o.observability = defaultObservability()
	}
	return o
}

// The Prometheus metric set can only be registered once per process.
var defaultObservability = sync.OnceValue(func() ports.Observability {
	return observability.NewPromObs(nil, nil)
})
