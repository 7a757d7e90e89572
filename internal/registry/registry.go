package registry

import (
	"fmt"
	"sync"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/protocol"
)

// EventKind is the registry mutation being broadcast.
type EventKind uint8

const (
	EventInit EventKind = iota + 1
	EventUpdate
	EventDeinit
)

func (k EventKind) String() string {
	switch k {
	case EventInit:
		return "init"
	case EventUpdate:
		return "update"
	case EventDeinit:
		return "deinit"
	default:
		return "unknown"
	}
}

// Event is one registry mutation. Frame, when set, is its wire encoding,
// shared by every subscriber of a broadcast and never modified.
type Event struct {
	Kind   EventKind
	Source domain.Source
	Frame  []byte
}

// Message returns the protocol message announcing ev.
func (ev Event) Message() (protocol.Message, bool) {
	switch ev.Kind {
	case EventInit, EventUpdate:
		return protocol.SourceMessage(ev.Source), true
	case EventDeinit:
		return protocol.DeinitMessage(ev.Source.Key()), true
	default:
		return protocol.Message{}, false
	}
}

// Subscriber receives broadcasts. Notify is called with the registry lock
// held and must only enqueue; it must not block or call back into the registry.
type Subscriber interface {
	Notify(ev Event)
}

// Registry is the publisher-side table of live sources. Mutations and the
// subscriber set share one mutex, so a snapshot delivered through SnapshotTo
// is ordered consistently with concurrent broadcasts.
type Registry struct {
	mu      sync.Mutex
	entries []domain.Source
	index   map[domain.Key]int
	subs    map[Subscriber]struct{}
	obs     ports.Observability
}

type Option func(*Registry)

// WithObservability reports the registered source count and overwrites.
func WithObservability(obs ports.Observability) Option {
	return func(r *Registry) {
		if obs != nil {
			r.obs = obs
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		index: make(map[domain.Key]int),
		subs:  make(map[Subscriber]struct{}),
		obs:   ports.NopObservability{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// InitSource registers s. An identity that is already present is overwritten.
func (r *Registry) InitSource(s domain.Source) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.putLocked(s) {
		r.obs.LogInfo("source_reinitialized", ports.Field{Key: "source", Value: s.Key().String()})
	}
	r.broadcastLocked(Event{Kind: EventInit, Source: s})
	return nil
}

// UpdateSource replaces the value of s. An unknown identity is treated as an
// init (upsert) and broadcast all the same.
func (r *Registry) UpdateSource(s domain.Source) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.putLocked(s) {
		r.obs.LogInfo("update_of_unknown_source", ports.Field{Key: "source", Value: s.Key().String()})
	}
	r.broadcastLocked(Event{Kind: EventUpdate, Source: s})
	return nil
}

// DeinitSource removes the identity of s and notifies every subscriber,
// whether or not it was registered.
func (r *Registry) DeinitSource(s domain.Source) error {
	key := s.Key()
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[key]; ok {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		delete(r.index, key)
		for j := i; j < len(r.entries); j++ {
			r.index[r.entries[j].Key()] = j
		}
		r.obs.SetGauge("como_sources_registered", float64(len(r.entries)))
	}
	r.broadcastLocked(Event{Kind: EventDeinit, Source: domain.Source{TypeName: key.TypeName, Name: key.Name}})
	return nil
}

// RegisterSource is the publisher-facing name for InitSource.
func (r *Registry) RegisterSource(s domain.Source) error { return r.InitSource(s) }

// DeregisterSource is the publisher-facing name for DeinitSource.
func (r *Registry) DeregisterSource(s domain.Source) error { return r.DeinitSource(s) }

// Lookup returns the current value registered under key.
func (r *Registry) Lookup(key domain.Key) (domain.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[key]
	if !ok {
		return domain.Source{}, false
	}
	return r.entries[i], true
}

// Snapshot returns every registered source in insertion order.
func (r *Registry) Snapshot() []domain.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Source, len(r.entries))
	copy(out, r.entries)
	return out
}

// SnapshotTo notifies sub of every registered source as EventInit while
// holding the lock, so no concurrent mutation interleaves with the listing.
func (r *Registry) SnapshotTo(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.entries {
		sub.Notify(Event{Kind: EventInit, Source: s})
	}
	return len(r.entries)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) Subscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub] = struct{}{}
}

func (r *Registry) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub)
}

func (r *Registry) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// putLocked stores s and reports whether the identity already existed.
func (r *Registry) putLocked(s domain.Source) bool {
	key := s.Key()
	if i, ok := r.index[key]; ok {
		r.entries[i] = s
		return true
	}
	r.index[key] = len(r.entries)
	r.entries = append(r.entries, s)
	r.obs.SetGauge("como_sources_registered", float64(len(r.entries)))
	return false
}

// broadcastLocked encodes ev once and hands the same frame to every
// subscriber.
func (r *Registry) broadcastLocked(ev Event) {
	if len(r.subs) == 0 {
		return
	}
	if m, ok := ev.Message(); ok && ev.Frame == nil {
		frame, err := protocol.Encode(m)
		if err != nil {
			r.obs.LogError("broadcast_encode_failed", err, ports.Field{Key: "source", Value: ev.Source.Key().String()})
		} else {
			ev.Frame = frame
		}
	}
	for sub := range r.subs {
		sub.Notify(ev)
	}
}

var _ ports.SourceSink = (*Registry)(nil)
