package channel

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrUnknownType = errors.New("channel: unknown type")

type Factory func(cfg Config) (Channel, error)

// Factories maps channel type names to constructors. It is built explicitly
// and passed to whoever creates channels.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// DefaultFactories knows the "tcp" channel type.
func DefaultFactories() *Factories {
	f := NewFactories()
	_ = f.Register("tcp", func(cfg Config) (Channel, error) { return NewTCPChannel(cfg) })
	return f
}

func (f *Factories) Register(typ string, fn Factory) error {
	if typ == "" || fn == nil {
		return errors.New("channel: register needs a type and a factory")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[typ]; ok {
		return fmt.Errorf("channel: type %q already registered", typ)
	}
	f.m[typ] = fn
	return nil
}

// New builds a channel of cfg.Type, "tcp" when empty.
func (f *Factories) New(cfg Config) (Channel, error) {
	typ := cfg.Type
	if typ == "" {
		typ = "tcp"
	}
	f.mu.RLock()
	fn, ok := f.m[typ]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	return fn(cfg)
}

func (f *Factories) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for typ := range f.m {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}
