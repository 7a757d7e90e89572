package client

import (
	"cmp"
	"slices"
	"time"

	"github.com/ghalamif/como/internal/domain"
)

// throttle enforces a minimum interval between deliveries per source
// identity. Values arriving inside the interval are coalesced, latest wins,
// and released by due once the window reopens. It is owned by one goroutine
// and takes the current time explicitly.
type throttle struct {
	interval time.Duration
	entries  map[domain.Key]*throttleEntry
	seq      uint64
}

type throttleEntry struct {
	delivered time.Time
	last      domain.Source

	pending *domain.Source
	dueAt   time.Time
	seq     uint64
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{
		interval: max(interval, 0),
		entries:  make(map[domain.Key]*throttleEntry),
	}
}

// setInterval applies to later offers. Values already pending keep the due
// time they were scheduled with.
func (t *throttle) setInterval(d time.Duration) {
	t.interval = max(d, 0)
}

// offer reports whether src must be delivered now. Otherwise it is held as
// the pending value for its identity; coalesced is true when it replaced an
// older pending value.
func (t *throttle) offer(src domain.Source, now time.Time) (deliver, coalesced bool) {
	k := src.Key()
	e, ok := t.entries[k]
	if !ok {
		t.entries[k] = &throttleEntry{delivered: now, last: src}
		return true, false
	}

	coalesced = e.pending != nil
	if now.Sub(e.delivered) >= t.interval {
		e.pending = nil
		e.delivered = now
		e.last = src
		return true, coalesced
	}

	if e.pending == nil {
		t.seq++
		e.seq = t.seq
		e.dueAt = e.delivered.Add(t.interval)
	}
	e.pending = &src
	return false, coalesced
}

// due releases every pending value whose window has reopened, ordered by due
// time and then by the order they were first held.
func (t *throttle) due(now time.Time) []domain.Source {
	var ready []*throttleEntry
	for _, e := range t.entries {
		if e.pending != nil && !e.dueAt.After(now) {
			ready = append(ready, e)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	slices.SortFunc(ready, func(a, b *throttleEntry) int {
		if c := a.dueAt.Compare(b.dueAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]domain.Source, 0, len(ready))
	for _, e := range ready {
		out = append(out, *e.pending)
		e.last = *e.pending
		e.delivered = now
		e.pending = nil
	}
	return out
}

// nextDue returns the earliest due time among pending values.
func (t *throttle) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range t.entries {
		if e.pending == nil {
			continue
		}
		if !found || e.dueAt.Before(next) {
			next = e.dueAt
			found = true
		}
	}
	return next, found
}

// forget drops the identity and any pending value, returning the most
// recent value seen for it.
func (t *throttle) forget(k domain.Key) (domain.Source, bool) {
	e, ok := t.entries[k]
	if !ok {
		return domain.Source{}, false
	}
	delete(t.entries, k)
	if e.pending != nil {
		return *e.pending, true
	}
	return e.last, true
}

func (t *throttle) reset() {
	clear(t.entries)
}
