package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/protocol"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSubscriber) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSubscriber) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestUpdateOfFirstRegisteredSourceIsInPlace(t *testing.T) {
	r := New()
	require.NoError(t, r.InitSource(domain.NewDouble("CPU load", "core0", 0.1)))
	require.NoError(t, r.InitSource(domain.NewDouble("CPU load", "core1", 0.2)))

	require.NoError(t, r.UpdateSource(domain.NewDouble("CPU load", "core0", 0.9)))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "core0", snap[0].Name)
	assert.Equal(t, 0.9, snap[0].Value)
	assert.Equal(t, "core1", snap[1].Name)
}

func TestUpdateOfUnknownSourceUpserts(t *testing.T) {
	r := New()
	sub := &recordingSubscriber{}
	r.Subscribe(sub)

	require.NoError(t, r.UpdateSource(domain.NewInt("Jobs", "queued", 3)))

	got, ok := r.Lookup(domain.Key{TypeName: "Jobs", Name: "queued"})
	require.True(t, ok)
	assert.Equal(t, int32(3), got.Value)

	events := sub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventUpdate, events[0].Kind)
}

func TestInitOverwritesExistingIdentity(t *testing.T) {
	r := New()
	require.NoError(t, r.InitSource(domain.NewString("Status", "db", "down")))
	require.NoError(t, r.InitSource(domain.NewString("Status", "db", "up")))

	require.Equal(t, 1, r.Len())
	got, _ := r.Lookup(domain.Key{TypeName: "Status", Name: "db"})
	assert.Equal(t, "up", got.Value)
}

func TestDeinitRemovesAndAlwaysBroadcasts(t *testing.T) {
	r := New()
	sub := &recordingSubscriber{}
	r.Subscribe(sub)

	a := domain.NewInt("T", "a", 1)
	b := domain.NewInt("T", "b", 2)
	c := domain.NewInt("T", "c", 3)
	for _, s := range []domain.Source{a, b, c} {
		require.NoError(t, r.InitSource(s))
	}

	require.NoError(t, r.DeinitSource(b))
	require.NoError(t, r.DeinitSource(domain.NewInt("T", "never", 0)))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Name)
	assert.Equal(t, "c", snap[1].Name)

	// Index must follow the shifted entries.
	require.NoError(t, r.UpdateSource(domain.NewInt("T", "c", 30)))
	got, _ := r.Lookup(c.Key())
	assert.Equal(t, int32(30), got.Value)
	require.Equal(t, 2, r.Len())

	events := sub.Events()
	require.Len(t, events, 6)
	assert.Equal(t, EventDeinit, events[3].Kind)
	assert.Equal(t, b.Key(), events[3].Source.Key())
	assert.Equal(t, EventDeinit, events[4].Kind)
	assert.Equal(t, "never", events[4].Source.Name)
}

func TestInvalidSourceIsRejected(t *testing.T) {
	r := New()
	err := r.InitSource(domain.Source{Type: domain.TypeInt, TypeName: "T", Name: "x", Value: "str"})
	require.Error(t, err)
	err = r.UpdateSource(domain.Source{Type: domain.TypeDouble, TypeName: "T", Name: "x"})
	require.Error(t, err)
	require.Zero(t, r.Len())
}

func TestUnsubscribeStopsBroadcasts(t *testing.T) {
	r := New()
	sub := &recordingSubscriber{}
	r.Subscribe(sub)
	require.Equal(t, 1, r.Subscribers())
	r.Unsubscribe(sub)
	require.Zero(t, r.Subscribers())

	require.NoError(t, r.InitSource(domain.NewInt("T", "a", 1)))
	require.Empty(t, sub.Events())
}

func TestSnapshotToIsConsistentUnderConcurrentMutation(t *testing.T) {
	r := New()
	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s := domain.NewInt("Load", fmt.Sprintf("p%d-%d", p, i), int32(i))
				_ = r.InitSource(s)
				if i%3 == 0 {
					_ = r.DeinitSource(s)
				}
			}
		}(p)
	}

	for i := 0; i < 50; i++ {
		sub := &recordingSubscriber{}
		n := r.SnapshotTo(sub)
		events := sub.Events()
		require.Len(t, events, n)
		seen := make(map[domain.Key]bool, n)
		for _, ev := range events {
			require.Equal(t, EventInit, ev.Kind)
			require.False(t, seen[ev.Source.Key()], "duplicate %s in snapshot", ev.Source.Key())
			seen[ev.Source.Key()] = true
		}
	}
	wg.Wait()

	want := producers * (perProducer - (perProducer+2)/3)
	require.Equal(t, want, r.Len())
}

func TestBroadcastSharesOneEncodedFrame(t *testing.T) {
	r := New()
	subs := []*recordingSubscriber{{}, {}, {}}
	for _, sub := range subs {
		r.Subscribe(sub)
	}

	src := domain.NewDouble("Temperature", "boiler", 71.5)
	require.NoError(t, r.UpdateSource(src))
	require.NoError(t, r.DeinitSource(src))

	wantUpdate, err := protocol.Encode(protocol.SourceMessage(src))
	require.NoError(t, err)
	wantDeinit, err := protocol.Encode(protocol.DeinitMessage(src.Key()))
	require.NoError(t, err)

	first := subs[0].Events()
	require.Len(t, first, 2)
	assert.Equal(t, wantUpdate, first[0].Frame)
	assert.Equal(t, wantDeinit, first[1].Frame)
	for _, sub := range subs[1:] {
		events := sub.Events()
		require.Len(t, events, 2)
		for i := range events {
			assert.Same(t, &first[i].Frame[0], &events[i].Frame[0], "frame is encoded once per broadcast")
		}
	}
}
