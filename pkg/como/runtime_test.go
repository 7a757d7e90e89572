package como

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

var nop = WithObservability(ports.NopObservability{})

func testPolicy() Policy {
	return Policy{MaxQueueLen: 64, MaxBatchSize: 16, IdleSleep: time.Millisecond, OnQueueFull: "block", OnJournalFull: "block"}
}

type stubCollector struct {
	mu      sync.Mutex
	sink    ports.SourceSink
	stopped bool
}

func (c *stubCollector) Start(sink ports.SourceSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	return sink.InitSource(domain.NewDouble("Temperature", "plc", 21.5))
}

func (c *stubCollector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return c.sink.DeinitSource(domain.Source{TypeName: "Temperature", Name: "plc"})
}

type stubChannel struct{ name string }

func (s *stubChannel) Name() string                    { return s.name }
func (s *stubChannel) Connect(context.Context) error   { return nil }
func (s *stubChannel) Disconnect()                     {}
func (s *stubChannel) SetUpdateThrottle(time.Duration) {}
func (s *stubChannel) Events() <-chan Event            { return nil }
func (s *stubChannel) State() ChannelState             { return 0 }
func (s *stubChannel) Done() <-chan struct{}           { return nil }

func startPublisher(t *testing.T, opts ...Option) *Publisher {
	t.Helper()
	pub, err := NewPublisher(&Config{Server: ServerConfig{Addr: "127.0.0.1:0"}}, append([]Option{nop}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, pub.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pub.Shutdown(ctx)
	})
	return pub
}

// nextRecord reads batches until a record matching fn arrives.
func nextRecord(t *testing.T, ch <-chan []Record, fn func(Record) bool) Record {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case batch := <-ch:
			for _, r := range batch {
				if fn(r) {
					return r
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for record")
			return Record{}
		}
	}
}

func TestPublisherCollectorLifecycle(t *testing.T) {
	col := &stubCollector{}
	pub := startPublisher(t, WithCollector(col))

	srcs := pub.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, "plc", srcs[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pub.Shutdown(ctx))
	assert.True(t, col.stopped)
	assert.Empty(t, pub.Sources())
	assert.NoError(t, pub.Shutdown(ctx), "second shutdown is a no-op")
}

func TestPublisherStartTwice(t *testing.T) {
	pub := startPublisher(t)
	assert.ErrorIs(t, pub.Start(context.Background()), ErrAlreadyStarted)
}

func TestMonitorRecordsPublishedSources(t *testing.T) {
	pub := startPublisher(t)
	require.NoError(t, pub.Register(domain.NewDouble("Temperature", "boiler", 20)))

	hist, batches, closeHist := NewChannelHistory("test", 16)
	defer closeHist()

	var (
		mu     sync.Mutex
		events []EventKind
	)
	cfg := &Config{
		Channels: []ChannelConfig{{Name: "plant", Address: pub.Addr().String()}},
		Recorder: RecorderConfig{Policy: testPolicy(), JournalDir: t.TempDir()},
	}
	mon, err := NewMonitor(cfg, nop, WithHistory(hist), WithEventHandler(func(name string, ev Event) {
		assert.Equal(t, "plant", name)
		mu.Lock()
		events = append(events, ev.Kind)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.True(t, mon.Recording())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mon.Start(ctx))

	first := nextRecord(t, batches, func(r Record) bool { return r.Source.Name == "boiler" })
	assert.Equal(t, "plant", first.Channel)
	assert.Equal(t, domain.RecordUpdate, first.Kind)
	assert.Equal(t, 20.0, first.Source.Value)
	assert.False(t, first.ReceivedAt.IsZero())

	require.NoError(t, pub.Update(domain.NewDouble("Temperature", "boiler", 21)))
	upd := nextRecord(t, batches, func(r Record) bool { return r.Source.Value == 21.0 })
	assert.Greater(t, upd.Seq, first.Seq)

	require.NoError(t, pub.Deregister(domain.Source{TypeName: "Temperature", Name: "boiler"}))
	dereg := nextRecord(t, batches, func(r Record) bool { return r.Kind == domain.RecordDeregister })
	assert.Equal(t, 21.0, dereg.Source.Value, "deregistration carries the last value")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelShutdown()
	require.NoError(t, mon.Shutdown(shutdownCtx))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, EventConnected, events[0])
	assert.Equal(t, EventDisconnected, events[len(events)-1])
}

func TestMonitorApplyConfigUpdatesThrottle(t *testing.T) {
	pub := startPublisher(t)
	cfg := &Config{Channels: []ChannelConfig{{Name: "plant", Address: pub.Addr().String()}}}
	mon, err := NewMonitor(cfg, nop)
	require.NoError(t, err)
	assert.False(t, mon.Recording())

	mon.ApplyConfig(&Config{Channels: []ChannelConfig{
		{Name: "plant", Client: ClientConfig{Throttle: time.Second}},
		{Name: "unknown", Client: ClientConfig{Throttle: time.Minute}},
	}})
	assert.False(t, mon.SetUpdateThrottle("missing", time.Second))
}

func TestMonitorRunReportsLostConnection(t *testing.T) {
	pub := startPublisher(t)
	cfg := &Config{Channels: []ChannelConfig{{Name: "plant", Address: pub.Addr().String()}}}
	connected := make(chan struct{}, 1)
	mon, err := NewMonitor(cfg, nop, WithEventHandler(func(_ string, ev Event) {
		if ev.Kind == EventConnected {
			connected <- struct{}{}
		}
	}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mon.Run(context.Background()) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pub.Shutdown(ctx))

	select {
	case err := <-done:
		assert.Error(t, err, "a channel without reconnect stops with the transport error")
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not stop after the publisher went away")
	}
}

func TestNewMonitorValidatesChannels(t *testing.T) {
	_, err := NewMonitor(&Config{}, nop)
	assert.Error(t, err)

	_, err = NewMonitor(&Config{}, nop, WithChannel(&stubChannel{name: "a"}), WithChannel(&stubChannel{name: "a"}))
	assert.Error(t, err)

	_, err = NewMonitor(&Config{Channels: []ChannelConfig{{Name: "x", Type: "carrier-pigeon", Address: "x:1"}}}, nop)
	assert.Error(t, err)
}

func TestRecorderWithSQLiteHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Recorder: RecorderConfig{Policy: testPolicy(), JournalDir: filepath.Join(dir, "journal")},
		History:  HistoryConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "history.db"), Table: "source_history"},
	}
	ctx := context.Background()
	rec, err := NewRecorder(ctx, cfg, nop)
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := range 3 {
		src := domain.NewInt("Counter", "parts", int32(i))
		require.NoError(t, rec.Record(Record{Channel: "line1", Kind: domain.RecordUpdate, Source: src, Seq: uint64(i + 1), ReceivedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, rec.Close(closeCtx))
	assert.ErrorIs(t, rec.Record(Record{Source: domain.NewInt("Counter", "parts", 9)}), ErrRecorderClosed)

	h, err := OpenHistory(ctx, cfg.History)
	require.NoError(t, err)
	defer h.Close()

	got, err := h.QueryRange(ctx, Key{TypeName: "Counter", Name: "parts"}, base, base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int32(0), got[0].Source.Value)
	assert.Equal(t, int32(1), got[1].Source.Value)
	assert.Equal(t, "line1", got[1].Channel)
}

func TestRecorderRejectsWhenQueueFull(t *testing.T) {
	blocked := make(chan struct{})
	hist := NewCallbackHistory("stuck", func([]Record) error {
		<-blocked
		return errors.New("unavailable")
	})
	cfg := &Config{Recorder: RecorderConfig{
		Policy:     Policy{MaxQueueLen: 1, MaxBatchSize: 1, IdleSleep: time.Millisecond, OnQueueFull: "reject", OnJournalFull: "block"},
		JournalDir: t.TempDir(),
	}}
	rec, err := NewRecorder(context.Background(), cfg, nop, WithHistory(hist))
	require.NoError(t, err)

	var rejected error
	for i := range 10 {
		if err := rec.Record(Record{Source: domain.NewInt("T", "x", int32(i))}); err != nil {
			rejected = err
			break
		}
	}
	assert.ErrorIs(t, rejected, ErrQueueFull)

	close(blocked)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = rec.Close(ctx)
}
