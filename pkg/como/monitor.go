package como

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/como/internal/channel"
	"github.com/ghalamif/como/internal/ports"
)

// Monitor subscribes to one or more publishers through channels and, when a
// history is configured, records every delivered event.
type Monitor struct {
	cfg      *Config
	obs      ports.Observability
	channels []Channel
	handler  EventHandler
	rec      *Recorder
	recOpts  overrides

	mu            sync.Mutex
	started       bool
	stopChannels  context.CancelFunc
	consumersDone chan struct{}
	consumerErr   error
	metrics       *metricsServer
	shutdown      sync.Once
	errShut       error
}

// NewMonitor builds the channels listed in cfg plus any passed with
// WithChannel. Recording is enabled when cfg.History names a driver or a
// history is injected with WithHistory.
func NewMonitor(cfg *Config, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := applyOptions(opts)

	m := &Monitor{
		cfg:     cfg,
		obs:     o.observability,
		handler: o.handler,
		recOpts: o,
	}

	factories := channel.DefaultFactories()
	for _, cc := range cfg.Channels {
		cc.Observability = m.obs
		ch, err := factories.New(cc)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cc.Name, err)
		}
		m.channels = append(m.channels, ch)
	}
	m.channels = append(m.channels, o.channels...)
	if len(m.channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	seen := make(map[string]bool, len(m.channels))
	for _, ch := range m.channels {
		if seen[ch.Name()] {
			return nil, fmt.Errorf("channel %s: duplicate name", ch.Name())
		}
		seen[ch.Name()] = true
	}
	return m, nil
}

// Recording reports whether events are written to history.
func (m *Monitor) Recording() bool {
	return m.recOpts.history != nil || m.cfg.History.Driver != ""
}

// Recorder is the running recorder, nil before Start or when not recording.
func (m *Monitor) Recorder() *Recorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

func (m *Monitor) Channels() []Channel { return m.channels }

// SetUpdateThrottle changes the throttle of the named channel.
func (m *Monitor) SetUpdateThrottle(name string, d time.Duration) bool {
	for _, ch := range m.channels {
		if ch.Name() == name {
			ch.SetUpdateThrottle(d)
			return true
		}
	}
	return false
}

// ApplyConfig applies the reloadable parts of cfg, currently the per-channel
// throttle, to running channels.
func (m *Monitor) ApplyConfig(cfg *Config) {
	for _, cc := range cfg.Channels {
		if m.SetUpdateThrottle(cc.Name, cc.Client.Throttle) {
			m.obs.LogInfo("channel_throttle_updated",
				ports.Field{Key: "channel", Value: cc.Name},
				ports.Field{Key: "throttle", Value: cc.Client.Throttle.String()})
		}
	}
}

// Start opens the recorder, which replays its journal, and connects every
// channel. It returns once all channels made their first connection attempt.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	var gauges func()
	if m.Recording() {
		rec, err := newRecorder(ctx, m.cfg, m.recOpts)
		if err != nil {
			return err
		}
		m.rec = rec
		gauges = rec.gauges
	}

	chCtx, stopChannels := context.WithCancel(ctx)
	m.stopChannels = stopChannels

	var consumers errgroup.Group
	for _, ch := range m.channels {
		if err := ch.Connect(chCtx); err != nil {
			m.obs.LogError("channel_connect_failed", err, ports.Field{Key: "channel", Value: ch.Name()})
		}
		consumers.Go(func() error { return m.consume(chCtx, ch) })
	}
	m.consumersDone = make(chan struct{})
	go func() {
		m.consumerErr = consumers.Wait()
		close(m.consumersDone)
	}()

	m.metrics = startMetrics(m.cfg.Metrics.Addr, m.obs, gauges)
	m.started = true
	return nil
}

// Done is closed once every channel has stopped; nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumersDone
}

// Run starts the monitor and blocks until ctx is cancelled or every channel
// has stopped. The returned error carries channel failures.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-m.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.Shutdown(shutdownCtx)
	return errors.Join(m.consumerErr, err)
}

// Shutdown disconnects every channel, waits for their last events to be
// recorded and closes the recorder.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.shutdown.Do(func() {
		m.mu.Lock()
		started, rec := m.started, m.rec
		m.mu.Unlock()
		if !started {
			return
		}

		var errs []error
		m.stopChannels()
		select {
		case <-m.consumersDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		if rec != nil {
			if err := rec.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.metrics.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		m.errShut = errors.Join(errs...)
	})
	return m.errShut
}

// consume forwards one channel's events until the channel stops. A channel
// that stops on its own reports the error of its last disconnect.
func (m *Monitor) consume(ctx context.Context, ch Channel) error {
	var (
		seq      uint64
		lastErr  error
		stopping = ctx.Done()
	)
	handle := func(ev Event) {
		if ev.Kind == EventDisconnected {
			lastErr = ev.Err
		}
		if m.handler != nil {
			m.handler(ch.Name(), ev)
		}
		if m.rec == nil {
			return
		}
		r, ok := recordFromEvent(ch.Name(), ev, seq+1)
		if !ok {
			return
		}
		seq++
		if err := m.rec.Record(r); err != nil && !errors.Is(err, ErrRecorderClosed) {
			m.obs.LogError("record_failed", err,
				ports.Field{Key: "channel", Value: ch.Name()},
				ports.Field{Key: "source", Value: r.Source.Key().String()})
		}
	}

	for {
		select {
		case ev := <-ch.Events():
			handle(ev)
		case <-stopping:
			stopping = nil
			ch.Disconnect()
		case <-ch.Done():
		drain:
			for {
				select {
				case ev := <-ch.Events():
					handle(ev)
				default:
					break drain
				}
			}
			if ctx.Err() != nil || lastErr == nil {
				return nil
			}
			return fmt.Errorf("channel %s: %w", ch.Name(), lastErr)
		}
	}
}
