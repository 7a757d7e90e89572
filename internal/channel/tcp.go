package channel

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/como/internal/client"
	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

// TCPChannel drives one client session. When the connection drops it reports
// every source it knew as deregistered, then reconnects if a policy is set.
type TCPChannel struct {
	name   string
	addr   string
	sess   *client.Session
	policy *ReconnectPolicy
	obs    ports.Observability
	events chan client.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTCPChannel(cfg Config) (*TCPChannel, error) {
	if cfg.Address == "" {
		return nil, errors.New("channel: address is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	obs := cfg.Observability
	if obs == nil {
		obs = ports.NopObservability{}
	}
	cc := cfg.Client
	if cc.Observability == nil {
		cc.Observability = obs
	}
	sess := client.New(cc)
	return &TCPChannel{
		name:   cfg.Name,
		addr:   cfg.Address,
		sess:   sess,
		policy: NewReconnectPolicy(cfg.Reconnect),
		obs:    obs,
		events: make(chan client.Event, cap(sess.Events())),
	}, nil
}

func (c *TCPChannel) Name() string { return c.name }

func (c *TCPChannel) Address() string { return c.addr }

func (c *TCPChannel) Events() <-chan client.Event { return c.events }

func (c *TCPChannel) State() client.State { return c.sess.State() }

func (c *TCPChannel) SetUpdateThrottle(d time.Duration) { c.sess.SetUpdateThrottle(d) }

// Connect makes the first attempt synchronously. Without a reconnect policy
// its error is returned; with one, retries continue in the background until
// ctx is done or Disconnect is called.
func (c *TCPChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return client.ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	c.obs.LogInfo("channel_connecting",
		ports.Field{Key: "channel", Value: c.name},
		ports.Field{Key: "addr", Value: c.addr})

	err := c.sess.Connect(runCtx, c.addr)
	go c.pump(runCtx, done)
	if c.policy != nil {
		return nil
	}
	return err
}

// Disconnect stops the session and any pending reconnect. Done is closed
// once the channel has stopped.
func (c *TCPChannel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sess.Disconnect()
}

// Done is closed when the channel stops after Disconnect or a final failure.
func (c *TCPChannel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *TCPChannel) pump(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.cancel()
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		close(done)
	}()

	known := make(map[domain.Key]domain.Source)
	for ev := range c.sess.Events() {
		switch ev.Kind {
		case client.EventConnected:
			if c.policy != nil {
				c.policy.Reset()
			}
		case client.EventSourceUpdated:
			known[ev.Source.Key()] = ev.Source
		case client.EventSourceDeregistered:
			delete(known, ev.Source.Key())
		case client.EventDisconnected:
			c.dropKnown(known)
		}
		c.events <- ev

		if ev.Kind != client.EventDisconnected {
			continue
		}
		if ctx.Err() != nil || c.policy == nil {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

// dropKnown reports every source of the dropped connection as deregistered.
func (c *TCPChannel) dropKnown(known map[domain.Key]domain.Source) {
	if len(known) == 0 {
		return
	}
	now := time.Now()
	srcs := make([]domain.Source, 0, len(known))
	for _, src := range known {
		srcs = append(srcs, src)
	}
	slices.SortFunc(srcs, func(a, b domain.Source) int {
		return cmp.Compare(a.Key().String(), b.Key().String())
	})
	for _, src := range srcs {
		src.DateTime = now
		c.events <- client.Event{Kind: client.EventSourceDeregistered, Source: src}
	}
	clear(known)
}

// reconnect waits out the backoff and starts the next attempt. It returns
// false when the policy gives up or ctx ends.
func (c *TCPChannel) reconnect(ctx context.Context) bool {
	delay, ok := c.policy.Next()
	if !ok {
		c.obs.LogError("channel_reconnect_exhausted", nil, ports.Field{Key: "channel", Value: c.name})
		return false
	}
	attempt := uuid.NewString()
	c.obs.LogInfo("channel_reconnect_scheduled",
		ports.Field{Key: "channel", Value: c.name},
		ports.Field{Key: "attempt", Value: attempt},
		ports.Field{Key: "delay", Value: delay.String()})

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	if err := c.sess.Connect(ctx, c.addr); err != nil {
		c.obs.LogError("channel_reconnect_failed", err,
			ports.Field{Key: "channel", Value: c.name},
			ports.Field{Key: "attempt", Value: attempt})
	}
	return true
}

var _ Channel = (*TCPChannel)(nil)
