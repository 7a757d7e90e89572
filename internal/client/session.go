// Package client implements the subscriber side of the monitoring protocol:
// connect, request the source list, then stream updates through a per-source
// throttle to a bounded event channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSourceList
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSourceList:
		return "awaiting_source_list"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventSourceUpdated
	EventSourceDeregistered
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSourceUpdated:
		return "source_updated"
	case EventSourceDeregistered:
		return "source_deregistered"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered in order on Session.Events. Source.DateTime carries the
// receive time. Err is set on EventDisconnected when the connection failed.
type Event struct {
	Kind   EventKind
	Source domain.Source
	Err    error
}

const (
	DefaultEventBuffer = 256
	DefaultDialTimeout = 10 * time.Second
)

type Config struct {
	Throttle    time.Duration `yaml:"throttle"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	EventBuffer int           `yaml:"event_buffer"`

	Observability ports.Observability `yaml:"-"`
}

// Session is one subscriber connection at a time. It can be reconnected after
// it reports EventDisconnected. Events must be drained by the caller; a full
// event channel holds back the reader and, through TCP, the publisher.
type Session struct {
	cfg    Config
	obs    ports.Observability
	events chan Event

	state    atomic.Int32
	throttle atomic.Int64

	mu   sync.Mutex
	cur  *conn
	last chan struct{} // closed once the previous connection emitted its final event
}

func New(cfg Config) *Session {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	obs := cfg.Observability
	if obs == nil {
		obs = ports.NopObservability{}
	}
	s := &Session{
		cfg:    cfg,
		obs:    obs,
		events: make(chan Event, cfg.EventBuffer),
		last:   make(chan struct{}),
	}
	close(s.last)
	s.throttle.Store(int64(max(cfg.Throttle, 0)))
	return s
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// SetUpdateThrottle sets the minimum interval between two deliveries of the
// same source. It applies to the next received message; values already held
// keep their scheduled delivery time.
func (s *Session) SetUpdateThrottle(d time.Duration) {
	s.throttle.Store(int64(max(d, 0)))
}

func (s *Session) UpdateThrottle() time.Duration {
	return time.Duration(s.throttle.Load())
}

// conn is the state of one connection attempt. stop is closed on any
// failure; aborted only when the caller ended the connection, which is the
// one case where already received messages are not delivered.
type conn struct {
	addr    string
	cancel  context.CancelFunc
	stop    chan struct{}
	once    sync.Once
	err     error
	unhook  func() bool
	aborted chan struct{}
	aborts  sync.Once

	streaming bool // owned by dispatch

	mu   sync.Mutex
	netc net.Conn
	wmu  sync.Mutex
}

// fail records the first cause and shuts the socket down so blocked reads
// return.
func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		c.mu.Lock()
		close(c.stop)
		netc := c.netc
		c.mu.Unlock()
		c.cancel()
		if netc != nil {
			_ = netc.Close()
		}
	})
}

func (c *conn) abort() {
	c.aborts.Do(func() { close(c.aborted) })
	c.fail(nil)
}

// attach stores the dialed socket unless the connection already stopped.
func (c *conn) attach(netc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped() {
		return false
	}
	c.netc = netc
	return true
}

func (c *conn) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netc
}

func (c *conn) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *conn) write(m protocol.Message) error {
	netc := c.socket()
	if netc == nil || c.stopped() {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteMessage(netc, m)
}

// Connect dials address, requests the source list and starts streaming.
// The connection lasts until Disconnect, a transport or protocol failure,
// or ctx is done. A failed dial is returned as *TransportError and also
// reported as EventDisconnected; the session can be connected again at once.
func (s *Session) Connect(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.cur != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c := &conn{addr: address, cancel: cancel, stop: make(chan struct{}), aborted: make(chan struct{})}
	prev, done := s.last, make(chan struct{})
	s.last = done
	s.cur = c
	s.setState(StateConnecting)
	s.mu.Unlock()

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	netc, err := d.DialContext(dialCtx, "tcp", address)
	if err == nil && !c.attach(netc) {
		_ = netc.Close()
		err = net.ErrClosed
	}
	if err == nil {
		err = c.write(protocol.GetListOfSources())
	}
	if err != nil {
		if !c.stopped() {
			c.fail(&TransportError{Op: "connect", Addr: address, Err: err})
		}
		s.detach(c)
		go s.finish(c, prev, done)
		if c.err == nil {
			return fmt.Errorf("client connect %s: %w", address, context.Canceled)
		}
		return c.err
	}

	s.setConnState(c, StateAwaitingSourceList)
	c.unhook = context.AfterFunc(ctx, c.abort)
	s.obs.LogInfo("client_connected", ports.Field{Key: "addr", Value: address})

	msgs := make(chan inbound, 64)
	go s.readLoop(c, msgs)
	go s.dispatch(c, prev, done, msgs)
	return nil
}

// Disconnect closes the current connection, if any. The session can be
// connected again right away; the closed connection's EventDisconnected
// still precedes every event of the next one. Safe to call from any
// goroutine and more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c != nil {
		s.detach(c)
		c.abort()
	}
}

// detach makes c no longer the current connection.
func (s *Session) detach(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == c {
		s.cur = nil
		s.setState(StateDisconnected)
	}
}

// setConnState changes the state only while c is the current connection.
func (s *Session) setConnState(c *conn, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == c {
		s.setState(st)
	}
}

// RequestSourceList asks the server to resend every registered source.
func (s *Session) RequestSourceList() error {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.write(protocol.GetListOfSources())
}

type inbound struct {
	msg protocol.Message
	at  time.Time
}

func (s *Session) readLoop(c *conn, msgs chan<- inbound) {
	defer close(msgs)
	netc := c.socket()
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := netc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			now := time.Now()
			for {
				m, derr := dec.Next()
				if errors.Is(derr, protocol.ErrIncomplete) {
					break
				}
				if derr != nil {
					s.obs.IncCounter("como_protocol_errors_total", 1)
					c.fail(derr)
					return
				}
				select {
				case msgs <- inbound{msg: m, at: now}:
				case <-c.stop:
					return
				}
			}
		}
		if err != nil {
			if c.stopped() {
				return
			}
			c.fail(&TransportError{Op: "read", Addr: c.addr, Err: err})
			return
		}
	}
}

// dispatch owns the throttle for one connection and emits events in order.
// Messages read before a transport failure are delivered until msgs is
// closed; only an abort cuts them short.
func (s *Session) dispatch(c *conn, prev, done chan struct{}, msgs <-chan inbound) {
	defer s.finish(c, prev, done)

	select {
	case <-prev:
	case <-c.aborted:
		return
	}
	if !s.emit(c, Event{Kind: EventConnected}) {
		return
	}

	th := newThrottle(s.UpdateThrottle())
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if next, ok := th.nextDue(); ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Stop()
		}

		select {
		case <-c.aborted:
			return
		case now := <-timer.C:
			if !s.flush(c, th, now) {
				return
			}
		case in, ok := <-msgs:
			if !ok {
				return
			}
			if !s.flush(c, th, in.at) || !s.handle(c, th, in) {
				return
			}
		}
	}
}

func (s *Session) handle(c *conn, th *throttle, in inbound) bool {
	s.obs.IncCounter("como_messages_received_total", 1)
	switch in.msg.Kind {
	case protocol.KindSource:
		if !c.streaming {
			c.streaming = true
			s.setConnState(c, StateStreaming)
		}
		src := in.msg.Source
		src.DateTime = in.at
		th.setInterval(s.UpdateThrottle())
		deliver, coalesced := th.offer(src, in.at)
		if coalesced {
			s.obs.IncCounter("como_updates_coalesced_total", 1)
		}
		if deliver {
			return s.emit(c, Event{Kind: EventSourceUpdated, Source: src})
		}
		return true
	case protocol.KindDeinitSource:
		key := in.msg.Source.Key()
		src, ok := th.forget(key)
		if !ok {
			src = in.msg.Source
		}
		src.DateTime = in.at
		return s.emit(c, Event{Kind: EventSourceDeregistered, Source: src})
	default:
		s.obs.IncCounter("como_protocol_errors_total", 1)
		c.fail(&protocol.ProtocolError{Kind: in.msg.Kind, Reason: "unexpected message from server"})
		return false
	}
}

func (s *Session) flush(c *conn, th *throttle, now time.Time) bool {
	for _, src := range th.due(now) {
		if !s.emit(c, Event{Kind: EventSourceUpdated, Source: src}) {
			return false
		}
	}
	return true
}

// emit blocks until the event is queued or the connection is aborted.
func (s *Session) emit(c *conn, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-c.aborted:
		return false
	}
}

// finish tears the connection down and emits the final EventDisconnected
// after every earlier event of the previous connection.
func (s *Session) finish(c *conn, prev, done chan struct{}) {
	c.fail(nil)
	if c.unhook != nil {
		c.unhook()
	}
	s.detach(c)

	if c.err != nil {
		s.obs.LogError("client_disconnected", c.err, ports.Field{Key: "addr", Value: c.addr})
	} else {
		s.obs.LogInfo("client_disconnected", ports.Field{Key: "addr", Value: c.addr})
	}

	<-prev
	s.events <- Event{Kind: EventDisconnected, Err: c.err}
	close(done)
}
