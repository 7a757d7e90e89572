package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/como/internal/protocol"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/registry"
)

// ErrBacklogExceeded closes a session whose outbound queue outgrew MaxBacklog.
var ErrBacklogExceeded = errors.New("server: session backlog exceeded")

// SessionState is the lifecycle of one accepted connection.
type SessionState int32

const (
	StateAccepted SessionState = iota
	StateServing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientInfo describes a connected subscriber for display purposes.
type ClientInfo struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Session serves one subscriber. Registry broadcasts only append encoded
// frames to its queue; a dedicated writer goroutine flushes them, so a slow
// peer backs up its own queue and socket without stalling the registry.
type Session struct {
	info       ClientInfo
	conn       net.Conn
	reg        *registry.Registry
	obs        ports.Observability
	maxBacklog int

	state atomic.Int32

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(info ClientInfo, conn net.Conn, reg *registry.Registry, obs ports.Observability, maxBacklog int) *Session {
	return &Session{
		info:       info,
		conn:       conn,
		reg:        reg,
		obs:        obs,
		maxBacklog: maxBacklog,
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (s *Session) Info() ClientInfo { return s.info }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Backlog returns the number of frames waiting to be written.
func (s *Session) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Notify implements registry.Subscriber. Broadcast events arrive already
// encoded; the frame is queued as is.
func (s *Session) Notify(ev registry.Event) {
	frame := ev.Frame
	if frame == nil {
		m, ok := ev.Message()
		if !ok {
			return
		}
		var err error
		if frame, err = protocol.Encode(m); err != nil {
			s.obs.LogError("session_encode_failed", err, ports.Field{Key: "session", Value: s.info.ID})
			return
		}
	}
	s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) {
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.maxBacklog > 0 && len(s.queue) >= s.maxBacklog {
		s.mu.Unlock()
		s.Close(ErrBacklogExceeded)
		return
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close shuts the connection down; the blocked reader and writer return.
// The first non-nil cause is kept as the session's close error.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.state.Store(int32(StateClosed))
		s.queue = nil
		s.mu.Unlock()
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Err returns the reason the session closed, nil for a clean peer close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// serve runs the session until the peer disconnects or Close is called.
func (s *Session) serve() {
	s.reg.Subscribe(s)
	s.state.Store(int32(StateServing))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.Close(s.readLoop())
	s.reg.Unsubscribe(s)
	<-writerDone
}

func (s *Session) readLoop() error {
	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if perr := s.drain(dec); perr != nil {
				return perr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || s.State() == StateClosed {
				return nil
			}
			return fmt.Errorf("session %s read: %w", s.info.ID, err)
		}
	}
}

func (s *Session) drain(dec *protocol.Decoder) error {
	for {
		m, err := dec.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.obs.IncCounter("como_protocol_errors_total", 1)
			return err
		}
		switch m.Kind {
		case protocol.KindGetListOfSources:
			n := s.reg.SnapshotTo(s)
			s.obs.LogInfo("source_list_requested",
				ports.Field{Key: "session", Value: s.info.ID},
				ports.Field{Key: "sources", Value: n})
		default:
			s.obs.IncCounter("como_protocol_errors_total", 1)
			return &protocol.ProtocolError{Kind: m.Kind, Reason: "unexpected message from client"}
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		bufs := net.Buffers(batch)
		if _, err := bufs.WriteTo(s.conn); err != nil {
			if s.State() != StateClosed {
				s.Close(fmt.Errorf("session %s write: %w", s.info.ID, err))
			}
			return
		}
		s.obs.IncCounter("como_messages_sent_total", float64(len(batch)))
	}
}

var _ registry.Subscriber = (*Session)(nil)
