package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/registry"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server: closed")

type Config struct {
	Addr       string `yaml:"addr"`
	MaxBacklog int    `yaml:"max_backlog"` // 0 = unlimited

	Observability        ports.Observability     `yaml:"-"`
	OnClientConnected    func(ClientInfo)        `yaml:"-"`
	OnClientDisconnected func(ClientInfo, error) `yaml:"-"`
}

// Server accepts subscribers and attaches one Session per connection to the
// registry's broadcast set.
type Server struct {
	cfg Config
	reg *registry.Registry
	obs ports.Observability

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

func New(reg *registry.Registry, cfg Config) *Server {
	obs := cfg.Observability
	if obs == nil {
		obs = ports.NopObservability{}
	}
	return &Server{
		cfg:      cfg,
		reg:      reg,
		obs:      obs,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done or Close.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after ctx is cancelled or
// Close is called; every session is closed before it returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.obs.LogInfo("server_listening", ports.Field{Key: "addr", Value: ln.Addr().String()})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})
	g.Go(func() error {
		return s.acceptLoop(ln)
	})

	err := g.Wait()
	s.wg.Wait()
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.obs.LogError("accept_retry", err, ports.Field{Key: "delay", Value: tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	info := ClientInfo{
		ID:          uuid.NewString(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
	}
	sess := newSession(info, conn, s.reg, s.obs, s.cfg.MaxBacklog)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[info.ID] = sess
	count := len(s.sessions)
	s.wg.Add(1)
	s.mu.Unlock()

	s.obs.SetGauge("como_server_sessions", float64(count))
	s.obs.LogInfo("client_connected",
		ports.Field{Key: "session", Value: info.ID},
		ports.Field{Key: "remote", Value: info.RemoteAddr})
	if s.cfg.OnClientConnected != nil {
		s.cfg.OnClientConnected(info)
	}

	go func() {
		defer s.wg.Done()
		sess.serve()

		s.mu.Lock()
		delete(s.sessions, info.ID)
		count := len(s.sessions)
		s.mu.Unlock()

		err := sess.Err()
		s.obs.SetGauge("como_server_sessions", float64(count))
		if err != nil {
			s.obs.LogError("client_disconnected", err, ports.Field{Key: "session", Value: info.ID})
		} else {
			s.obs.LogInfo("client_disconnected", ports.Field{Key: "session", Value: info.ID})
		}
		if s.cfg.OnClientDisconnected != nil {
			s.cfg.OnClientDisconnected(info, err)
		}
	}()
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions lists the currently connected subscribers.
func (s *Server) Sessions() []ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	return out
}

// Close stops accepting and closes every session. Safe to call repeatedly.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		if e := ln.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
	}
	for _, sess := range sessions {
		sess.Close(nil)
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
