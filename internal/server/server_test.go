package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/protocol"
	"github.com/ghalamif/como/internal/registry"
)

func startServer(t *testing.T, reg *registry.Registry, cfg Config) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(reg, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	return srv
}

type peer struct {
	conn net.Conn
	dec  *protocol.Decoder
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &peer{conn: conn, dec: protocol.NewDecoder()}
}

// next reads one message, failing with a timeout error when none arrives.
func (p *peer) next(timeout time.Duration) (protocol.Message, error) {
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)
	for {
		m, err := p.dec.Next()
		if !errors.Is(err, protocol.ErrIncomplete) {
			return m, err
		}
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.dec.Feed(buf[:n])
		}
		if err != nil {
			return protocol.Message{}, err
		}
	}
}

// notify keeps hooks from blocking session teardown once the test has its answer.
func notify(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func (p *peer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(p.conn, m))
}

func TestGetListOfSourcesRepliesInRegistryOrder(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.InitSource(domain.NewInt("T", "a", 1)))
	require.NoError(t, reg.InitSource(domain.NewString("T", "b", "two")))
	require.NoError(t, reg.InitSource(domain.NewDouble("T", "c", 3)))

	srv := startServer(t, reg, Config{})
	p := dial(t, srv)
	p.send(t, protocol.GetListOfSources())

	for _, name := range []string{"a", "b", "c"} {
		m, err := p.next(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, protocol.KindSource, m.Kind)
		require.Equal(t, name, m.Source.Name)
	}
}

func TestBroadcastFanOutSurvivesDisconnectedPeer(t *testing.T) {
	reg := registry.New()
	srv := startServer(t, reg, Config{})

	peers := []*peer{dial(t, srv), dial(t, srv), dial(t, srv)}
	gone := dial(t, srv)
	require.Eventually(t, func() bool { return reg.Subscribers() == 4 }, 2*time.Second, time.Millisecond)

	require.NoError(t, gone.conn.Close())

	require.NoError(t, reg.UpdateSource(domain.NewDouble("CPU load", "core0", 0.42)))

	for i, p := range peers {
		m, err := p.next(2 * time.Second)
		require.NoError(t, err, "peer %d", i)
		require.Equal(t, protocol.KindSource, m.Kind)
		require.Equal(t, 0.42, m.Source.Value)

		_, err = p.next(100 * time.Millisecond)
		var ne net.Error
		require.True(t, errors.As(err, &ne) && ne.Timeout(), "peer %d expected exactly one message, got err=%v", i, err)
	}

	require.Eventually(t, func() bool { return len(srv.Sessions()) == 3 }, 2*time.Second, time.Millisecond)
}

func TestDeinitIsBroadcastToEverySession(t *testing.T) {
	reg := registry.New()
	src := domain.NewInt("Jobs", "queued", 1)
	require.NoError(t, reg.InitSource(src))
	srv := startServer(t, reg, Config{})

	a, b := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return reg.Subscribers() == 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, reg.DeinitSource(src))
	for _, p := range []*peer{a, b} {
		m, err := p.next(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, protocol.KindDeinitSource, m.Kind)
		require.Equal(t, src.Key(), m.Source.Key())
	}
}

func TestMalformedClientFrameClosesOnlyThatSession(t *testing.T) {
	reg := registry.New()
	disconnected := make(chan error, 1)
	srv := startServer(t, reg, Config{
		OnClientDisconnected: func(_ ClientInfo, err error) { notify(disconnected, err) },
	})

	bad, good := dial(t, srv), dial(t, srv)
	require.Eventually(t, func() bool { return reg.Subscribers() == 2 }, 2*time.Second, time.Millisecond)

	_, err := bad.conn.Write([]byte{0x42, 0, 0, 0, 0})
	require.NoError(t, err)

	select {
	case err := <-disconnected:
		require.ErrorIs(t, err, protocol.ErrProtocol)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected malformed session to close")
	}

	_, err = bad.next(2 * time.Second)
	require.Error(t, err)

	require.NoError(t, reg.InitSource(domain.NewInt("T", "still", 1)))
	m, err := good.next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "still", m.Source.Name)
}

func TestSlowSessionDoesNotBlockRegistry(t *testing.T) {
	reg := registry.New()
	srv := startServer(t, reg, Config{})

	slow := dial(t, srv) // never reads
	fast := dial(t, srv)
	require.Eventually(t, func() bool { return reg.Subscribers() == 2 }, 2*time.Second, time.Millisecond)

	big := string(make([]byte, 64*1024))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = reg.UpdateSource(domain.NewString("Blob", "payload", big))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("registry mutations stalled behind a slow session")
	}

	m, err := fast.next(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "payload", m.Source.Name)
	_ = slow
}

func TestMaxBacklogClosesSession(t *testing.T) {
	reg := registry.New()
	disconnected := make(chan error, 1)
	srv := startServer(t, reg, Config{
		MaxBacklog:           1,
		OnClientDisconnected: func(_ ClientInfo, err error) { notify(disconnected, err) },
	})
	_ = dial(t, srv) // never reads
	require.Eventually(t, func() bool { return reg.Subscribers() == 1 }, 2*time.Second, time.Millisecond)

	big := string(make([]byte, 256*1024))
	go func() {
		for i := 0; i < 100; i++ {
			_ = reg.UpdateSource(domain.NewString("Blob", "payload", big))
		}
	}()

	select {
	case err := <-disconnected:
		require.ErrorIs(t, err, ErrBacklogExceeded)
	case <-time.After(5 * time.Second):
		t.Fatalf("expected backlog limit to close the session")
	}
}

func TestCloseUnblocksSessions(t *testing.T) {
	reg := registry.New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(reg, Config{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return reg.Subscribers() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, srv.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after Close")
	}
	require.Zero(t, reg.Subscribers())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	require.ErrorIs(t, srv.Serve(context.Background(), ln), ErrServerClosed)
}
