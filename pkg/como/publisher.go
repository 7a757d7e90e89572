package como

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ghalamif/como/internal/adapters/opcua"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/registry"
	"github.com/ghalamif/como/internal/server"
)

// ErrAlreadyStarted is returned by Start on a running runtime.
var ErrAlreadyStarted = errors.New("como: already started")

// Publisher owns a source registry and serves it to subscribers. Sources
// come from Register/Update/Deregister calls and, when configured, from a
// collector such as the OPC UA bridge.
type Publisher struct {
	cfg       *Config
	obs       ports.Observability
	reg       *registry.Registry
	srv       *server.Server
	collector ports.Collector

	mu        sync.Mutex
	started   bool
	serveDone chan error
	metrics   *metricsServer
	shutdown  sync.Once
	errShut   error
}

func NewPublisher(cfg *Config, opts ...Option) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := applyOptions(opts)

	col := o.collector
	if col == nil && cfg.OPCUA != nil {
		c, err := opcua.NewCollector(*cfg.OPCUA, o.observability)
		if err != nil {
			return nil, err
		}
		col = c
	}

	reg := registry.New(registry.WithObservability(o.observability))
	scfg := cfg.Server
	scfg.Observability = o.observability
	return &Publisher{
		cfg:       cfg,
		obs:       o.observability,
		reg:       reg,
		srv:       server.New(reg, scfg),
		collector: col,
	}, nil
}

func (p *Publisher) Register(src Source) error   { return p.reg.RegisterSource(src) }
func (p *Publisher) Update(src Source) error     { return p.reg.UpdateSource(src) }
func (p *Publisher) Deregister(src Source) error { return p.reg.DeregisterSource(src) }

// Sources returns the registered sources in registration order.
func (p *Publisher) Sources() []Source { return p.reg.Snapshot() }

// Addr is the listening address once started.
func (p *Publisher) Addr() net.Addr { return p.srv.Addr() }

// Clients lists the connected subscribers.
func (p *Publisher) Clients() []server.ClientInfo { return p.srv.Sessions() }

// Start listens on the configured address and returns once the listener is
// bound; serving, the collector and the metrics endpoint run in the background.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Server.Addr, err)
	}
	p.serveDone = make(chan error, 1)
	go func() { p.serveDone <- p.srv.Serve(ctx, ln) }()

	if p.collector != nil {
		if err := p.collector.Start(p.reg); err != nil {
			_ = p.srv.Close()
			<-p.serveDone
			return fmt.Errorf("start collector: %w", err)
		}
	}

	p.metrics = startMetrics(p.cfg.Metrics.Addr, p.obs, nil)
	p.started = true
	return nil
}

// Run starts the publisher and blocks until ctx is cancelled or serving
// fails, then shuts down gracefully.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-p.serveDone:
		p.serveDone <- serveErr
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(serveErr, p.Shutdown(shutdownCtx))
}

// Shutdown stops the collector, which deregisters its sources, then closes
// every subscriber session and the metrics server.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.shutdown.Do(func() {
		var errs []error

		if p.collector != nil {
			if err := p.collector.Stop(); err != nil {
				errs = append(errs, err)
			}
		}

		if err := p.srv.Close(); err != nil {
			errs = append(errs, err)
		}

		p.mu.Lock()
		done, metrics := p.serveDone, p.metrics
		p.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, ctx.Err())
			}
		}

		if err := metrics.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		p.errShut = errors.Join(errs...)
	})
	return p.errShut
}
