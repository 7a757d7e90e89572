package como

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghalamif/como/internal/ports"
)

type metricsServer struct {
	srv  *http.Server
	stop chan struct{}
}

// startMetrics serves /metrics and /healthz on addr. An empty addr disables
// the endpoint. gauges runs every second until shutdown.
func startMetrics(addr string, obs ports.Observability, gauges func()) *metricsServer {
	m := &metricsServer{stop: make(chan struct{})}

	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		m.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.LogError("metrics_server_exited", err, ports.Field{Key: "addr", Value: addr})
			}
		}()
	}

	if gauges != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-ticker.C:
					gauges()
				}
			}
		}()
	}
	return m
}

func (m *metricsServer) shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	close(m.stop)
	if m.srv == nil {
		return nil
	}
	if err := m.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
