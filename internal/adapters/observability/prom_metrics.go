package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

type PromObs struct {
	logger   *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the Como metric set on reg (prometheus.DefaultRegisterer
// when nil) and logs through logger (slog.Default() when nil).
func NewPromObs(reg prometheus.Registerer, logger *slog.Logger) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}

	sent := counter("como_messages_sent_total", "Protocol frames written to server sessions.")
	received := counter("como_messages_received_total", "Protocol frames decoded by client sessions.")
	coalesced := counter("como_updates_coalesced_total", "Source updates superseded by a newer value inside the throttle window.")
	protoErrs := counter("como_protocol_errors_total", "Connections closed because of a malformed frame.")
	written := counter("como_records_written_total", "History records committed to the history store.")
	dropped := counter("como_records_dropped_total", "History records lost due to queue or journal backpressure policies.")
	dlq := counter("como_dlq_total", "History records rejected by the history store.")

	sources := gauge("como_sources_registered", "Sources currently registered on the publisher.")
	sessions := gauge("como_server_sessions", "Server sessions currently serving.")
	journalSize := gauge("como_journal_size_bytes", "Size of the history journal on disk.")
	queueLen := gauge("como_record_queue_length", "History records buffered in the in-memory queue.")

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "como_history_write_latency_seconds",
		Help:    "Latency of a history batch write.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	reg.MustRegister(sent, received, coalesced, protoErrs, written, dropped, dlq,
		sources, sessions, journalSize, queueLen, latency)

	return &PromObs{
		logger: logger,
		counters: map[string]prometheus.Counter{
			"como_messages_sent_total":     sent,
			"como_messages_received_total": received,
			"como_updates_coalesced_total": coalesced,
			"como_protocol_errors_total":   protoErrs,
			"como_records_written_total":   written,
			"como_records_dropped_total":   dropped,
			"como_dlq_total":               dlq,
		},
		gauges: map[string]prometheus.Gauge{
			"como_sources_registered":  sources,
			"como_server_sessions":     sessions,
			"como_journal_size_bytes":  journalSize,
			"como_record_queue_length": queueLen,
		},
		histos: map[string]prometheus.Observer{
			"como_history_write_latency_seconds": latency,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.logger.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), "error", err)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.logger.Error(msg, append(attrs(fields), "error", err, "critical", true)...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDLQ(id ports.EntryID, r *domain.Record, err error) {
	p.IncCounter("como_dlq_total", 1)
	if r != nil {
		p.logger.Warn("history record rejected",
			"entry", uint64(id), "source", r.Source.Key().String(), "error", err)
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2+3)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
