package como

import (
	"context"
	"time"

	base "github.com/ghalamif/como/pkg/como"
)

// Re-exported errors for convenience.
var (
	ErrAlreadyStarted       = base.ErrAlreadyStarted
	ErrQueueFull            = base.ErrQueueFull
	ErrJournalFull          = base.ErrJournalFull
	ErrRecorderClosed       = base.ErrRecorderClosed
	ErrChannelHistoryClosed = base.ErrChannelHistoryClosed
	ErrQueryUnsupported     = base.ErrQueryUnsupported
)

// Type aliases so consumers can import github.com/ghalamif/como directly.
type (
	Config          = base.Config
	ServerConfig    = base.ServerConfig
	ChannelConfig   = base.ChannelConfig
	ClientConfig    = base.ClientConfig
	ReconnectConfig = base.ReconnectConfig
	RecorderConfig  = base.RecorderConfig
	Policy          = base.Policy
	HistoryConfig   = base.HistoryConfig
	MetricsConfig   = base.MetricsConfig
	OPCUAConfig     = base.OPCUAConfig
	OPCUANodeConfig = base.OPCUANodeConfig

	Source          = base.Source
	Key             = base.Key
	Record          = base.Record
	Event           = base.Event
	EventKind       = base.EventKind
	EventHandler    = base.EventHandler
	Channel         = base.Channel
	Collector       = base.Collector
	History         = base.History
	SQLHistory      = base.SQLHistory
	Journal         = base.Journal
	RecordQueue     = base.RecordQueue
	RecordBatchFunc = base.RecordBatchFunc
	Observability   = base.Observability
	Field           = base.Field

	Publisher = base.Publisher
	Monitor   = base.Monitor
	Recorder  = base.Recorder
	Option    = base.Option
)

const (
	EventConnected          = base.EventConnected
	EventSourceUpdated      = base.EventSourceUpdated
	EventSourceDeregistered = base.EventSourceDeregistered
	EventDisconnected       = base.EventDisconnected
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

func WatchConfig(ctx context.Context, path string, obs Observability, fn func(*Config)) error {
	return base.WatchConfig(ctx, path, obs, fn)
}

// Runtimes.
func NewPublisher(cfg *Config, opts ...Option) (*Publisher, error) {
	return base.NewPublisher(cfg, opts...)
}

func NewMonitor(cfg *Config, opts ...Option) (*Monitor, error) {
	return base.NewMonitor(cfg, opts...)
}

func NewRecorder(ctx context.Context, cfg *Config, opts ...Option) (*Recorder, error) {
	return base.NewRecorder(ctx, cfg, opts...)
}

// Options.
func WithCollector(col Collector) Option { return base.WithCollector(col) }

func WithChannel(ch Channel) Option { return base.WithChannel(ch) }

func WithHistory(h History) Option { return base.WithHistory(h) }

func WithJournal(j Journal) Option { return base.WithJournal(j) }

func WithRecordQueue(q RecordQueue) Option { return base.WithRecordQueue(q) }

func WithObservability(obs Observability) Option { return base.WithObservability(obs) }

func WithEventHandler(fn EventHandler) Option { return base.WithEventHandler(fn) }

// History helpers.
func OpenHistory(ctx context.Context, cfg HistoryConfig) (*SQLHistory, error) {
	return base.OpenHistory(ctx, cfg)
}

func NewCallbackHistory(name string, fn RecordBatchFunc) History {
	return base.NewCallbackHistory(name, fn)
}

func NewChannelHistory(name string, buffer int) (History, <-chan []Record, func()) {
	return base.NewChannelHistory(name, buffer)
}

// Source constructors.
func NewInt(typeName, name string, v int32) Source { return base.NewInt(typeName, name, v) }

func NewUInt(typeName, name string, v uint32) Source { return base.NewUInt(typeName, name, v) }

func NewLongLong(typeName, name string, v int64) Source { return base.NewLongLong(typeName, name, v) }

func NewULongLong(typeName, name string, v uint64) Source {
	return base.NewULongLong(typeName, name, v)
}

func NewDouble(typeName, name string, v float64) Source { return base.NewDouble(typeName, name, v) }

func NewString(typeName, name, v string) Source { return base.NewString(typeName, name, v) }

func NewDateTime(typeName, name string, v time.Time) Source {
	return base.NewDateTime(typeName, name, v)
}

func NewTime(typeName, name string, v time.Duration) Source { return base.NewTime(typeName, name, v) }
