package como

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/como/internal/adapters/history"
	"github.com/ghalamif/como/internal/domain"
)

// SQLHistory is the database-backed history (postgres or sqlite3).
type SQLHistory = history.SQLHistory

var (
	// ErrChannelHistoryClosed is returned when a channel history is written to after being closed.
	ErrChannelHistoryClosed = errors.New("como: channel history closed")
	// ErrQueryUnsupported is returned by histories that only forward records.
	ErrQueryUnsupported = errors.New("como: history does not support queries")
)

// RecordBatchFunc is invoked with ordered batches taken from the record queue.
type RecordBatchFunc func([]Record) error

// OpenHistory connects to the database named by cfg and creates the table
// when missing.
func OpenHistory(ctx context.Context, cfg HistoryConfig) (*SQLHistory, error) {
	return history.Open(ctx, cfg.Driver, cfg.DSN, cfg.Table)
}

// NewCallbackHistory adapts fn into a History so callers can plug arbitrary
// functions in with WithHistory.
func NewCallbackHistory(name string, fn RecordBatchFunc) History {
	if name == "" {
		name = "callback"
	}
	return &callbackHistory{name: name, fn: fn}
}

// NewChannelHistory exposes recorded batches on a channel; it returns the
// history, the read-only channel, and a close function that the caller
// should invoke during shutdown.
func NewChannelHistory(name string, buffer int) (History, <-chan []Record, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Record, buffer)
	h := &channelHistory{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return h, ch, func() { h.close() }
}

type callbackHistory struct {
	name string
	fn   RecordBatchFunc
}

func (h *callbackHistory) AppendBatch(records []*domain.Record) error {
	if h.fn == nil {
		return fmt.Errorf("callback history %q: nil handler", h.name)
	}
	if len(records) == 0 {
		return nil
	}
	return h.fn(copyBatch(records))
}

func (h *callbackHistory) QueryRange(context.Context, Key, time.Time, time.Time) ([]Record, error) {
	return nil, ErrQueryUnsupported
}

func (h *callbackHistory) Name() string { return h.name }

type channelHistory struct {
	name   string
	ch     chan []Record
	closed chan struct{}
	once   sync.Once
}

func (h *channelHistory) AppendBatch(records []*domain.Record) error {
	select {
	case <-h.closed:
		return ErrChannelHistoryClosed
	default:
	}

	if len(records) == 0 {
		return nil
	}

	batch := copyBatch(records)

	select {
	case <-h.closed:
		return ErrChannelHistoryClosed
	case h.ch <- batch:
		return nil
	}
}

func (h *channelHistory) QueryRange(context.Context, Key, time.Time, time.Time) ([]Record, error) {
	return nil, ErrQueryUnsupported
}

func (h *channelHistory) Name() string { return h.name }

// close never closes the data channel so a blocked AppendBatch cannot send
// on a closed channel.
func (h *channelHistory) close() {
	h.once.Do(func() {
		close(h.closed)
	})
}

func copyBatch(records []*domain.Record) []Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}
