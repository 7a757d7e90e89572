package como

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghalamif/como/internal/adapters/history"
	"github.com/ghalamif/como/internal/adapters/journal"
	"github.com/ghalamif/como/internal/adapters/queue"
	"github.com/ghalamif/como/internal/app/pipeline"
	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

var (
	// ErrQueueFull indicates the record queue rejected a record according to policy.
	ErrQueueFull = pipeline.ErrQueueFull
	// ErrJournalFull indicates the journal is at capacity and OnJournalFull != "block".
	ErrJournalFull = pipeline.ErrJournalFull
	// ErrRecorderClosed is returned by Record after Close.
	ErrRecorderClosed = errors.New("como: recorder closed")
)

// Recorder persists records through the journal → queue → history pipeline.
// Uncommitted journal entries from a previous run are replayed on start.
type Recorder struct {
	policy  ports.Policy
	obs     ports.Observability
	journal ports.Journal
	queue   ports.RecordQueue
	history ports.History

	closeHistory func() error
	ownJournal   bool

	ctx        context.Context
	abort      context.CancelFunc
	stopIngest context.CancelFunc
	ingestDone chan error

	closed    atomic.Bool
	closeOnce sync.Once
	errClose  error
}

// NewRecorder opens the history named by cfg.History (unless WithHistory is
// given) and the journal in cfg.Recorder.JournalDir (unless WithJournal is
// given), replays the journal and starts the history writer.
func NewRecorder(ctx context.Context, cfg *Config, opts ...Option) (*Recorder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := applyOptions(opts)
	return newRecorder(ctx, cfg, o)
}

func newRecorder(ctx context.Context, cfg *Config, o overrides) (*Recorder, error) {
	r := &Recorder{policy: cfg.Recorder.Policy, obs: o.observability}

	r.history = o.history
	if r.history == nil {
		if cfg.History.Driver == "" {
			return nil, fmt.Errorf("history.driver is required")
		}
		h, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, cfg.History.Table)
		if err != nil {
			return nil, err
		}
		r.history, r.closeHistory = h, h.Close
	}

	r.journal = o.journal
	if r.journal == nil {
		j, err := journal.NewFileJournal(cfg.Recorder.JournalDir)
		if err != nil {
			return nil, errors.Join(err, r.closeOwnedHistory())
		}
		r.journal, r.ownJournal = j, true
	}

	r.queue = o.queue
	if r.queue == nil {
		r.queue = queue.NewMemQueue(r.policy.MaxQueueLen)
	}

	// Blocked appends and the final flush outlive ctx; Close bounds them.
	r.ctx, r.abort = context.WithCancel(context.WithoutCancel(ctx))
	ingestCtx, stopIngest := context.WithCancel(r.ctx)
	r.stopIngest = stopIngest
	r.ingestDone = make(chan error, 1)
	go func() {
		r.ingestDone <- pipeline.RunIngestPipeline(ingestCtx, r.journal, r.queue, r.history, r.policy, r.obs)
	}()

	if _, err := pipeline.ReplayJournal(r.ctx, r.journal, r.queue, r.policy, r.obs); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, errors.Join(err, r.Close(closeCtx))
	}
	return r, nil
}

// Record journals rec and queues it for history. It returns ErrJournalFull
// or ErrQueueFull when the policy rejects it.
func (r *Recorder) Record(rec Record) error {
	if r.closed.Load() {
		return ErrRecorderClosed
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	return pipeline.AppendRecord(r.ctx, &rec, r.journal, r.queue, r.policy, r.obs)
}

// Query returns the stored records of key with from <= time < to.
func (r *Recorder) Query(ctx context.Context, key Key, from, to time.Time) ([]Record, error) {
	return r.history.QueryRange(ctx, key, from, to)
}

func (r *Recorder) JournalStats() ports.JournalStats { return r.journal.Stats() }

func (r *Recorder) QueueLen() int { return r.queue.Len() }

// Close stops accepting records, flushes the queue to history and closes
// what the recorder opened. Records not flushed by the ctx deadline stay in
// the journal.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.stopIngest()

		var errs []error
		select {
		case err := <-r.ingestDone:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			r.abort()
			<-r.ingestDone
			errs = append(errs, fmt.Errorf("recorder drain: %w", ctx.Err()))
		}
		r.abort()

		if r.ownJournal {
			if err := r.journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.closeOwnedHistory(); err != nil {
			errs = append(errs, err)
		}
		r.errClose = errors.Join(errs...)
	})
	return r.errClose
}

func (r *Recorder) closeOwnedHistory() error {
	if r.closeHistory == nil {
		return nil
	}
	return r.closeHistory()
}

func (r *Recorder) gauges() {
	r.obs.SetGauge("como_journal_size_bytes", float64(r.journal.Stats().SizeBytes))
	r.obs.SetGauge("como_record_queue_length", float64(r.queue.Len()))
}

// recordFromEvent maps a channel event to a history record; connect and
// disconnect events are not recorded.
func recordFromEvent(channel string, ev Event, seq uint64) (Record, bool) {
	var kind domain.RecordKind
	switch ev.Kind {
	case EventSourceUpdated:
		kind = domain.RecordUpdate
	case EventSourceDeregistered:
		kind = domain.RecordDeregister
	default:
		return Record{}, false
	}
	return Record{
		Channel:    channel,
		Kind:       kind,
		Source:     ev.Source,
		Seq:        seq,
		ReceivedAt: ev.Source.DateTime,
	}, true
}
