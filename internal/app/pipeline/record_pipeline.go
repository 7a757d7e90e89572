package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

const defaultIdleSleep = 5 * time.Millisecond

var (
	// ErrJournalFull is returned when the journal is at capacity and
	// OnJournalFull is not "block".
	ErrJournalFull = errors.New("journal full")
	// ErrQueueFull is returned when the queue rejects a record by policy.
	ErrQueueFull = errors.New("record queue full")
)

// AppendRecord journals r and hands it to the queue for the history writer.
// With the "block" policies it waits for capacity until ctx is done. A
// record rejected by the queue stays in the journal and is replayed on the
// next start.
func AppendRecord(ctx context.Context, r *domain.Record, j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) error {
	if !waitForJournalCapacity(ctx, j, pol, obs) {
		obs.IncCounter("como_records_dropped_total", 1)
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrJournalFull
	}

	id, err := j.Append(r)
	if err != nil {
		obs.LogCritical("journal_append_failed", err, ports.Field{Key: "source", Value: r.Source.Key().String()})
		return fmt.Errorf("journal append: %w", err)
	}
	obs.SetGauge("como_journal_size_bytes", float64(j.Stats().SizeBytes))

	if !enqueueWithPolicy(ctx, q, id, r, pol, obs) {
		obs.IncCounter("como_records_dropped_total", 1)
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrQueueFull
	}
	obs.SetGauge("como_record_queue_length", float64(q.Len()))
	return nil
}

// ReplayJournal queues every uncommitted journal record, oldest first. It
// runs before new records are accepted so history keeps arrival order.
// Records are read out before queueing since a blocked enqueue must not
// hold the journal while the history writer commits.
func ReplayJournal(ctx context.Context, j ports.Journal, q ports.RecordQueue, pol ports.Policy, obs ports.Observability) (int, error) {
	from := j.Stats().OldestUncommitted
	var backlog []ports.QueuedRecord
	err := j.Iterate(from, func(id ports.EntryID, r *domain.Record) error {
		backlog = append(backlog, ports.QueuedRecord{ID: id, Record: r})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal replay: %w", err)
	}

	n := 0
	for _, item := range backlog {
		if !enqueueWithPolicy(ctx, q, item.ID, item.Record, pol, obs) {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			obs.IncCounter("como_records_dropped_total", 1)
			continue
		}
		n++
	}
	if n > 0 {
		obs.LogInfo("journal_replayed", ports.Field{Key: "records", Value: n}, ports.Field{Key: "from", Value: uint64(from)})
	}
	return n, nil
}

func idleSleep(pol ports.Policy) time.Duration {
	if pol.IdleSleep <= 0 {
		return defaultIdleSleep
	}
	return pol.IdleSleep
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func waitForJournalCapacity(ctx context.Context, j ports.Journal, pol ports.Policy, obs ports.Observability) bool {
	if pol.MaxJournalSizeBytes <= 0 {
		return true
	}
	for {
		stats := j.Stats()
		if stats.SizeBytes < pol.MaxJournalSizeBytes {
			return true
		}

		switch pol.OnJournalFull {
		case "block":
			if !sleepCtx(ctx, idleSleep(pol)) {
				return false
			}
		case "drop":
			obs.LogError("journal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxJournalSizeBytes))
			return false
		default:
			obs.LogError("journal_policy_invalid", fmt.Errorf("policy=%s", pol.OnJournalFull))
			return false
		}
	}
}

func enqueueWithPolicy(ctx context.Context, q ports.RecordQueue, id ports.EntryID, r *domain.Record, pol ports.Policy, obs ports.Observability) bool {
	for {
		if q.Enqueue(id, r) {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			if !sleepCtx(ctx, idleSleep(pol)) {
				return false
			}
		case "drop", "reject":
			obs.LogError("queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen),
				ports.Field{Key: "entry", Value: uint64(id)})
			return false
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}
