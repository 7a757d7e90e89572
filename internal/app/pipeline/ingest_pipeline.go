package pipeline

import (
	"context"
	"time"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

// RunIngestPipeline drains the queue into history in batches and commits
// the journal up to the last stored entry. A failed write is retried with
// the same batch; records that can never be stored go to the DLQ. When ctx
// is done the records still queued are written once more before it returns.
func RunIngestPipeline(ctx context.Context, j ports.Journal, q ports.RecordQueue, h ports.History, pol ports.Policy, obs ports.Observability) error {
	var pending []ports.QueuedRecord
	for {
		if len(pending) == 0 {
			pending = q.DequeueBatch(pol.MaxBatchSize)
			obs.SetGauge("como_record_queue_length", float64(q.Len()))
		}
		if len(pending) == 0 {
			compactIfIdle(j, obs)
			if !sleepCtx(ctx, idleSleep(pol)) {
				return flushRemaining(j, q, h, pol, obs)
			}
			continue
		}

		if err := writeBatch(j, h, pending, obs); err != nil {
			obs.LogError("history_write_failed", err,
				ports.Field{Key: "history", Value: h.Name()},
				ports.Field{Key: "records", Value: len(pending)})
			if !sleepCtx(ctx, idleSleep(pol)) {
				return err
			}
			continue
		}
		pending = nil
	}
}

func writeBatch(j ports.Journal, h ports.History, batch []ports.QueuedRecord, obs ports.Observability) error {
	var (
		out   = make([]*domain.Record, 0, len(batch))
		maxID ports.EntryID
	)
	for _, item := range batch {
		if item.ID > maxID {
			maxID = item.ID
		}
		if item.Record.Source.Value != nil {
			if err := item.Record.Source.Validate(); err != nil {
				obs.RecordDLQ(item.ID, item.Record, err)
				continue
			}
		}
		out = append(out, item.Record)
	}

	if len(out) > 0 {
		start := time.Now()
		if err := h.AppendBatch(out); err != nil {
			return err
		}
		obs.ObserveLatency("como_history_write_latency_seconds", time.Since(start).Seconds())
		obs.IncCounter("como_records_written_total", float64(len(out)))
	}

	if err := j.Commit(maxID); err != nil {
		obs.LogError("journal_commit_failed", err)
	}
	return nil
}

func flushRemaining(j ports.Journal, q ports.RecordQueue, h ports.History, pol ports.Policy, obs ports.Observability) error {
	for {
		batch := q.DequeueBatch(pol.MaxBatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := writeBatch(j, h, batch, obs); err != nil {
			// Left in the journal for replay on the next start.
			obs.LogError("history_final_flush_failed", err, ports.Field{Key: "records", Value: len(batch)})
			return err
		}
	}
}

// compactIfIdle drops the journal once everything in it is committed.
func compactIfIdle(j ports.Journal, obs ports.Observability) {
	stats := j.Stats()
	if stats.SizeBytes == 0 || stats.OldestUncommitted <= stats.LatestAppended {
		return
	}
	if err := j.TruncateCommitted(); err != nil {
		obs.LogError("journal_compact_failed", err)
		return
	}
	obs.SetGauge("como_journal_size_bytes", float64(j.Stats().SizeBytes))
}
