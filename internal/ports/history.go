package ports

import (
	"context"
	"time"

	"github.com/ghalamif/como/internal/domain"
)

// History is the append-only record store behind the recorder.
type History interface {
	AppendBatch(records []*domain.Record) error
	QueryRange(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.Record, error)
	Name() string
}
