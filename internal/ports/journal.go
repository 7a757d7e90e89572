package ports

import "github.com/ghalamif/como/internal/domain"

type EntryID uint64

// Journal is the write-ahead log in front of the history store.
type Journal interface {
	Append(r *domain.Record) (EntryID, error)
	Iterate(from EntryID, fn func(id EntryID, r *domain.Record) error) error
	Commit(upto EntryID) error
	TruncateCommitted() error
	Stats() JournalStats
	Close() error
}

type JournalStats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	SizeBytes         int64
}
