package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to driver/dsn, verifies the connection and creates the
// history table when missing.
func Open(ctx context.Context, driver, dsn, table string) (*SQLHistory, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = "source_history"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping %s: %w", driver, err), db.Close())
	}
	h := NewSQLHistory(db, dialect, table)
	if err := h.EnsureSchema(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return h, nil
}
