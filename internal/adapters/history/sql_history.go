package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ghalamif/como/internal/domain"
	"github.com/ghalamif/como/internal/ports"
)

// Dialect covers the SQL differences between the supported drivers.
type Dialect struct {
	Name          string
	TimestampType string
	placeholder   func(n int) string
}

var (
	Postgres = Dialect{
		Name:          "postgres",
		TimestampType: "TIMESTAMPTZ",
		placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
	}
	SQLite = Dialect{
		Name:          "sqlite3",
		TimestampType: "TIMESTAMP",
		placeholder:   func(int) string { return "?" },
	}
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("history: unsupported driver %q", driver)
	}
}

// SQLHistory stores records in one table keyed by (type_name, name, ts, seq);
// replays of the same journal entry are ignored.
type SQLHistory struct {
	db        *sql.DB
	dialect   Dialect
	tableName string
}

func NewSQLHistory(db *sql.DB, dialect Dialect, table string) *SQLHistory {
	return &SQLHistory{db: db, dialect: dialect, tableName: table}
}

func (h *SQLHistory) Name() string { return h.dialect.Name }

func (h *SQLHistory) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	channel TEXT NOT NULL,
	type_name TEXT NOT NULL,
	name TEXT NOT NULL,
	ts %s NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	value_type TEXT NOT NULL,
	value TEXT,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (type_name, name, ts, seq)
)`, h.tableName, h.dialect.TimestampType)
	if _, err := h.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("history schema %s: %w", h.tableName, err)
	}
	return nil
}

func (h *SQLHistory) AppendBatch(records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(h.tableName)
	b.WriteString(" (channel, type_name, name, ts, seq, kind, value_type, value, description) VALUES ")

	const cols = 9
	args := make([]any, 0, len(records)*cols)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			b.WriteString(h.dialect.placeholder(len(args) + c))
		}
		b.WriteString(")")

		var value any
		if r.Source.Value != nil {
			value = r.Source.ValueString()
		}
		args = append(args,
			r.Channel,
			r.Source.TypeName,
			r.Source.Name,
			recordTime(r),
			int64(r.Seq),
			r.Kind.String(),
			r.Source.Type.String(),
			value,
			r.Source.Description,
		)
	}

	b.WriteString(" ON CONFLICT (type_name, name, ts, seq) DO NOTHING")

	_, err := h.db.Exec(b.String(), args...)
	return err
}

// QueryRange returns the records of one source with from <= ts < to, oldest first.
func (h *SQLHistory) QueryRange(ctx context.Context, key domain.Key, from, to time.Time) ([]domain.Record, error) {
	p := h.dialect.placeholder
	q := fmt.Sprintf("SELECT channel, kind, value_type, value, description, ts, seq FROM %s"+
		" WHERE type_name = %s AND name = %s AND ts >= %s AND ts < %s ORDER BY ts, seq",
		h.tableName, p(1), p(2), p(3), p(4))

	rows, err := h.db.QueryContext(ctx, q, key.TypeName, key.Name, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("history query %s: %w", key, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var (
			channel, kind, valueType, description string
			value                                 sql.NullString
			ts                                    time.Time
			seq                                   int64
		)
		if err := rows.Scan(&channel, &kind, &valueType, &value, &description, &ts, &seq); err != nil {
			return nil, fmt.Errorf("history scan %s: %w", key, err)
		}
		typ, err := domain.ParseType(valueType)
		if err != nil {
			return nil, fmt.Errorf("history row %s: %w", key, err)
		}
		src := domain.Source{
			Type:        typ,
			TypeName:    key.TypeName,
			Name:        key.Name,
			Description: description,
			DateTime:    ts.UTC(),
		}
		if value.Valid {
			if src.Value, err = domain.ParseValue(typ, value.String); err != nil {
				return nil, fmt.Errorf("history row %s: %w", key, err)
			}
		}
		out = append(out, domain.Record{
			Channel:    channel,
			Kind:       parseKind(kind),
			Source:     src,
			Seq:        uint64(seq),
			ReceivedAt: ts.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows %s: %w", key, err)
	}
	return out, nil
}

func (h *SQLHistory) Close() error { return h.db.Close() }

func recordTime(r *domain.Record) time.Time {
	if !r.ReceivedAt.IsZero() {
		return r.ReceivedAt.UTC()
	}
	return r.Source.DateTime.UTC()
}

func parseKind(s string) domain.RecordKind {
	if s == domain.RecordDeregister.String() {
		return domain.RecordDeregister
	}
	return domain.RecordUpdate
}

var _ ports.History = (*SQLHistory)(nil)
