package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirajehossain/dbmigratex/internal/db"
)

// ErrLedgerMissing distinguishes a fresh database (ledger table not created
// yet) from a genuinely broken connection or query.
var ErrLedgerMissing = errors.New("migration ledger table does not exist")

// Metadata is the execution bookkeeping stored alongside each record.
type Metadata struct {
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	StatementsCount int   `json:"statementsCount"`
}

// Record is one row of the ledger: a migration that was applied, with the
// checksum captured at execution time and a verbatim copy of its down SQL.
type Record struct {
	Name        string
	Checksum    string
	ExecutedAt  time.Time
	RollbackSQL string
	Meta        Metadata
}

// Ledger is the single source of truth for what has been applied.
type Ledger struct {
	DB      *sql.DB
	Dialect db.Dialect
	Table   string
}

func (l *Ledger) Ensure(ctx context.Context) error {
	return db.EnsureLedger(ctx, l.DB, l.Dialect, l.Table)
}

// Records returns every ledger row ordered by executed_at descending. A
// missing table is reported as ErrLedgerMissing; other errors propagate.
func (l *Ledger) Records(ctx context.Context) ([]Record, error) {
	q := fmt.Sprintf("SELECT name, checksum, executed_at, rollback_sql, metadata FROM %s ORDER BY executed_at DESC", l.Table)
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		if db.IsMissingTable(err) {
			return nil, ErrLedgerMissing
		}
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MostRecent returns the latest record by executed_at, or nil when the ledger
// is empty.
func (l *Ledger) MostRecent(ctx context.Context) (*Record, error) {
	q := l.Dialect.Rebind(fmt.Sprintf("SELECT name, checksum, executed_at, rollback_sql, metadata FROM %s ORDER BY executed_at DESC LIMIT 1", l.Table))
	rows, err := l.DB.QueryContext(ctx, q)
	if err != nil {
		if db.IsMissingTable(err) {
			return nil, ErrLedgerMissing
		}
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes a record, normally inside the same transaction as the schema
// change it describes.
func (l *Ledger) Insert(ctx context.Context, e execer, r Record) error {
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return err
	}
	q := l.Dialect.Rebind(fmt.Sprintf(
		"INSERT INTO %s (name, checksum, executed_at, rollback_sql, metadata) VALUES (?, ?, ?, ?, ?)", l.Table))
	_, err = e.ExecContext(ctx, q, r.Name, r.Checksum, r.ExecutedAt, r.RollbackSQL, string(meta))
	return err
}

func (l *Ledger) Delete(ctx context.Context, e execer, name string) error {
	q := l.Dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE name = ?", l.Table))
	_, err := e.ExecContext(ctx, q, name)
	return err
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var metaRaw []byte
	if err := rows.Scan(&r.Name, &r.Checksum, &r.ExecutedAt, &r.RollbackSQL, &metaRaw); err != nil {
		return r, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &r.Meta); err != nil {
			return r, fmt.Errorf("decode metadata for %s: %w", r.Name, err)
		}
	}
	return r, nil
}
