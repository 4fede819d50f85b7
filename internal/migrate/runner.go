package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirajehossain/dbmigratex/internal/db"
	"github.com/mirajehossain/dbmigratex/internal/lock"
	"github.com/mirajehossain/dbmigratex/internal/logger"
)

// RollbackFailure records one migration whose compensating rollback failed
// during batch recovery. Anything listed here needs manual intervention.
type RollbackFailure struct {
	Name  string
	Error string
}

// ExecutionResult is the outcome of one Migrate invocation.
type ExecutionResult struct {
	Success         bool
	Executed        []string
	Errors          []string
	Warnings        []string
	PartialFailures []RollbackFailure
	ExecutionTime   time.Duration
}

// RollbackResult is the outcome of rolling back the most recent migration.
type RollbackResult struct {
	Success bool
	Name    string
	Error   string
}

type ExecutedMigration struct {
	Name       string
	ExecutedAt time.Time
}

// Status is a pure read of executed vs pending migrations.
type Status struct {
	Executed []ExecutedMigration
	Pending  []string
	Total    int
}

// Runner drives migrations forward and back. It assumes exclusive access to
// the ledger for the duration of a call; configure Lock to enforce that
// across processes.
type Runner struct {
	DB          *sql.DB
	Dialect     db.Dialect
	Ledger      *Ledger
	Dir         string
	FS          fs.FS // when set, migrations load from FS under Dir
	Backups     *BackupStore
	Statements  StatementValidator
	Lock        lock.Locker
	LockTimeout time.Duration
	Log         *logger.Logger
}

// NewRunner wires a Runner with the default backup location (a backup/
// directory next to the migrations directory) and the shallow statement
// validator.
func NewRunner(conn *sql.DB, dialect db.Dialect, table, dir string, log *logger.Logger) *Runner {
	return &Runner{
		DB:      conn,
		Dialect: dialect,
		Ledger:  &Ledger{DB: conn, Dialect: dialect, Table: table},
		Dir:     dir,
		Backups: &BackupStore{Dir: filepath.Join(dir, "..", "backup"), Keep: 5},
		Log:     log,
	}
}

func (r *Runner) loadFiles() ([]File, string, error) {
	if r.FS != nil {
		return LoadFS(r.FS, r.Dir)
	}
	return LoadDir(r.Dir)
}

func (r *Runner) logWarn(msg string, fields map[string]any) {
	if r.Log != nil {
		r.Log.Warn(msg, fields)
	}
}

func (r *Runner) logInfo(msg string, fields map[string]any) {
	if r.Log != nil {
		r.Log.Info(msg, fields)
	}
}

// Migrate applies every pending migration in lexicographic filename order.
// Validation gates the whole run; each migration commits in its own
// transaction together with its ledger record. The first failure halts the
// loop and compensates every migration committed earlier in this same
// invocation, in reverse order.
func (r *Runner) Migrate(ctx context.Context) ExecutionResult {
	start := time.Now()
	res := ExecutionResult{}
	fail := func(format string, args ...any) ExecutionResult {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
		res.ExecutionTime = time.Since(start)
		return res
	}

	if r.Lock != nil {
		if err := r.Lock.Acquire(ctx, r.DB, r.lockTimeout()); err != nil {
			return fail("acquire advisory lock: %v", err)
		}
		defer func() { _ = r.Lock.Release(ctx) }()
	}

	if err := r.Ledger.Ensure(ctx); err != nil {
		return fail("ensure ledger: %v", err)
	}

	files, warn, err := r.loadFiles()
	if err != nil {
		return fail("load migrations: %v", err)
	}
	if warn != "" {
		res.Warnings = append(res.Warnings, warn)
		r.logWarn(warn, nil)
	}

	records, err := r.Ledger.Records(ctx)
	if err != nil {
		return fail("read ledger: %v", err)
	}

	v := Validate(files, records, r.Statements)
	res.Warnings = append(res.Warnings, v.Warnings...)
	for _, w := range v.Warnings {
		r.logWarn(w, nil)
	}
	if !v.Valid {
		res.Errors = append(res.Errors, v.Errors...)
		res.ExecutionTime = time.Since(start)
		return res
	}

	if r.Backups != nil {
		if path, err := r.Backups.Write(records); err != nil {
			w := fmt.Sprintf("ledger backup failed: %v", err)
			res.Warnings = append(res.Warnings, w)
			r.logWarn(w, nil)
		} else {
			r.logInfo("ledger backup written", map[string]any{"path": path})
		}
	}

	applied := make(map[string]struct{}, len(records))
	for _, rec := range records {
		applied[rec.Name] = struct{}{}
	}
	var pending []File
	for _, f := range files {
		if _, ok := applied[f.Name]; !ok {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		res.Success = true
		res.ExecutionTime = time.Since(start)
		return res
	}

	var completed []File
	for _, f := range pending {
		if err := r.applyOne(ctx, f); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Name, err))
			res.PartialFailures = r.compensate(ctx, completed)
			res.Executed = nil
			res.ExecutionTime = time.Since(start)
			return res
		}
		completed = append(completed, f)
		res.Executed = append(res.Executed, f.Name)
		r.logInfo("migration applied", map[string]any{"name": f.Name})
	}

	if r.Backups != nil {
		for _, err := range r.Backups.Prune() {
			w := fmt.Sprintf("backup cleanup: %v", err)
			res.Warnings = append(res.Warnings, w)
			r.logWarn(w, nil)
		}
	}

	res.Success = true
	res.ExecutionTime = time.Since(start)
	return res
}

// applyOne runs a single migration: its up statements and its ledger record
// commit or roll back together.
func (r *Runner) applyOne(ctx context.Context, f File) error {
	stmts := SplitStatements(f.Up)
	start := time.Now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	rec := Record{
		Name:        f.Name,
		Checksum:    f.Checksum,
		ExecutedAt:  time.Now().UTC(),
		RollbackSQL: f.Down,
		Meta: Metadata{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			StatementsCount: len(stmts),
		},
	}
	if err := r.Ledger.Insert(ctx, tx, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// compensate undoes migrations committed earlier in the same invocation, in
// reverse order, each in its own transaction. Failures are collected and do
// not stop the remaining compensations.
func (r *Runner) compensate(ctx context.Context, completed []File) []RollbackFailure {
	var failures []RollbackFailure
	for i := len(completed) - 1; i >= 0; i-- {
		f := completed[i]
		if err := r.revertOne(ctx, f.Name, f.Down); err != nil {
			failures = append(failures, RollbackFailure{Name: f.Name, Error: err.Error()})
			r.logWarn("batch rollback failed", map[string]any{"name": f.Name, "error": err.Error()})
			continue
		}
		r.logInfo("migration rolled back", map[string]any{"name": f.Name})
	}
	return failures
}

// revertOne executes down SQL and deletes the ledger record in one
// transaction.
func (r *Runner) revertOne(ctx context.Context, name, down string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range SplitStatements(down) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := r.Ledger.Delete(ctx, tx, name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Rollback undoes exactly the most recently executed migration, using the
// down SQL stored in its ledger record.
func (r *Runner) Rollback(ctx context.Context) RollbackResult {
	if r.Lock != nil {
		if err := r.Lock.Acquire(ctx, r.DB, r.lockTimeout()); err != nil {
			return RollbackResult{Error: fmt.Sprintf("acquire advisory lock: %v", err)}
		}
		defer func() { _ = r.Lock.Release(ctx) }()
	}
	rec, err := r.Ledger.MostRecent(ctx)
	if err != nil {
		if errors.Is(err, ErrLedgerMissing) {
			return RollbackResult{Error: "no migrations to roll back"}
		}
		return RollbackResult{Error: fmt.Sprintf("read ledger: %v", err)}
	}
	if rec == nil {
		return RollbackResult{Error: "no migrations to roll back"}
	}
	if strings.TrimSpace(rec.RollbackSQL) == "" {
		return RollbackResult{Name: rec.Name, Error: fmt.Sprintf("migration %s has no rollback SQL", rec.Name)}
	}
	if err := r.revertOne(ctx, rec.Name, rec.RollbackSQL); err != nil {
		return RollbackResult{Name: rec.Name, Error: fmt.Sprintf("rollback %s: %v", rec.Name, err)}
	}
	r.logInfo("migration rolled back", map[string]any{"name": rec.Name})
	return RollbackResult{Success: true, Name: rec.Name}
}

// GetStatus reports executed and pending migrations. Pure read; a missing
// ledger table counts as an empty ledger here.
func (r *Runner) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	records, err := r.Ledger.Records(ctx)
	if err != nil && !errors.Is(err, ErrLedgerMissing) {
		return st, err
	}
	files, _, err := r.loadFiles()
	if err != nil {
		return st, err
	}
	applied := make(map[string]struct{}, len(records))
	for _, rec := range records {
		applied[rec.Name] = struct{}{}
		st.Executed = append(st.Executed, ExecutedMigration{Name: rec.Name, ExecutedAt: rec.ExecutedAt})
	}
	for _, f := range files {
		if _, ok := applied[f.Name]; !ok {
			st.Pending = append(st.Pending, f.Name)
		}
	}
	st.Total = len(st.Executed) + len(st.Pending)
	return st, nil
}

func (r *Runner) lockTimeout() time.Duration {
	if r.LockTimeout <= 0 {
		return 30 * time.Second
	}
	return r.LockTimeout
}
