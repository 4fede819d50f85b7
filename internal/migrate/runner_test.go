package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/dbmigratex/internal/checksum"
	"github.com/mirajehossain/dbmigratex/internal/db"
	"github.com/mirajehossain/dbmigratex/internal/logger"
)

var ledgerColumns = []string{"name", "checksum", "executed_at", "rollback_sql", "metadata"}

func newTestRunner(t *testing.T, dir string) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	// MySQL dialect keeps ? placeholders, which is what the mock expects.
	r := NewRunner(conn, db.MySQL, "schema_migrations", dir, logger.NewWriter(false, io.Discard))
	r.Backups.Dir = filepath.Join(t.TempDir(), "backup")
	return r, mock
}

func writeMigration(t *testing.T, dir, filename, up, down string) {
	t.Helper()
	body := fmt.Sprintf("-- Migration: %s\n-- Created: 2024-01-01T00:00:00Z\n\n-- Up\n%s\n\n-- Down\n%s\n", filename, up, down)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(body), 0o644))
}

func expectEnsureAndRecords(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT name, checksum, executed_at, rollback_sql, metadata FROM schema_migrations ORDER BY executed_at DESC").WillReturnRows(rows)
}

func expectApply(mock sqlmock.Sqlmock, name string, stmts ...string) {
	mock.ExpectBegin()
	for _, s := range stmts {
		mock.ExpectExec(s).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(name, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func expectRevert(mock sqlmock.Sqlmock, name string, stmts ...string) {
	mock.ExpectBegin()
	for _, s := range stmts {
		mock.ExpectExec(s).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("DELETE FROM schema_migrations").
		WithArgs(name).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestMigrateAppliesPendingInOrder(t *testing.T) {
	dir := t.TempDir()
	// written out of order on purpose
	writeMigration(t, dir, "20240102_b.sql", "CREATE TABLE b (id int);", "DROP TABLE IF EXISTS b;")
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")

	r, mock := newTestRunner(t, dir)
	expectEnsureAndRecords(mock, sqlmock.NewRows(ledgerColumns))
	expectApply(mock, "20240101_a", "CREATE TABLE a")
	expectApply(mock, "20240102_b", "CREATE TABLE b")

	res := r.Migrate(context.Background())
	require.Empty(t, res.Errors)
	require.True(t, res.Success)
	require.Equal(t, []string{"20240101_a", "20240102_b"}, res.Executed)
	require.NoError(t, mock.ExpectationsWereMet())

	// backup snapshot written before execution
	entries, err := os.ReadDir(r.Backups.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMigrateIdempotentRerun(t *testing.T) {
	dir := t.TempDir()
	up, down := "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;"
	writeMigration(t, dir, "20240101_a.sql", up, down)

	r, mock := newTestRunner(t, dir)
	rows := sqlmock.NewRows(ledgerColumns).
		AddRow("20240101_a", checksum.Pair(up, down), time.Now(), down, []byte(`{"executionTimeMs":1,"statementsCount":1}`))
	expectEnsureAndRecords(mock, rows)

	res := r.Migrate(context.Background())
	require.True(t, res.Success)
	require.Empty(t, res.Executed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateDriftBlocksEverything(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")
	writeMigration(t, dir, "20240102_b.sql", "CREATE TABLE b (id int);", "DROP TABLE IF EXISTS b;")

	r, mock := newTestRunner(t, dir)
	rows := sqlmock.NewRows(ledgerColumns).
		AddRow("20240101_a", "deadbeef", time.Now(), "DROP TABLE IF EXISTS a;", nil)
	expectEnsureAndRecords(mock, rows)

	res := r.Migrate(context.Background())
	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "20240101_a")
	require.Empty(t, res.Executed)
	require.NoError(t, mock.ExpectationsWereMet())

	// aborted before the backing-up stage
	_, err := os.Stat(r.Backups.Dir)
	require.True(t, os.IsNotExist(err))
}

func TestMigratePartialFailureRollsBackBatch(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")
	writeMigration(t, dir, "20240102_b.sql", "CREATE TABLE b (id int);", "DROP TABLE IF EXISTS b;")
	writeMigration(t, dir, "20240103_c.sql", "CREATE TABLE c (id int);", "DROP TABLE IF EXISTS c;")

	r, mock := newTestRunner(t, dir)
	expectEnsureAndRecords(mock, sqlmock.NewRows(ledgerColumns))
	expectApply(mock, "20240101_a", "CREATE TABLE a")
	// second migration fails mid-statement
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE b").WillReturnError(errors.New(`relation "b" already exists`))
	mock.ExpectRollback()
	// batch compensation of the first; the third is never attempted
	expectRevert(mock, "20240101_a", "DROP TABLE IF EXISTS a")

	res := r.Migrate(context.Background())
	require.False(t, res.Success)
	require.Empty(t, res.Executed)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "20240102_b")
	require.Empty(t, res.PartialFailures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateReportsPartialRollbackFailures(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")
	writeMigration(t, dir, "20240102_b.sql", "CREATE TABLE b (id int);", "DROP TABLE IF EXISTS b;")

	r, mock := newTestRunner(t, dir)
	expectEnsureAndRecords(mock, sqlmock.NewRows(ledgerColumns))
	expectApply(mock, "20240101_a", "CREATE TABLE a")
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE b").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	// compensation itself fails and is reported, not raised
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS a").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	res := r.Migrate(context.Background())
	require.False(t, res.Success)
	require.Len(t, res.PartialFailures, 1)
	require.Equal(t, "20240101_a", res.PartialFailures[0].Name)
	require.Contains(t, res.PartialFailures[0].Error, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateEmptyDirIsFirstRun(t *testing.T) {
	r, mock := newTestRunner(t, filepath.Join(t.TempDir(), "missing"))
	expectEnsureAndRecords(mock, sqlmock.NewRows(ledgerColumns))

	res := r.Migrate(context.Background())
	require.True(t, res.Success)
	require.Empty(t, res.Executed)
	require.NotEmpty(t, res.Warnings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackMostRecentOnly(t *testing.T) {
	r, mock := newTestRunner(t, t.TempDir())
	rows := sqlmock.NewRows(ledgerColumns).
		AddRow("20240103_c", "abc", time.Now(), "DROP TABLE IF EXISTS c;", nil)
	mock.ExpectQuery("ORDER BY executed_at DESC LIMIT 1").WillReturnRows(rows)
	expectRevert(mock, "20240103_c", "DROP TABLE IF EXISTS c")

	res := r.Rollback(context.Background())
	require.True(t, res.Success)
	require.Equal(t, "20240103_c", res.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackEmptyLedger(t *testing.T) {
	r, mock := newTestRunner(t, t.TempDir())
	mock.ExpectQuery("ORDER BY executed_at DESC LIMIT 1").WillReturnRows(sqlmock.NewRows(ledgerColumns))

	res := r.Rollback(context.Background())
	require.False(t, res.Success)
	require.Contains(t, res.Error, "no migrations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackMissingDownSQL(t *testing.T) {
	r, mock := newTestRunner(t, t.TempDir())
	rows := sqlmock.NewRows(ledgerColumns).
		AddRow("20240103_c", "abc", time.Now(), "   ", nil)
	mock.ExpectQuery("ORDER BY executed_at DESC LIMIT 1").WillReturnRows(rows)

	res := r.Rollback(context.Background())
	require.False(t, res.Success)
	require.Contains(t, res.Error, "20240103_c")
	require.NoError(t, mock.ExpectationsWereMet(), "ledger must be left unchanged")
}

func TestGetStatus(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")
	writeMigration(t, dir, "20240102_b.sql", "CREATE TABLE b (id int);", "DROP TABLE IF EXISTS b;")

	r, mock := newTestRunner(t, dir)
	rows := sqlmock.NewRows(ledgerColumns).
		AddRow("20240102_b", "abc", time.Now(), "DROP TABLE IF EXISTS b;", nil)
	mock.ExpectQuery("SELECT name, checksum, executed_at, rollback_sql, metadata FROM schema_migrations ORDER BY executed_at DESC").WillReturnRows(rows)

	st, err := r.GetStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Executed, 1)
	require.Equal(t, "20240102_b", st.Executed[0].Name)
	require.Equal(t, []string{"20240101_a"}, st.Pending)
	require.Equal(t, 2, st.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatusFreshDatabase(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "20240101_a.sql", "CREATE TABLE a (id int);", "DROP TABLE IF EXISTS a;")

	r, mock := newTestRunner(t, dir)
	mock.ExpectQuery("SELECT name, checksum").WillReturnError(&mysql.MySQLError{Number: 1146, Message: "table 'schema_migrations' doesn't exist"})

	st, err := r.GetStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, st.Executed)
	require.Equal(t, []string{"20240101_a"}, st.Pending)
}
