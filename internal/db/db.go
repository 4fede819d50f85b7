package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

var ErrUnknownDriver = errors.New("unknown driver (want postgres or mysql)")

// Open connects with the named driver. MySQL DSNs get parseTime forced on so
// applied_at scans into time.Time.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	var d Dialect
	switch driver {
	case "postgres", "pg", "postgresql":
		d = Postgres
	case "mysql":
		d = MySQL
		if !strings.Contains(strings.ToLower(dsn), "parsetime=") {
			if strings.Contains(dsn, "?") {
				dsn += "&parseTime=true"
			} else {
				dsn += "?parseTime=true"
			}
		}
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	conn, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, "", err
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)
	return conn, d, nil
}

// Rebind rewrites ? placeholders into the dialect's native form. Queries in
// this module are written with ? and rebound at the edge.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// EnsureLedger creates the migration ledger table if it does not exist.
func EnsureLedger(ctx context.Context, conn *sql.DB, d Dialect, table string) error {
	var ddl string
	switch d {
	case MySQL:
		ddl = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  name VARCHAR(255) NOT NULL,
  checksum CHAR(64) NOT NULL,
  executed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  rollback_sql TEXT NOT NULL,
  metadata JSON NULL,
  UNIQUE KEY uniq_name (name)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`, table)
	default:
		ddl = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  name TEXT PRIMARY KEY,
  checksum CHAR(64) NOT NULL,
  executed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  rollback_sql TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'
);
`, table)
	}
	_, err := conn.ExecContext(ctx, ddl)
	return err
}

// IsMissingTable reports whether err is the dialect's "relation/table does
// not exist" error, so a fresh database can be told apart from a broken one.
func IsMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1146
	}
	return false
}
