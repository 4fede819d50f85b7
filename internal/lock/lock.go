package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mirajehossain/dbmigratex/internal/db"
)

var ErrTimeout = errors.New("advisory lock wait timeout")

// Locker serializes migrate/rollback invocations across processes using a
// database-native session lock held on a dedicated connection.
type Locker interface {
	Acquire(ctx context.Context, conn *sql.DB, timeout time.Duration) error
	Release(ctx context.Context) error
	Key() string
}

func New(d db.Dialect, key string) Locker {
	if d == db.MySQL {
		return &mysqlLock{key: key}
	}
	return &pgLock{key: key}
}

func KeyFor(table string) string {
	return fmt.Sprintf("dbmigratex:%s", table)
}

// Postgres advisory lock via pg_try_advisory_lock(hashtext(key)), polled
// until the timeout elapses.
type pgLock struct {
	conn *sql.Conn
	key  string
	held bool
}

func (p *pgLock) Acquire(ctx context.Context, conn *sql.DB, timeout time.Duration) error {
	if p.held {
		return nil
	}
	var err error
	p.conn, err = conn.Conn(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		var got bool
		row := p.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", p.key)
		if err := row.Scan(&got); err != nil {
			_ = p.conn.Close()
			return err
		}
		if got {
			p.held = true
			return nil
		}
		if time.Now().After(deadline) {
			_ = p.conn.Close()
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			_ = p.conn.Close()
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (p *pgLock) Release(ctx context.Context) error {
	if !p.held || p.conn == nil {
		return nil
	}
	var rel sql.NullBool
	row := p.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", p.key)
	_ = row.Scan(&rel) // do not fail on release
	p.held = false
	return p.conn.Close()
}

func (p *pgLock) Key() string { return p.key }

// MySQL advisory lock using GET_LOCK/RELEASE_LOCK on a dedicated connection.
type mysqlLock struct {
	conn *sql.Conn
	key  string
	held bool
}

func (m *mysqlLock) Acquire(ctx context.Context, conn *sql.DB, timeout time.Duration) error {
	if m.held {
		return nil
	}
	var err error
	m.conn, err = conn.Conn(ctx)
	if err != nil {
		return err
	}
	row := m.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.key, int(timeout.Seconds()))
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = m.conn.Close()
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = m.conn.Close()
		return ErrTimeout
	}
	m.held = true
	return nil
}

func (m *mysqlLock) Release(ctx context.Context) error {
	if !m.held || m.conn == nil {
		return nil
	}
	var rel sql.NullInt64
	row := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.key)
	_ = row.Scan(&rel) // do not fail on release
	m.held = false
	return m.conn.Close()
}

func (m *mysqlLock) Key() string { return m.key }
