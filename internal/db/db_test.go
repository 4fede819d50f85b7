package db

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestOpenMySQLAppendsParseTime(t *testing.T) {
	conn, d, err := Open("mysql", "user:pass@tcp(localhost:3306)/db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d != MySQL {
		t.Fatalf("dialect mismatch: %s", d)
	}
	conn.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, _, err := Open("sqlite", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	if got := Postgres.Rebind(q); got != "INSERT INTO t (a, b) VALUES ($1, $2)" {
		t.Fatalf("postgres rebind: %s", got)
	}
	if got := MySQL.Rebind(q); got != q {
		t.Fatalf("mysql rebind must be identity: %s", got)
	}
}

func TestIsMissingTable(t *testing.T) {
	if !IsMissingTable(&pq.Error{Code: "42P01"}) {
		t.Fatal("pq undefined_table not classified")
	}
	if IsMissingTable(&pq.Error{Code: "23505"}) {
		t.Fatal("pq unique_violation misclassified")
	}
	if !IsMissingTable(&mysql.MySQLError{Number: 1146}) {
		t.Fatal("mysql 1146 not classified")
	}
	if IsMissingTable(nil) {
		t.Fatal("nil misclassified")
	}
}
