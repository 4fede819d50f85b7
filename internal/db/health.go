package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Report is the result of a health probe against the database and its ledger.
type Report struct {
	Connected     bool   `json:"connected"`
	LedgerPresent bool   `json:"ledgerPresent"`
	Executed      int    `json:"executed"`
	Error         string `json:"error,omitempty"`
}

func (r Report) Healthy() bool { return r.Connected && r.LedgerPresent }

// Health pings the connection and counts ledger rows. A missing ledger table
// is reported, not treated as a failure to connect.
func Health(ctx context.Context, conn *sql.DB, d Dialect, table string) Report {
	var rep Report
	if err := conn.PingContext(ctx); err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Connected = true
	row := conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	var n int
	if err := row.Scan(&n); err != nil {
		if IsMissingTable(err) {
			return rep
		}
		rep.Error = err.Error()
		return rep
	}
	rep.LedgerPresent = true
	rep.Executed = n
	return rep
}
