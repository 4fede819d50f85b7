package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirajehossain/dbmigratex/internal/config"
	"github.com/mirajehossain/dbmigratex/internal/db"
	"github.com/mirajehossain/dbmigratex/internal/lock"
	"github.com/mirajehossain/dbmigratex/internal/logger"
	"github.com/mirajehossain/dbmigratex/internal/migrate"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		usage()
		return 0
	}
	cmd := os.Args[1]
	global := flag.NewFlagSet("global", flag.ContinueOnError)
	driver := global.String("driver", "", "Database driver: postgres or mysql (or DB_DRIVER)")
	dsn := global.String("dsn", "", "Database DSN (or DB_DSN)")
	dir := global.String("dir", "./migrations", "Migrations directory (or MIGRATIONS_DIR)")
	backupDir := global.String("backup-dir", "", "Ledger backup directory (default <dir>/../backup)")
	jsonOut := global.Bool("json", false, "JSON logs")
	conf := global.String("config", "", "Optional YAML config path")
	lockTimeout := global.Int("lock-timeout", 30, "Advisory lock timeout seconds (or LOCK_TIMEOUT_SEC)")
	table := global.String("table", "", "Ledger table name (default schema_migrations)")

	switch cmd {
	case "migrate", "rollback", "status", "health", "init":
	case "create":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "create requires a <name>")
			return 1
		}
	default:
		usage()
		return 1
	}

	argStart := 2
	if cmd == "create" {
		argStart = 3
	}
	if err := global.Parse(os.Args[argStart:]); err != nil {
		return 1
	}

	cfg, _ := config.LoadYAML(*conf)
	cfg = config.MergeEnv(cfg)
	if *driver != "" {
		cfg.Driver = *driver
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *backupDir != "" {
		cfg.BackupDir = *backupDir
	}
	cfg.JSON = *jsonOut
	cfg.LockTimeoutSec = *lockTimeout
	if *table != "" {
		cfg.LedgerTable = *table
	}

	log := logger.New(cfg.JSON)

	if cmd == "create" {
		name := os.Args[2]
		path, err := createMigration(cfg.Dir, name)
		if err != nil {
			log.Error("create failed", map[string]any{"error": err.Error()})
			return 1
		}
		log.Info("created migration", map[string]any{"path": path})
		return 0
	}

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn or DB_DSN is required")
		return 1
	}
	conn, dialect, err := db.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		log.Error("db open failed", map[string]any{"error": err.Error()})
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := migrate.NewRunner(conn, dialect, cfg.LedgerTable, cfg.Dir, log)
	if cfg.BackupDir != "" {
		runner.Backups.Dir = cfg.BackupDir
	}
	runner.Backups.Keep = cfg.Keep()
	runner.Lock = lock.New(dialect, lock.KeyFor(cfg.LedgerTable))
	runner.LockTimeout = cfg.LockTimeout()

	switch cmd {
	case "migrate":
		res := runner.Migrate(ctx)
		for _, e := range res.Errors {
			log.Error(e, nil)
		}
		for _, pf := range res.PartialFailures {
			log.Error("manual intervention needed", map[string]any{"name": pf.Name, "error": pf.Error})
		}
		if !res.Success {
			return 1
		}
		log.Info("migrate complete", map[string]any{
			"executed":    len(res.Executed),
			"duration_ms": res.ExecutionTime.Milliseconds(),
		})
		return 0
	case "rollback":
		res := runner.Rollback(ctx)
		if !res.Success {
			log.Error("rollback failed", map[string]any{"error": res.Error})
			return 1
		}
		log.Info("rolled back", map[string]any{"name": res.Name})
		return 0
	case "status":
		st, err := runner.GetStatus(ctx)
		if err != nil {
			log.Error("status failed", map[string]any{"error": err.Error()})
			return 1
		}
		printStatus(st, log)
		return 0
	case "health":
		rep := db.Health(ctx, conn, dialect, cfg.LedgerTable)
		if log.JSONEnabled() {
			enc := json.NewEncoder(os.Stdout)
			_ = enc.Encode(rep)
		} else {
			fmt.Printf("connected: %v\nledger:    %v\nexecuted:  %d\n", rep.Connected, rep.LedgerPresent, rep.Executed)
			if rep.Error != "" {
				fmt.Printf("error:     %s\n", rep.Error)
			}
		}
		if !rep.Healthy() {
			return 1
		}
		return 0
	case "init":
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			log.Error("init failed", map[string]any{"error": err.Error()})
			return 1
		}
		if err := runner.Ledger.Ensure(ctx); err != nil {
			log.Error("init failed", map[string]any{"error": err.Error()})
			return 1
		}
		log.Info("initialized", map[string]any{"dir": cfg.Dir, "table": cfg.LedgerTable})
		return 0
	}
	return 0
}

func usage() {
	fmt.Println(`dbmigratex - SQL migration runner

USAGE:
  dbmigratex <command> [args] [--flags]

COMMANDS:
  migrate             Validate and apply all pending migrations
  rollback            Roll back the most recently applied migration
  status              Show executed/pending migrations
  create <name>       Scaffold <yyyyMMddHHmmss>_<name>.sql
  health              Check database and ledger health
  init                Create the migrations directory and ledger table

GLOBAL FLAGS:
  --driver <name>       postgres (default) or mysql (or DB_DRIVER)
  --dsn <dsn>           Database DSN (or DB_DSN)
  --dir <path>          Migrations directory (default ./migrations)
  --backup-dir <path>   Ledger backup directory (default <dir>/../backup)
  --table <name>        Ledger table (default schema_migrations)
  --lock-timeout <sec>  Advisory lock timeout (default 30)
  --config <path>       Optional YAML config path
  --json                JSON logs

EXAMPLES:
  dbmigratex migrate --dsn "$DSN" --dir ./migrations
  dbmigratex rollback --dsn "$DSN"
  dbmigratex status --dsn "$DSN" --json
  dbmigratex create add_tasks_table --dir ./migrations
  dbmigratex health --dsn "$DSN"`)
}

func printStatus(st migrate.Status, log *logger.Logger) {
	if log.JSONEnabled() {
		type executed struct {
			Name       string    `json:"name"`
			ExecutedAt time.Time `json:"executedAt"`
		}
		out := struct {
			Executed []executed `json:"executed"`
			Pending  []string   `json:"pending"`
			Total    int        `json:"total"`
		}{Pending: st.Pending, Total: st.Total}
		for _, e := range st.Executed {
			out.Executed = append(out.Executed, executed{Name: e.Name, ExecutedAt: e.ExecutedAt})
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(out)
		return
	}
	for _, e := range st.Executed {
		fmt.Printf("%-40s executed %s\n", e.Name, e.ExecutedAt.UTC().Format(time.RFC3339))
	}
	for _, p := range st.Pending {
		fmt.Printf("%-40s pending\n", p)
	}
	fmt.Printf("total: %d\n", st.Total)
}

func createMigration(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ts := time.Now().UTC().Format("20060102150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", ts, sanitize(name)))
	body := fmt.Sprintf(`-- Migration: %s
-- Created: %s
-- Description:

-- Up


-- Down

`, name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
