package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot is the pre-run dump of ledger state. It exists for manual forensic
// recovery; nothing restores it automatically.
type Snapshot struct {
	Timestamp          string          `json:"timestamp"`
	ExecutedMigrations []SnapshotEntry `json:"executedMigrations"`
}

type SnapshotEntry struct {
	Name       string    `json:"name"`
	Checksum   string    `json:"checksum"`
	ExecutedAt time.Time `json:"executedAt"`
}

// BackupStore writes timestamped ledger snapshots and prunes old ones.
type BackupStore struct {
	Dir  string
	Keep int
}

func (b *BackupStore) Write(records []Record) (string, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return "", err
	}
	snap := Snapshot{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		ExecutedMigrations: make([]SnapshotEntry, 0, len(records)),
	}
	for _, r := range records {
		snap.ExecutedMigrations = append(snap.ExecutedMigrations, SnapshotEntry{
			Name: r.Name, Checksum: r.Checksum, ExecutedAt: r.ExecutedAt,
		})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(b.Dir, fmt.Sprintf("backup-%d.json", time.Now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Prune keeps the newest Keep backup files. Filenames embed an epoch-ms
// timestamp; sorting by length then value orders them oldest first. Per-file
// deletion failures are returned but do not stop cleanup of the rest.
func (b *BackupStore) Prune() []error {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return []error{err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "backup-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	keep := b.Keep
	if keep <= 0 {
		keep = 5
	}
	if len(names) <= keep {
		return nil
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	var errs []error
	for _, n := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(b.Dir, n)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", n, err))
		}
	}
	return errs
}
