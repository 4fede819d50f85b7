package migrate

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mirajehossain/dbmigratex/internal/checksum"
)

const (
	upMarker   = "-- Up"
	downMarker = "-- Down"
)

var (
	ErrNoUpMarker       = errors.New("missing -- Up marker")
	ErrNoDownMarker     = errors.New("missing -- Down marker")
	ErrDuplicateMarker  = errors.New("duplicate section marker")
	ErrMarkerOutOfOrder = errors.New("-- Down marker precedes -- Up")
)

// Meta holds the optional header comments of a migration file.
type Meta struct {
	Title       string
	Created     string
	Description string
	Author      string
	Tags        []string
}

// File is one migration loaded from disk: a named, checksummed pair of
// forward and backward SQL bodies.
type File struct {
	Name     string
	Up       string
	Down     string
	Checksum string
	Meta     Meta
}

// Parse splits a migration file into its up and down bodies. The file must
// contain exactly one "-- Up" line and exactly one "-- Down" line, in that
// order; anything else is a hard parse failure.
func Parse(name string, content []byte) (File, error) {
	f := File{Name: name}
	var up, down strings.Builder
	section := 0 // 0 header, 1 up, 2 down
	upSeen, downSeen := 0, 0

	sc := bufio.NewScanner(strings.NewReader(string(content)))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch strings.TrimSpace(line) {
		case upMarker:
			upSeen++
			if upSeen > 1 {
				return f, fmt.Errorf("%w: %s", ErrDuplicateMarker, upMarker)
			}
			section = 1
			continue
		case downMarker:
			downSeen++
			if downSeen > 1 {
				return f, fmt.Errorf("%w: %s", ErrDuplicateMarker, downMarker)
			}
			if upSeen == 0 {
				return f, ErrMarkerOutOfOrder
			}
			section = 2
			continue
		}
		switch section {
		case 0:
			parseHeaderLine(&f.Meta, line)
		case 1:
			up.WriteString(line)
			up.WriteByte('\n')
		case 2:
			down.WriteString(line)
			down.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return f, err
	}
	if upSeen == 0 {
		return f, ErrNoUpMarker
	}
	if downSeen == 0 {
		return f, ErrNoDownMarker
	}
	f.Up = strings.TrimSpace(up.String())
	f.Down = strings.TrimSpace(down.String())
	f.Checksum = checksum.Pair(f.Up, f.Down)
	return f, nil
}

func parseHeaderLine(m *Meta, line string) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "--") {
		return
	}
	s = strings.TrimSpace(strings.TrimPrefix(s, "--"))
	key, val, ok := strings.Cut(s, ":")
	if !ok {
		return
	}
	val = strings.TrimSpace(val)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "migration":
		m.Title = val
	case "created":
		m.Created = val
	case "description":
		m.Description = val
	case "author":
		m.Author = val
	case "tags":
		for _, t := range strings.Split(val, ",") {
			if t = strings.TrimSpace(t); t != "" {
				m.Tags = append(m.Tags, t)
			}
		}
	}
}

// LoadDir loads every .sql file under dir in lexicographic filename order.
// A failure to read the directory itself yields an empty list plus a warning
// (fresh checkout, nothing to migrate yet); a failure to read or parse an
// individual file is an error.
func LoadDir(dir string) ([]File, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Sprintf("migrations directory unreadable, assuming first run: %v", err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	files := make([]File, 0, len(names))
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", n, err)
		}
		f, err := Parse(strings.TrimSuffix(n, ".sql"), b)
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", n, err)
		}
		files = append(files, f)
	}
	return files, "", nil
}

// LoadFS is LoadDir over an fs.FS, for embedded migration sources.
func LoadFS(fsys fs.FS, root string) ([]File, string, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Sprintf("migrations directory unreadable, assuming first run: %v", err), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	files := make([]File, 0, len(names))
	for _, n := range names {
		b, err := fs.ReadFile(fsys, filepath.Join(root, n))
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", n, err)
		}
		f, err := Parse(strings.TrimSuffix(n, ".sql"), b)
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", n, err)
		}
		files = append(files, f)
	}
	return files, "", nil
}
