package migrate

import (
	"fmt"
	"strings"
)

// ValidationResult accumulates everything wrong or suspicious about the
// on-disk files against the ledger. Errors block execution; warnings are
// surfaced and ignored.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate reconciles the loaded files with the ledger. Every check runs and
// accumulates; nothing fails fast.
func Validate(files []File, records []Record, sv StatementValidator) ValidationResult {
	if sv == nil {
		sv = ShallowValidator{}
	}
	res := ValidationResult{}

	byName := make(map[string]File, len(files))
	for _, f := range files {
		if _, dup := byName[f.Name]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate migration name: %s", f.Name))
			continue
		}
		byName[f.Name] = f
	}

	for _, rec := range records {
		f, ok := byName[rec.Name]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("executed migration %s has no file on disk", rec.Name))
			continue
		}
		if !strings.EqualFold(rec.Checksum, f.Checksum) {
			res.Errors = append(res.Errors, fmt.Sprintf("checksum drift for %s: ledger=%s file=%s", rec.Name, rec.Checksum, f.Checksum))
		}
	}

	for _, f := range files {
		if strings.TrimSpace(f.Down) == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s has no rollback SQL", f.Name))
		}
		res.Warnings = append(res.Warnings, dangerousOps(f)...)
		for _, stmt := range SplitStatements(f.Up) {
			if err := sv.ValidateStatement(stmt); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s up: %v", f.Name, err))
			}
		}
		for _, stmt := range SplitStatements(f.Down) {
			if err := sv.ValidateStatement(stmt); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s down: %v", f.Name, err))
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func dangerousOps(f File) []string {
	var warns []string
	for _, stmt := range SplitStatements(f.Up) {
		s := strings.ToLower(stmt)
		if strings.Contains(s, "drop table") && !strings.Contains(s, "if exists") {
			warns = append(warns, fmt.Sprintf("%s drops a table without IF EXISTS", f.Name))
		}
		if strings.Contains(s, "alter table") && strings.Contains(s, "drop column") {
			warns = append(warns, fmt.Sprintf("%s drops a column", f.Name))
		}
	}
	return warns
}
