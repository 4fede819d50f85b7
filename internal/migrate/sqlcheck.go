package migrate

import (
	"fmt"
	"regexp"
	"strings"
)

// SplitStatements breaks a SQL body on semicolons, trimming each piece and
// dropping empties. It is deliberately naive: semicolons inside string
// literals or dollar-quoted bodies are not honored.
func SplitStatements(body string) []string {
	parts := strings.Split(body, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StatementValidator is the pluggable per-statement sanity check used by the
// validation gate. Implementations return nil for statements they accept.
type StatementValidator interface {
	ValidateStatement(stmt string) error
}

// ShallowValidator is the default strategy: balanced parentheses plus a
// leading-keyword whitelist, with escape hatches for comments, dollar-quoted
// blocks, and procedural bodies. It is a fast filter for obviously broken
// files, not a SQL parser; it will false-accept malformed SQL inside
// dollar-quoted bodies and false-reject unusual but valid statement forms.
type ShallowValidator struct{}

var statementKeywords = map[string]struct{}{
	"select": {}, "insert": {}, "update": {}, "delete": {},
	"create": {}, "alter": {}, "drop": {}, "truncate": {},
	"grant": {}, "revoke": {}, "comment": {}, "set": {},
	"with": {}, "do": {}, "copy": {}, "lock": {},
	"begin": {}, "commit": {}, "rollback": {}, "savepoint": {},
	"explain": {}, "analyze": {}, "vacuum": {}, "reindex": {},
}

var proceduralKeywords = map[string]struct{}{
	"declare": {}, "begin": {}, "if": {}, "for": {}, "while": {},
	"case": {}, "return": {}, "perform": {}, "raise": {}, "end": {},
	"loop": {}, "exception": {},
}

var dollarQuoteRe = regexp.MustCompile(`\$[a-zA-Z_0-9]*\$`)

func (ShallowValidator) ValidateStatement(stmt string) error {
	s := strings.TrimSpace(stmt)
	if s == "" {
		return nil
	}
	if depth := parenBalance(s); depth != 0 {
		return fmt.Errorf("unbalanced parentheses (depth %d)", depth)
	}
	if strings.HasPrefix(s, "--") || strings.HasPrefix(s, "/*") {
		return nil
	}
	if dollarQuoteRe.MatchString(s) {
		return nil
	}
	word := leadingWord(strings.ToLower(s))
	if _, ok := statementKeywords[word]; ok {
		return nil
	}
	if _, ok := proceduralKeywords[word]; ok {
		return nil
	}
	return fmt.Errorf("statement does not start with a recognized SQL keyword: %q", word)
}

func parenBalance(s string) int {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	return depth
}

func leadingWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';' {
			return s[:i]
		}
	}
	return s
}
