package migrate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements("CREATE TABLE a(id INT);\n\nCREATE INDEX i ON a(id);\n;\n")
	require.Equal(t, []string{"CREATE TABLE a(id INT)", "CREATE INDEX i ON a(id)"}, stmts)
	require.Empty(t, SplitStatements("  \n "))
}

func TestShallowValidatorAccepts(t *testing.T) {
	v := ShallowValidator{}
	for _, stmt := range []string{
		"SELECT 1",
		"create table t (id int)",
		"ALTER TABLE t ADD COLUMN c INT",
		"-- just a comment",
		"/* block comment */",
		"DO $$ BEGIN RAISE NOTICE 'hi' END $$",
		"BEGIN\n  PERFORM f()\nEND",
		"DECLARE cur CURSOR FOR SELECT 1",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"",
	} {
		require.NoError(t, v.ValidateStatement(stmt), "statement %q", stmt)
	}
}

func TestShallowValidatorRejects(t *testing.T) {
	v := ShallowValidator{}
	require.Error(t, v.ValidateStatement("SELECT f(1, 2"), "unbalanced parens")
	require.Error(t, v.ValidateStatement("FROBNICATE the database"), "unknown keyword")
	require.Error(t, v.ValidateStatement("INVALID SQL"), "unknown keyword")
}
