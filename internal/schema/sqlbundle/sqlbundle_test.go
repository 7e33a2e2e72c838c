package sqlbundle

import (
	"strings"
	"testing"
)

func TestSplitStatementsDropsComments(t *testing.T) {
	ddl := "-- header\nCREATE TABLE a (id INT);\n\n-- note\nCREATE TABLE b (\n  id INT\n);\nSELECT 1"
	stmts := SplitStatements(ddl)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[1], "CREATE TABLE b") || !strings.HasSuffix(stmts[1], ");") {
		t.Fatalf("multi-line statement not preserved: %q", stmts[1])
	}
	if stmts[2] != "SELECT 1" {
		t.Fatalf("expected unterminated tail, got %q", stmts[2])
	}
}

func TestSQLiteBundle(t *testing.T) {
	stmts := SplitStatements(SQLite())
	if len(stmts) == 0 {
		t.Fatal("expected sqlite DDL to produce statements")
	}
	for _, stmt := range stmts {
		if !strings.HasSuffix(strings.TrimSpace(stmt), ";") {
			t.Fatalf("statement missing semicolon terminator: %q", stmt)
		}
	}
	if !strings.Contains(SQLite(), "state") {
		t.Fatal("expected sqlite DDL to declare the state table")
	}
}

func TestPostgresBundleDeclaresRegistryTables(t *testing.T) {
	ddl := Postgres()
	for _, table := range []string{"registry_meta", "devices", "device_history", "certifications", "regulatory_approvals"} {
		if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("expected postgres DDL to create %s", table)
		}
	}
	if got := len(SplitStatements(ddl)); got != 5 {
		t.Fatalf("expected 5 postgres statements, got %d", got)
	}
}
