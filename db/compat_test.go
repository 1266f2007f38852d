package db

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// rewritePlaceholders
// ---------------------------------------------------------------------------

func TestRewritePlaceholders_Empty(t *testing.T) {
	if got := rewritePlaceholders(""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestRewritePlaceholders_NoPlaceholders(t *testing.T) {
	in := "SELECT 1"
	if got := rewritePlaceholders(in); got != in {
		t.Errorf("got %q, want %q", got, in)
	}
}

func TestRewritePlaceholders_Single(t *testing.T) {
	got := rewritePlaceholders("SELECT * FROM t WHERE id = ?")
	want := "SELECT * FROM t WHERE id = $1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewritePlaceholders_Multiple(t *testing.T) {
	got := rewritePlaceholders("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewritePlaceholders_QuestionInStringLiteral(t *testing.T) {
	// ? inside a quoted string must not be rewritten.
	got := rewritePlaceholders("SELECT '?' AS q FROM t WHERE id = ?")
	want := "SELECT '?' AS q FROM t WHERE id = $1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewritePlaceholders_EscapedQuote(t *testing.T) {
	// '' inside a string is an escaped single-quote; the ? after closing ' is a placeholder.
	got := rewritePlaceholders("SELECT 'it''s' WHERE x = ?")
	want := "SELECT 'it''s' WHERE x = $1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRewritePlaceholders_MultipleStringsAndPlaceholders(t *testing.T) {
	got := rewritePlaceholders("SELECT 'a?b' WHERE c = ? AND d = ?")
	want := "SELECT 'a?b' WHERE c = $1 AND d = $2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Dialect helpers
// ---------------------------------------------------------------------------

func sqliteDB() *CompatDB { return &CompatDB{Dialect: DialectSQLite} }
func pgDB() *CompatDB     { return &CompatDB{Dialect: DialectPostgres} }

func TestIsPostgres(t *testing.T) {
	if sqliteDB().IsPostgres() {
		t.Error("SQLite CompatDB.IsPostgres() should be false")
	}
	if !pgDB().IsPostgres() {
		t.Error("Postgres CompatDB.IsPostgres() should be true")
	}
}

func TestBeginTxSQL(t *testing.T) {
	if got := sqliteDB().BeginTxSQL(); got != "BEGIN IMMEDIATE" {
		t.Errorf("SQLite = %q, want BEGIN IMMEDIATE", got)
	}
	if got := pgDB().BeginTxSQL(); got != "BEGIN" {
		t.Errorf("Postgres = %q, want BEGIN", got)
	}
}

func TestRewrite_OnlyForPostgres(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ?"
	if got := sqliteDB().rewrite(q); got != q {
		t.Errorf("SQLite rewrite = %q, want unchanged", got)
	}
	if got := pgDB().rewrite(q); got != "SELECT * FROM t WHERE a = $1" {
		t.Errorf("Postgres rewrite = %q", got)
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", DialectSQLite, false},
		{"sqlite", DialectSQLite, false},
		{" Postgres ", DialectPostgres, false},
		{"pgx", DialectPostgres, false},
		{"mysql", "", true},
	}
	for _, tc := range tests {
		got, err := ParseDialect(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDialect(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDialect(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 5, 0, 0, time.FixedZone("X", 5*3600))
	earlier := FormatTime(base)
	later := FormatTime(base.Add(1500 * time.Millisecond))
	if !(earlier < later) {
		t.Errorf("%q should sort before %q", earlier, later)
	}
	if earlier != "2026-03-01T04:05:00.000Z" {
		t.Errorf("FormatTime = %q, want UTC fixed-width form", earlier)
	}

	parsed, err := ParseTime(later)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(base.Add(1500 * time.Millisecond)) {
		t.Errorf("ParseTime = %v", parsed)
	}
}
