package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, "sqlite", ":memory:", 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	for _, table := range []string{"_tables", "_fields", "_edit_history", "_relationships", "_automation_rules"} {
		ok, err := s.Dialect.TableExists(ctx, s.DB, table)
		if err != nil {
			t.Fatalf("table exists %s: %v", table, err)
		}
		if !ok {
			t.Fatalf("system table %s missing", table)
		}
	}
}

func TestQueryRowNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	_, err := QueryRow(ctx, s.DB, "SELECT name FROM _tables WHERE name = 'nope'")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO _tables (name, label, description, position) VALUES ('t', 't', '', 1)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom, got %v", err)
	}

	if _, err := QueryRow(ctx, s.DB, "SELECT name FROM _tables WHERE name = 't'"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("insert survived rollback: %v", err)
	}
}

func TestParamBuilders(t *testing.T) {
	pg := (&PostgresDialect{}).NewParamBuilder()
	if ph := pg.Add("x"); ph != "$1" {
		t.Fatalf("postgres placeholder = %q", ph)
	}
	if ph := pg.Add("y"); ph != "$2" {
		t.Fatalf("postgres placeholder = %q", ph)
	}
	if len(pg.Params()) != 2 {
		t.Fatalf("params = %v", pg.Params())
	}

	sq := (&SQLiteDialect{}).NewParamBuilder()
	if ph := sq.Add("x"); ph != "?1" {
		t.Fatalf("sqlite placeholder = %q", ph)
	}
}

func TestConversionHelpers(t *testing.T) {
	if ToString(nil) != "" {
		t.Fatal("ToString(nil) should be empty")
	}
	if ToString([]byte("bytes")) != "bytes" {
		t.Fatal("ToString should decode byte slices")
	}
	if ToString(float64(5.5)) != "5.5" || ToString(float64(6)) != "6" {
		t.Fatal("ToString should render floats as plain decimals")
	}
	if !ToBool(int64(1)) || ToBool(int64(0)) || !ToBool("1") || !ToBool(true) {
		t.Fatal("ToBool conversions wrong")
	}
	if ToInt64(int64(7)) != 7 || ToInt64(3) != 3 || ToInt64(nil) != 0 {
		t.Fatal("ToInt64 conversions wrong")
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x TEXT);\n\nCREATE TABLE b (y TEXT);\n")
	if len(stmts) != 2 {
		t.Fatalf("statements = %d, want 2: %v", len(stmts), stmts)
	}
}

func TestNewDialect(t *testing.T) {
	if NewDialect("sqlite").Name() != "sqlite" {
		t.Fatal("sqlite dialect not selected")
	}
	if NewDialect("postgres").Name() != "postgres" {
		t.Fatal("postgres dialect not selected")
	}
}
