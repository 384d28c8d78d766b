package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gridstone/internal/fieldtype"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

func newTestSchema(t *testing.T) (*store.Store, *schema.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, "sqlite", ":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	s := schema.NewStore(db, fieldtype.Defaults())
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.CreateTable(ctx, "tasks", "", "", ""); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, spec := range []schema.FieldSpec{
		{Name: "status", Type: fieldtype.Select, Options: []string{"open", "done"}},
		{Name: "price", Type: fieldtype.Number},
		{Name: "due", Type: fieldtype.Date},
		{Name: "notes", Type: fieldtype.TextArea},
	} {
		if err := s.AddField(ctx, "tasks", spec); err != nil {
			t.Fatalf("add field %s: %v", spec.Name, err)
		}
	}
	return db, s
}

func build(t *testing.T, db *store.Store, s *schema.Store, spec Spec) ([]string, []any) {
	t.Helper()
	pb := db.Dialect.NewParamBuilder()
	fragments, err := NewBuilder(s.Types(), db.Dialect).Build(s.Snapshot(), "tasks", spec, pb)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return fragments, pb.Params()
}

func TestBuildDefaultOperatorIsContains(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{
		Filters: map[string][]string{"name": {"alpha"}},
	})
	if len(fragments) != 1 || !strings.Contains(fragments[0], "LIKE") {
		t.Fatalf("fragments = %v", fragments)
	}
	if len(params) != 1 || params[0] != "%alpha%" {
		t.Fatalf("params = %v", params)
	}
}

func TestBuildOperators(t *testing.T) {
	db, s := newTestSchema(t)

	cases := []struct {
		op    string
		param string
		frag  string
	}{
		{OpEquals, "alpha", "name = "},
		{OpStartsWith, "alpha%", "name LIKE "},
		{OpEndsWith, "%alpha", "name LIKE "},
		{OpNotContains, "%alpha%", "name NOT LIKE "},
	}
	for _, tc := range cases {
		fragments, params := build(t, db, s, Spec{
			Filters:   map[string][]string{"name": {"alpha"}},
			Operators: map[string]string{"name": tc.op},
		})
		if !strings.Contains(fragments[0], tc.frag) {
			t.Fatalf("op %s: fragment = %q, want substring %q", tc.op, fragments[0], tc.frag)
		}
		if params[0] != tc.param {
			t.Fatalf("op %s: param = %v, want %q", tc.op, params[0], tc.param)
		}
	}
}

func TestBuildRegexDegradesOnSQLite(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{
		Filters:   map[string][]string{"name": {"^a.*z$"}},
		Operators: map[string]string{"name": OpRegex},
	})
	// The SQLite backend has no regex operator; the dialect substitutes a
	// substring match.
	if !strings.Contains(fragments[0], "LIKE") {
		t.Fatalf("fragment = %q", fragments[0])
	}
	if params[0] != "%^a.*z$%" {
		t.Fatalf("params = %v", params)
	}
}

func TestBuildMultiValueModes(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, _ := build(t, db, s, Spec{
		Filters: map[string][]string{"status": {"open", "done"}},
	})
	if !strings.Contains(fragments[0], " OR ") {
		t.Fatalf("default mode should OR values: %q", fragments[0])
	}

	fragments, _ = build(t, db, s, Spec{
		Filters: map[string][]string{"status": {"open", "done"}},
		Modes:   map[string]string{"status": ModeAll},
	})
	if !strings.Contains(fragments[0], " AND ") {
		t.Fatalf("all mode should AND values: %q", fragments[0])
	}
	if !strings.HasPrefix(fragments[0], "(") || !strings.HasSuffix(fragments[0], ")") {
		t.Fatalf("multi-value group should be parenthesized: %q", fragments[0])
	}
}

func TestBuildNumericBounds(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{
		Filters: map[string][]string{"price_min": {"10"}, "price_max": {"99.5"}},
	})
	if len(fragments) != 2 {
		t.Fatalf("fragments = %v", fragments)
	}
	joined := strings.Join(fragments, " ")
	if !strings.Contains(joined, "CAST(price AS REAL) <=") || !strings.Contains(joined, "CAST(price AS REAL) >=") {
		t.Fatalf("bounds missing CAST: %v", fragments)
	}
	if len(params) != 2 {
		t.Fatalf("params = %v", params)
	}

	pb := db.Dialect.NewParamBuilder()
	_, err := NewBuilder(s.Types(), db.Dialect).Build(s.Snapshot(), "tasks", Spec{
		Filters: map[string][]string{"price_min": {"cheap"}},
	}, pb)
	if err == nil {
		t.Fatal("non-numeric bound should fail")
	}
}

func TestBuildDateRangeMergesIntoBetween(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{
		Filters: map[string][]string{"due_start": {"2026-01-01"}, "due_end": {"2026-12-31"}},
	})
	if len(fragments) != 1 || !strings.Contains(fragments[0], "due BETWEEN") {
		t.Fatalf("fragments = %v", fragments)
	}
	if len(params) != 2 || params[0] != "2026-01-01" || params[1] != "2026-12-31" {
		t.Fatalf("params = %v", params)
	}

	fragments, _ = build(t, db, s, Spec{
		Filters: map[string][]string{"due_start": {"2026-01-01"}},
	})
	if len(fragments) != 1 || !strings.Contains(fragments[0], "due >=") {
		t.Fatalf("one-sided range fragments = %v", fragments)
	}
}

func TestBuildRejectsUnknownField(t *testing.T) {
	db, s := newTestSchema(t)

	pb := db.Dialect.NewParamBuilder()
	_, err := NewBuilder(s.Types(), db.Dialect).Build(s.Snapshot(), "tasks", Spec{
		Filters: map[string][]string{"ghost": {"x"}},
	}, pb)
	var unknown *schema.UnknownFieldError
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownFieldError, got %v", err)
	}

	pb = db.Dialect.NewParamBuilder()
	_, err = NewBuilder(s.Types(), db.Dialect).Build(s.Snapshot(), "tasks", Spec{
		Filters: map[string][]string{"ghost_min": {"1"}},
	}, pb)
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownFieldError for range suffix, got %v", err)
	}
}

func TestBuildSearchCoversSearchableFields(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{Search: "needle"})
	if len(fragments) != 1 {
		t.Fatalf("fragments = %v", fragments)
	}
	// name, status, notes are searchable; price, due, id, last_modified are not.
	for _, col := range []string{"name", "status", "notes"} {
		if !strings.Contains(fragments[0], col+" LIKE") {
			t.Fatalf("search group missing %s: %q", col, fragments[0])
		}
	}
	for _, col := range []string{"price", "due"} {
		if strings.Contains(fragments[0], col+" LIKE") {
			t.Fatalf("search group should not cover %s: %q", col, fragments[0])
		}
	}
	for _, p := range params {
		if p != "%needle%" {
			t.Fatalf("params = %v", params)
		}
	}
}

func TestBuildEmptySpec(t *testing.T) {
	db, s := newTestSchema(t)

	fragments, params := build(t, db, s, Spec{})
	if len(fragments) != 0 || len(params) != 0 {
		t.Fatalf("empty spec should produce nothing: %v %v", fragments, params)
	}
}
