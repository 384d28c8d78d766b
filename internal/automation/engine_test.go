package automation

import (
	"context"
	"strings"
	"testing"
	"time"

	"gridstone/internal/config"
	"gridstone/internal/fieldtype"
	"gridstone/internal/history"
	"gridstone/internal/record"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

type env struct {
	db      *store.Store
	schema  *schema.Store
	ledger  *history.Ledger
	records *record.Store
	rules   *RuleStore
	engine  *Engine
}

func newTestEnv(t *testing.T) *env {
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

	sch := schema.NewStore(db, fieldtype.Defaults())
	if err := sch.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := sch.CreateTable(ctx, "tasks", "", "", ""); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, spec := range []schema.FieldSpec{
		{Name: "status", Type: fieldtype.Select, Options: []string{"open", "done"}},
		{Name: "priority", Type: fieldtype.Text},
	} {
		if err := sch.AddField(ctx, "tasks", spec); err != nil {
			t.Fatalf("add field: %v", err)
		}
	}

	ledger := history.NewLedger(db)
	records := record.NewStore(db, sch, ledger, nil)
	rules := NewRuleStore(db, sch)
	return &env{
		db:      db,
		schema:  sch,
		ledger:  ledger,
		records: records,
		rules:   rules,
		engine:  NewEngine(db, sch, rules, records),
	}
}

func (e *env) seedTask(t *testing.T, name, status string) string {
	t.Helper()
	id, err := e.records.Create(context.Background(), "tasks",
		map[string]string{"name": name, "status": status}, "tester")
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return id
}

func TestRuleValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	base := Rule{
		Name: "r", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "high",
	}

	bad := base
	bad.Operator = "greater_than"
	if _, err := e.rules.Create(ctx, &bad); err == nil {
		t.Fatal("unknown operator should be rejected")
	}

	bad = base
	bad.Schedule = "hourly"
	if _, err := e.rules.Create(ctx, &bad); err == nil {
		t.Fatal("unknown schedule should be rejected")
	}

	bad = base
	bad.Field = "ghost"
	if _, err := e.rules.Create(ctx, &bad); err == nil {
		t.Fatal("unknown condition field should be rejected")
	}

	bad = base
	bad.Table = "ghosts"
	if _, err := e.rules.Create(ctx, &bad); err == nil {
		t.Fatal("unknown table should be rejected")
	}

	if _, err := e.rules.Create(ctx, &base); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
}

func TestEngineRunAppliesActionOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	matching := e.seedTask(t, "a", "open")
	e.seedTask(t, "b", "done")

	id, err := e.rules.Create(ctx, &Rule{
		Name: "escalate open", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "high",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	applied, err := e.engine.RunByID(ctx, id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	row, _ := e.records.GetByID(ctx, "tasks", matching)
	if store.ToString(row["priority"]) != "high" {
		t.Fatalf("priority = %v", row["priority"])
	}

	rule, _ := e.rules.Get(ctx, id)
	if rule.RunCount != 1 {
		t.Fatalf("run_count = %d, want 1", rule.RunCount)
	}
	if rule.LastRun == "" {
		t.Fatal("last_run not stamped")
	}

	// The change is audited under the rule actor.
	entries, _ := e.ledger.History(ctx, "tasks", matching, 0)
	if entries[0].Actor != "rule:"+id {
		t.Fatalf("actor = %q", entries[0].Actor)
	}

	// A second run still matches the same row, counts once more, but the
	// no-op value write leaves no extra audit entry.
	before := len(mustHistory(t, e, matching))
	if _, err := e.engine.RunByID(ctx, id); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	rule, _ = e.rules.Get(ctx, id)
	if rule.RunCount != 2 {
		t.Fatalf("run_count after re-run = %d, want 2", rule.RunCount)
	}
	if after := len(mustHistory(t, e, matching)); after != before {
		t.Fatalf("no-op rule action wrote history: %d -> %d entries", before, after)
	}
}

func mustHistory(t *testing.T, e *env, recordID string) []history.Entry {
	t.Helper()
	entries, err := e.ledger.History(context.Background(), "tasks", recordID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return entries
}

func TestEngineContainsOperator(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	hit := e.seedTask(t, "urgent repair", "open")
	e.seedTask(t, "routine check", "open")

	id, err := e.rules.Create(ctx, &Rule{
		Name: "flag urgent", Table: "tasks",
		Field: "name", Operator: OpContains, Value: "urgent",
		ActionField: "priority", ActionValue: "high",
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	applied, err := e.engine.RunByID(ctx, id)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	row, _ := e.records.GetByID(ctx, "tasks", hit)
	if store.ToString(row["priority"]) != "high" {
		t.Fatalf("priority = %v", row["priority"])
	}
}

func TestRunOnImport(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	imported := e.seedTask(t, "a", "open")

	if _, err := e.rules.Create(ctx, &Rule{
		Name: "import rule", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "imported",
		RunOnImport: true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := e.rules.Create(ctx, &Rule{
		Name: "manual rule", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "manual",
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	e.engine.RunOnImport(ctx, "tasks")

	row, _ := e.records.GetByID(ctx, "tasks", imported)
	// Only the import-triggered rule may have fired.
	if store.ToString(row["priority"]) != "imported" {
		t.Fatalf("priority = %v, want imported", row["priority"])
	}
}

func TestSchedulerRunsOnlyMatchingSchedule(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	target := e.seedTask(t, "a", "open")

	if _, err := e.rules.Create(ctx, &Rule{
		Name: "always rule", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "ticked",
		Schedule: ScheduleAlways,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := e.rules.Create(ctx, &Rule{
		Name: "idle rule", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "never",
		Schedule: ScheduleNone,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	queue := NewGoroutineQueue()
	s, err := NewScheduler(e.engine, e.rules, queue, config.AutomationConfig{
		DailyCron:         "0 0 * * *",
		AlwaysIntervalSec: 60,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	s.runDue(ctx, ScheduleAlways)
	queue.Wait()

	row, _ := e.records.GetByID(ctx, "tasks", target)
	if store.ToString(row["priority"]) != "ticked" {
		t.Fatalf("priority = %v, want ticked", row["priority"])
	}
}

func TestSchedulerDailyBoundary(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	target := e.seedTask(t, "a", "open")

	if _, err := e.rules.Create(ctx, &Rule{
		Name: "daily rule", Table: "tasks",
		Field: "status", Operator: OpEquals, Value: "open",
		ActionField: "priority", ActionValue: "daily",
		Schedule: ScheduleDaily,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	// A schedule value the store refuses to save can still land in the
	// table out of band; the scheduler must leave it alone.
	if _, err := store.Exec(ctx, e.db.DB,
		"INSERT INTO _automation_rules (id, name, table_name, condition_field, condition_operator, condition_value, action_field, action_value, run_on_import, schedule) "+
			"VALUES ('w1', 'weekly rule', 'tasks', 'status', 'equals', 'open', 'priority', 'weekly', 0, 'weekly')"); err != nil {
		t.Fatalf("insert weekly row: %v", err)
	}

	queue := NewGoroutineQueue()
	s, err := NewScheduler(e.engine, e.rules, queue, config.AutomationConfig{
		DailyCron:         "0 0 * * *",
		AlwaysIntervalSec: 60,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	// Before the boundary the daily rule stays idle and the boundary is kept.
	boundary := time.Now().Add(time.Hour)
	if next := s.tick(ctx, time.Now(), boundary); !next.Equal(boundary) {
		t.Fatalf("boundary moved without being crossed: %v", next)
	}
	queue.Wait()
	row, _ := e.records.GetByID(ctx, "tasks", target)
	if got := store.ToString(row["priority"]); got != "" {
		t.Fatalf("daily rule fired early: priority = %q", got)
	}

	// Crossing the boundary runs the daily rule and advances past now.
	now := boundary.Add(time.Second)
	next := s.tick(ctx, now, boundary)
	queue.Wait()
	if !next.After(now) {
		t.Fatalf("next boundary %v not after %v", next, now)
	}
	row, _ = e.records.GetByID(ctx, "tasks", target)
	if got := store.ToString(row["priority"]); got != "daily" {
		t.Fatalf("priority = %q, want daily", got)
	}
}

func TestSchedulerRejectsBadCron(t *testing.T) {
	e := newTestEnv(t)

	_, err := NewScheduler(e.engine, e.rules, NewGoroutineQueue(), config.AutomationConfig{
		DailyCron: "not a cron",
	})
	if err == nil || !strings.Contains(err.Error(), "cron") {
		t.Fatalf("want cron parse error, got %v", err)
	}
}

func TestGoroutineQueueRecoversPanics(t *testing.T) {
	q := NewGoroutineQueue()
	q.Submit("boom", func() { panic("kaboom") })
	q.Wait()
	// Reaching here means the panic did not escape the queue.
}
