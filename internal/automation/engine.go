package automation

import (
	"context"
	"fmt"
	"log"

	"gridstone/internal/schema"
	"gridstone/internal/store"
)

// RecordUpdater is the slice of the record store the engine needs. Updates
// go through it so rule actions are normalized and audited like any other
// edit.
type RecordUpdater interface {
	Update(ctx context.Context, table, id, field, value, actor string) error
}

// Engine evaluates rules and applies their actions. Running the same rule
// twice is safe: matching is pure condition evaluation against current
// state, and the record store skips writes that change nothing.
type Engine struct {
	db      *store.Store
	schema  *schema.Store
	rules   *RuleStore
	records RecordUpdater
}

func NewEngine(db *store.Store, sch *schema.Store, rules *RuleStore, records RecordUpdater) *Engine {
	return &Engine{db: db, schema: sch, rules: rules, records: records}
}

// Run applies one rule and returns the number of matched records whose
// action succeeded. Row-level failures are logged and skipped; the run
// counter moves once per run that matched at least one record, never once
// per row.
func (e *Engine) Run(ctx context.Context, r *Rule) (int, error) {
	snap := e.schema.Snapshot()
	tbl, err := snap.TableIdent(r.Table)
	if err != nil {
		return 0, err
	}
	condCol, err := snap.FieldIdent(r.Table, r.Field)
	if err != nil {
		return 0, err
	}
	if _, err := snap.FieldIdent(r.Table, r.ActionField); err != nil {
		return 0, err
	}

	pb := e.db.Dialect.NewParamBuilder()
	var cond string
	switch r.Operator {
	case OpContains:
		cond = fmt.Sprintf("%s LIKE %s", condCol, pb.Add("%"+r.Value+"%"))
	default:
		cond = fmt.Sprintf("%s = %s", condCol, pb.Add(r.Value))
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s", schema.IDField, tbl, cond)
	rows, err := store.QueryRows(ctx, e.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return 0, err
	}

	actor := "rule:" + r.ID
	applied := 0
	for _, row := range rows {
		id := store.ToString(row[schema.IDField])
		if err := e.records.Update(ctx, r.Table, id, r.ActionField, r.ActionValue, actor); err != nil {
			log.Printf("WARN: rule %s skipped record %s/%s: %v", r.ID, r.Table, id, err)
			continue
		}
		applied++
	}

	if len(rows) > 0 {
		if err := e.rules.markRun(ctx, r.ID); err != nil {
			log.Printf("WARN: rule %s run bookkeeping failed: %v", r.ID, err)
		}
	}
	return applied, nil
}

// RunByID loads a rule and runs it.
func (e *Engine) RunByID(ctx context.Context, id string) (int, error) {
	r, err := e.rules.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.Run(ctx, r)
}

// RunOnImport runs every import-triggered rule of the table. Called after a
// batch of records lands; rule failures are logged, never surfaced to the
// import itself.
func (e *Engine) RunOnImport(ctx context.Context, table string) {
	rules, err := e.rules.List(ctx, table)
	if err != nil {
		log.Printf("WARN: import rules lookup failed for %s: %v", table, err)
		return
	}
	for _, r := range rules {
		if !r.RunOnImport {
			continue
		}
		if _, err := e.Run(ctx, r); err != nil {
			log.Printf("WARN: import rule %s failed: %v", r.ID, err)
		}
	}
}
