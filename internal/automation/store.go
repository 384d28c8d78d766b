package automation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"gridstone/internal/schema"
	"gridstone/internal/store"
)

const ruleColumns = "id, name, table_name, condition_field, condition_operator, condition_value, action_field, action_value, run_on_import, schedule, run_count, last_run"

// RuleStore persists automation rules.
type RuleStore struct {
	db     *store.Store
	schema *schema.Store
}

func NewRuleStore(db *store.Store, sch *schema.Store) *RuleStore {
	return &RuleStore{db: db, schema: sch}
}

func (s *RuleStore) validate(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !validOperator(r.Operator) {
		return fmt.Errorf("unknown condition operator %q", r.Operator)
	}
	switch r.Schedule {
	case ScheduleNone, ScheduleDaily, ScheduleAlways:
	default:
		return fmt.Errorf("unknown schedule %q", r.Schedule)
	}
	if err := s.schema.ValidateField(r.Table, r.Field); err != nil {
		return err
	}
	return s.schema.ValidateField(r.Table, r.ActionField)
}

// Create saves a new rule and returns its id.
func (s *RuleStore) Create(ctx context.Context, r *Rule) (string, error) {
	if r.Operator == "" {
		r.Operator = OpEquals
	}
	if r.Schedule == "" {
		r.Schedule = ScheduleNone
	}
	if err := s.validate(r); err != nil {
		return "", err
	}
	r.ID = uuid.NewString()

	pb := s.db.Dialect.NewParamBuilder()
	insert := fmt.Sprintf(
		"INSERT INTO _automation_rules (id, name, table_name, condition_field, condition_operator, condition_value, action_field, action_value, run_on_import, schedule) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
		pb.Add(r.ID), pb.Add(r.Name), pb.Add(r.Table), pb.Add(r.Field), pb.Add(r.Operator),
		pb.Add(r.Value), pb.Add(r.ActionField), pb.Add(r.ActionValue), pb.Add(r.RunOnImport), pb.Add(r.Schedule))
	if _, err := store.Exec(ctx, s.db.DB, insert, pb.Params()...); err != nil {
		return "", err
	}
	return r.ID, nil
}

// Update overwrites an existing rule's definition. Run statistics are kept.
func (s *RuleStore) Update(ctx context.Context, r *Rule) error {
	if err := s.validate(r); err != nil {
		return err
	}

	pb := s.db.Dialect.NewParamBuilder()
	update := fmt.Sprintf(
		"UPDATE _automation_rules SET name = %s, table_name = %s, condition_field = %s, condition_operator = %s, condition_value = %s, action_field = %s, action_value = %s, run_on_import = %s, schedule = %s, updated_at = %s WHERE id = %s",
		pb.Add(r.Name), pb.Add(r.Table), pb.Add(r.Field), pb.Add(r.Operator), pb.Add(r.Value),
		pb.Add(r.ActionField), pb.Add(r.ActionValue), pb.Add(r.RunOnImport), pb.Add(r.Schedule),
		s.db.Dialect.NowExpr(), pb.Add(r.ID))
	affected, err := store.Exec(ctx, s.db.DB, update, pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	pb := s.db.Dialect.NewParamBuilder()
	affected, err := store.Exec(ctx, s.db.DB,
		fmt.Sprintf("DELETE FROM _automation_rules WHERE id = %s", pb.Add(id)), pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get returns one rule by id, or store.ErrNotFound.
func (s *RuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	pb := s.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, s.db.DB,
		fmt.Sprintf("SELECT %s FROM _automation_rules WHERE id = %s", ruleColumns, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	return ruleFromRow(row), nil
}

// List returns rules, optionally restricted to one table.
func (s *RuleStore) List(ctx context.Context, table string) ([]*Rule, error) {
	pb := s.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM _automation_rules", ruleColumns)
	if table != "" {
		sqlStr += " WHERE table_name = " + pb.Add(table)
	}
	sqlStr += " ORDER BY name"
	rows, err := store.QueryRows(ctx, s.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	rules := make([]*Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, ruleFromRow(row))
	}
	return rules, nil
}

// ResetRunCount zeroes a rule's run counter.
func (s *RuleStore) ResetRunCount(ctx context.Context, id string) error {
	pb := s.db.Dialect.NewParamBuilder()
	affected, err := store.Exec(ctx, s.db.DB,
		fmt.Sprintf("UPDATE _automation_rules SET run_count = 0 WHERE id = %s", pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// markRun bumps the run counter and stamps the last run time. Called once
// per run that matched at least one record.
func (s *RuleStore) markRun(ctx context.Context, id string) error {
	pb := s.db.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, s.db.DB,
		fmt.Sprintf("UPDATE _automation_rules SET run_count = run_count + 1, last_run = %s WHERE id = %s",
			s.db.Dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	return err
}

func ruleFromRow(row map[string]any) *Rule {
	return &Rule{
		ID:          store.ToString(row["id"]),
		Name:        store.ToString(row["name"]),
		Table:       store.ToString(row["table_name"]),
		Field:       store.ToString(row["condition_field"]),
		Operator:    store.ToString(row["condition_operator"]),
		Value:       store.ToString(row["condition_value"]),
		ActionField: store.ToString(row["action_field"]),
		ActionValue: store.ToString(row["action_value"]),
		RunOnImport: store.ToBool(row["run_on_import"]),
		Schedule:    store.ToString(row["schedule"]),
		RunCount:    store.ToInt64(row["run_count"]),
		LastRun:     store.ToString(row["last_run"]),
	}
}
