package record

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridstone/internal/fieldtype"
	"gridstone/internal/history"
	"gridstone/internal/query"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

// Sanitizer cleans long-form markup before storage and on read of legacy
// data. It is an external collaborator; the engine only calls it.
type Sanitizer func(raw string) string

// InvalidMutationError means the input shape of a mutation is malformed,
// e.g. a bulk update whose ids are not a list.
type InvalidMutationError struct {
	Reason string
}

func (e *InvalidMutationError) Error() string {
	return "invalid mutation: " + e.Reason
}

const timestampLayout = "2006-01-02 15:04:05"

// Store performs CRUD over the dynamically named tables. Every value is
// normalized per its field type on write; long-form text passes through
// the sanitizer on write and again on read so legacy rows are covered.
type Store struct {
	db       *store.Store
	schema   *schema.Store
	builder  *query.Builder
	ledger   *history.Ledger
	sanitize Sanitizer
}

func NewStore(db *store.Store, sch *schema.Store, ledger *history.Ledger, sanitize Sanitizer) *Store {
	if sanitize == nil {
		sanitize = func(raw string) string { return raw }
	}
	return &Store{
		db:       db,
		schema:   sch,
		builder:  query.NewBuilder(sch.Types(), db.Dialect),
		ledger:   ledger,
		sanitize: sanitize,
	}
}

// Create inserts a record. Submitted fields not present in the schema are
// silently dropped; the identifier and last-modified values are always
// derived here, never taken from input. Returns the new id.
func (s *Store) Create(ctx context.Context, table string, values map[string]string, actor string) (string, error) {
	snap := s.schema.Snapshot()
	t, err := snap.Table(table)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timestampLayout)

	pb := s.db.Dialect.NewParamBuilder()
	cols := []string{schema.IDField, schema.LastModifiedField}
	phs := []string{pb.Add(id), pb.Add(now)}

	for _, f := range t.Fields {
		if f.Name == schema.IDField || f.Name == schema.LastModifiedField {
			continue
		}
		raw, ok := values[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		phs = append(phs, pb.Add(s.storedValue(f, raw)))
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	if _, err := store.Exec(ctx, s.db.DB, insert, pb.Params()...); err != nil {
		return "", err
	}

	s.ledger.Append(ctx, history.Entry{Table: table, RecordID: id, Actor: actor})
	return id, nil
}

// GetByID returns one record, or store.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, table, id string) (map[string]any, error) {
	snap := s.schema.Snapshot()
	t, err := snap.Table(table)
	if err != nil {
		return nil, err
	}

	pb := s.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		strings.Join(t.FieldNames(), ", "), table, schema.IDField, pb.Add(id))
	row, err := store.QueryRow(ctx, s.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	s.sanitizeRow(t, row)
	return row, nil
}

// Update writes one field of one record. The value is normalized first and
// compared against the stored value; a no-op change writes nothing and
// leaves no audit entry. A real change touches the last-modified marker
// and appends the old/new transition to the ledger.
func (s *Store) Update(ctx context.Context, table, id, field, value, actor string) error {
	snap := s.schema.Snapshot()
	f, err := snap.Field(table, field)
	if err != nil {
		return err
	}
	if field == schema.IDField {
		return &InvalidMutationError{Reason: "identifier field cannot be updated"}
	}

	current, err := s.GetByID(ctx, table, id)
	if err != nil {
		return err
	}

	newValue := s.normalized(f, value)
	oldValue := store.ToString(current[field])
	if oldValue == newValue {
		return nil
	}

	pb := s.db.Dialect.NewParamBuilder()
	update := fmt.Sprintf("UPDATE %s SET %s = %s", table, field, pb.Add(s.param(f, newValue)))
	if t, _ := snap.Table(table); t.HasField(schema.LastModifiedField) && field != schema.LastModifiedField {
		update += fmt.Sprintf(", %s = %s", schema.LastModifiedField,
			pb.Add(time.Now().UTC().Format(timestampLayout)))
	}
	update += fmt.Sprintf(" WHERE %s = %s", schema.IDField, pb.Add(id))
	if _, err := store.Exec(ctx, s.db.DB, update, pb.Params()...); err != nil {
		return err
	}

	s.ledger.Append(ctx, history.Entry{
		Table: table, RecordID: id, Field: field,
		Old: oldValue, New: newValue, Actor: actor,
	})
	return nil
}

// Delete removes one record. Relationships pointing at it are left in the
// ledger untouched; they survive for the audit trail.
func (s *Store) Delete(ctx context.Context, table, id, actor string) error {
	snap := s.schema.Snapshot()
	if _, err := snap.Table(table); err != nil {
		return err
	}

	pb := s.db.Dialect.NewParamBuilder()
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", table, schema.IDField, pb.Add(id))
	affected, err := store.Exec(ctx, s.db.DB, del, pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	s.ledger.Append(ctx, history.Entry{Table: table, RecordID: id, Actor: actor})
	return nil
}

// All lists records matching a filter spec, sorted and paged.
func (s *Store) All(ctx context.Context, table string, spec query.Spec, sortField, direction string, limit, offset int) ([]map[string]any, error) {
	snap := s.schema.Snapshot()
	t, err := snap.Table(table)
	if err != nil {
		return nil, err
	}

	pb := s.db.Dialect.NewParamBuilder()
	fragments, err := s.builder.Build(snap, table, spec, pb)
	if err != nil {
		return nil, err
	}

	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(t.FieldNames(), ", "), table)
	if len(fragments) > 0 {
		sqlStr += " WHERE " + strings.Join(fragments, " AND ")
	}

	if sortField != "" {
		col, err := snap.FieldIdent(table, sortField)
		if err != nil {
			return nil, err
		}
		dir := "ASC"
		if strings.EqualFold(direction, "desc") {
			dir = "DESC"
		}
		sqlStr += fmt.Sprintf(" ORDER BY %s %s", col, dir)
	}

	if limit > 0 {
		sqlStr += " LIMIT " + pb.Add(limit)
		if offset > 0 {
			sqlStr += " OFFSET " + pb.Add(offset)
		}
	}

	rows, err := store.QueryRows(ctx, s.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		s.sanitizeRow(t, row)
	}
	return rows, nil
}

// Count returns the number of records matching a filter spec.
func (s *Store) Count(ctx context.Context, table string, spec query.Spec) (int64, error) {
	snap := s.schema.Snapshot()
	if _, err := snap.Table(table); err != nil {
		return 0, err
	}

	pb := s.db.Dialect.NewParamBuilder()
	fragments, err := s.builder.Build(snap, table, spec, pb)
	if err != nil {
		return 0, err
	}

	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s", table)
	if len(fragments) > 0 {
		sqlStr += " WHERE " + strings.Join(fragments, " AND ")
	}
	row, err := store.QueryRow(ctx, s.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(row["cnt"]), nil
}

// CountNonNull counts records holding a non-empty value for the field.
func (s *Store) CountNonNull(ctx context.Context, table, field string) (int64, error) {
	snap := s.schema.Snapshot()
	col, err := snap.FieldIdent(table, field)
	if err != nil {
		return 0, err
	}
	tbl, _ := snap.TableIdent(table)

	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s WHERE %s IS NOT NULL AND %s != ''",
		tbl, col, col)
	row, err := store.QueryRow(ctx, s.db.DB, sqlStr)
	if err != nil {
		return 0, err
	}
	return store.ToInt64(row["cnt"]), nil
}

// FieldDistribution counts records per value. Multi-select values are
// split on the delimiter so each selected option counts once.
func (s *Store) FieldDistribution(ctx context.Context, table, field string) (map[string]int64, error) {
	snap := s.schema.Snapshot()
	f, err := snap.Field(table, field)
	if err != nil {
		return nil, err
	}
	col, _ := snap.FieldIdent(table, field)
	tbl, _ := snap.TableIdent(table)

	rows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL AND %s != ''", col, tbl, col, col))
	if err != nil {
		return nil, err
	}

	dist := make(map[string]int64)
	for _, row := range rows {
		value := store.ToString(row[field])
		if f.Type == fieldtype.MultiSelect {
			for _, part := range strings.Split(value, fieldtype.MultiSelectDelimiter) {
				if part != "" {
					dist[part]++
				}
			}
		} else {
			dist[value]++
		}
	}
	return dist, nil
}

// BulkUpdate applies one field change to many records. The ids argument
// must be a list; anything else is an InvalidMutationError. Row-level
// failures are logged and skipped so one bad row never aborts the batch.
// Returns the number of rows updated.
func (s *Store) BulkUpdate(ctx context.Context, table string, ids any, field, value, actor string) (int, error) {
	idList, err := toIDList(ids)
	if err != nil {
		return 0, err
	}
	if err := s.schema.ValidateField(table, field); err != nil {
		return 0, err
	}

	applied := 0
	for _, id := range idList {
		if err := s.Update(ctx, table, id, field, value, actor); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("WARN: bulk update skipped missing record %s/%s", table, id)
				continue
			}
			log.Printf("WARN: bulk update failed for %s/%s: %v", table, id, err)
			continue
		}
		applied++
	}
	return applied, nil
}

func toIDList(ids any) ([]string, error) {
	switch v := ids.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, &InvalidMutationError{Reason: fmt.Sprintf("id %v is not a string", item)}
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, &InvalidMutationError{Reason: "ids must be a list"}
	}
}

// normalized applies the field type's normalizer and, for long-form text,
// the sanitizer.
func (s *Store) normalized(f *schema.FieldDef, raw string) string {
	ft := s.schema.Types().Lookup(f.Type)
	v := ft.Apply(raw)
	if f.Type == fieldtype.TextArea {
		v = s.sanitize(v)
	}
	return v
}

// storedValue converts a normalized value to its storage parameter. Empty
// numeric values are stored as NULL; numeric-typed backends reject ''.
func (s *Store) storedValue(f *schema.FieldDef, raw string) any {
	return s.param(f, s.normalized(f, raw))
}

func (s *Store) param(f *schema.FieldDef, normalized string) any {
	ft := s.schema.Types().Lookup(f.Type)
	if normalized == "" && ft.StorageKind == "numeric" {
		return nil
	}
	return normalized
}

func (s *Store) sanitizeRow(t *schema.Table, row map[string]any) {
	for _, f := range t.Fields {
		if f.Type != fieldtype.TextArea {
			continue
		}
		if v, ok := row[f.Name].(string); ok && v != "" {
			row[f.Name] = s.sanitize(v)
		}
	}
}
