package history

import (
	"context"
	"fmt"
	"log"
	"strings"

	"gridstone/internal/store"
)

// RelationPrefix marks ledger entries describing relationship changes; the
// suffix is the related table name.
const RelationPrefix = "relation_"

// UndoActor tags entries written by a revert so they are visible in the
// trail but recognizable as reversals.
const UndoActor = "undo"

// Entry is one append-only audit record. A field-level change carries the
// field name; record-level events (create, delete) leave it empty.
type Entry struct {
	ID        int64  `json:"id"`
	Table     string `json:"table"`
	RecordID  string `json:"record_id"`
	Field     string `json:"field"`
	Old       string `json:"old"`
	New       string `json:"new"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at"`
}

// IsRelation reports whether the entry describes a relationship change.
func (e Entry) IsRelation() bool {
	return strings.HasPrefix(e.Field, RelationPrefix)
}

// RelatedTable returns the target table of a relationship entry.
func (e Entry) RelatedTable() string {
	return strings.TrimPrefix(e.Field, RelationPrefix)
}

// Ledger is the append-only edit-history store. Any mutation path may
// write to it; only the undo logic reads it for reversal.
type Ledger struct {
	db *store.Store
}

func NewLedger(db *store.Store) *Ledger {
	return &Ledger{db: db}
}

// Append writes one entry, best-effort: a failed history write never blocks
// or rolls back the mutation it describes, it is only logged.
func (l *Ledger) Append(ctx context.Context, e Entry) {
	pb := l.db.Dialect.NewParamBuilder()
	insert := fmt.Sprintf(
		"INSERT INTO _edit_history (table_name, record_id, field_name, old_value, new_value, actor) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(e.Table), pb.Add(e.RecordID), pb.Add(e.Field), pb.Add(e.Old), pb.Add(e.New), pb.Add(e.Actor))
	if _, err := store.Exec(ctx, l.db.DB, insert, pb.Params()...); err != nil {
		log.Printf("WARN: edit history write failed for %s/%s (%s): %v", e.Table, e.RecordID, e.Field, err)
	}
}

// History returns a record's entries newest-first. limit <= 0 means no limit.
func (l *Ledger) History(ctx context.Context, table, recordID string, limit int) ([]Entry, error) {
	pb := l.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		"SELECT id, table_name, record_id, field_name, old_value, new_value, actor, created_at FROM _edit_history WHERE table_name = %s AND record_id = %s ORDER BY id DESC",
		pb.Add(table), pb.Add(recordID))
	if limit > 0 {
		sqlStr += " LIMIT " + pb.Add(limit)
	}
	rows, err := store.QueryRows(ctx, l.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, entryFromRow(row))
	}
	return entries, nil
}

// GetEntry returns one entry by id, or store.ErrNotFound.
func (l *Ledger) GetEntry(ctx context.Context, id int64) (Entry, error) {
	pb := l.db.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, l.db.DB, fmt.Sprintf(
		"SELECT id, table_name, record_id, field_name, old_value, new_value, actor, created_at FROM _edit_history WHERE id = %s",
		pb.Add(id)), pb.Params()...)
	if err != nil {
		return Entry{}, err
	}
	return entryFromRow(row), nil
}

func entryFromRow(row map[string]any) Entry {
	return Entry{
		ID:        store.ToInt64(row["id"]),
		Table:     store.ToString(row["table_name"]),
		RecordID:  store.ToString(row["record_id"]),
		Field:     store.ToString(row["field_name"]),
		Old:       store.ToString(row["old_value"]),
		New:       store.ToString(row["new_value"]),
		Actor:     store.ToString(row["actor"]),
		CreatedAt: store.ToString(row["created_at"]),
	}
}
