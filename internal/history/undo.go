package history

import (
	"context"
	"fmt"
)

// RecordUpdater is the slice of the record store undo needs.
type RecordUpdater interface {
	Update(ctx context.Context, table, id, field, value, actor string) error
}

// RelationEditor is the slice of the relationship manager undo needs.
type RelationEditor interface {
	Add(ctx context.Context, tableA, idA, tableB, idB string, twoWay bool, actor string) error
	Remove(ctx context.Context, tableA, idA, tableB, idB string, actor string) error
}

// Undoer reverses individual history entries.
type Undoer struct {
	ledger    *Ledger
	records   RecordUpdater
	relations RelationEditor
}

func NewUndoer(ledger *Ledger, records RecordUpdater, relations RelationEditor) *Undoer {
	return &Undoer{ledger: ledger, records: records, relations: relations}
}

// Revert reverses one entry. A relationship entry reverses through the
// relationship manager; a plain field entry writes the old value back
// through the record store, which logs the reversal under the undo actor.
// An entry with neither old nor new value is ambiguous and fails cleanly.
func (u *Undoer) Revert(ctx context.Context, e Entry) error {
	if e.Old == "" && e.New == "" {
		return fmt.Errorf("cannot revert entry %d: no old or new value to restore", e.ID)
	}

	if e.IsRelation() {
		target := e.RelatedTable()
		switch {
		case e.Old == "" && e.New != "":
			// The entry recorded an added relationship; reverting removes it.
			return u.relations.Remove(ctx, e.Table, e.RecordID, target, e.New, UndoActor)
		case e.Old != "" && e.New == "":
			// The entry recorded a removal; reverting re-links the pair.
			// The original direction flag is not part of the entry, so the
			// restored relationship is two-way.
			return u.relations.Add(ctx, e.Table, e.RecordID, target, e.Old, true, UndoActor)
		default:
			return fmt.Errorf("cannot revert relation entry %d: both endpoints set", e.ID)
		}
	}

	if e.Field == "" {
		return fmt.Errorf("cannot revert entry %d: no field recorded", e.ID)
	}
	return u.records.Update(ctx, e.Table, e.RecordID, e.Field, e.Old, UndoActor)
}

// RevertByID loads an entry and reverses it.
func (u *Undoer) RevertByID(ctx context.Context, id int64) error {
	e, err := u.ledger.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	return u.Revert(ctx, e)
}
