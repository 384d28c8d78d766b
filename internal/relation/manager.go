package relation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gridstone/internal/history"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

// Item is one related record as seen from a queried endpoint.
type Item struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	TwoWay bool   `json:"two_way"`
}

// Group collects a record's relationships to one related table.
type Group struct {
	Label string `json:"label"`
	Items []Item `json:"items"`
}

// Manager maintains symmetric many-to-many associations in a single
// relationship ledger covering every pair of managed tables. Endpoints are
// stored in canonical order so a pair is found from either side regardless
// of insertion order. Relationships are not pruned when a record is
// deleted; dangling entries survive for the audit trail.
type Manager struct {
	db     *store.Store
	schema *schema.Store
	ledger *history.Ledger
}

func NewManager(db *store.Store, sch *schema.Store, ledger *history.Ledger) *Manager {
	return &Manager{db: db, schema: sch, ledger: ledger}
}

// canonical orders two endpoints deterministically. swapped reports that
// the caller's first endpoint landed on the B side.
func canonical(tableA, idA, tableB, idB string) (ta, ia, tb, ib string, swapped bool) {
	if tableA < tableB || (tableA == tableB && idA <= idB) {
		return tableA, idA, tableB, idB, false
	}
	return tableB, idB, tableA, idA, true
}

// Add links two records. Adding an already-present pair is a no-op success.
// A successful insert emits one history entry per endpoint.
func (m *Manager) Add(ctx context.Context, tableA, idA, tableB, idB string, twoWay bool, actor string) error {
	if err := m.schema.ValidateTable(tableA); err != nil {
		return err
	}
	if err := m.schema.ValidateTable(tableB); err != nil {
		return err
	}

	ta, ia, tb, ib, swapped := canonical(tableA, idA, tableB, idB)
	origin := "a"
	if swapped {
		origin = "b"
	}

	pb := m.db.Dialect.NewParamBuilder()
	insert := fmt.Sprintf(
		"INSERT INTO _relationships (table_a, id_a, table_b, id_b, two_way, origin) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(ta), pb.Add(ia), pb.Add(tb), pb.Add(ib), pb.Add(twoWay), pb.Add(origin))
	insert += m.db.Dialect.InsertIgnoreSuffix("table_a, id_a, table_b, id_b")

	affected, err := store.Exec(ctx, m.db.DB, insert, pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil // already linked
	}

	m.ledger.Append(ctx, history.Entry{
		Table: tableA, RecordID: idA,
		Field: history.RelationPrefix + tableB,
		New:   idB, Actor: actor,
	})
	m.ledger.Append(ctx, history.Entry{
		Table: tableB, RecordID: idB,
		Field: history.RelationPrefix + tableA,
		New:   idA, Actor: actor,
	})
	return nil
}

// Remove unlinks two records. Removing an absent pair is a no-op success.
// A successful delete emits the inverse transition on both sides.
func (m *Manager) Remove(ctx context.Context, tableA, idA, tableB, idB string, actor string) error {
	if err := m.schema.ValidateTable(tableA); err != nil {
		return err
	}
	if err := m.schema.ValidateTable(tableB); err != nil {
		return err
	}

	ta, ia, tb, ib, _ := canonical(tableA, idA, tableB, idB)

	pb := m.db.Dialect.NewParamBuilder()
	del := fmt.Sprintf(
		"DELETE FROM _relationships WHERE table_a = %s AND id_a = %s AND table_b = %s AND id_b = %s",
		pb.Add(ta), pb.Add(ia), pb.Add(tb), pb.Add(ib))

	affected, err := store.Exec(ctx, m.db.DB, del, pb.Params()...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil // nothing linked
	}

	m.ledger.Append(ctx, history.Entry{
		Table: tableA, RecordID: idA,
		Field: history.RelationPrefix + tableB,
		Old:   idB, Actor: actor,
	})
	m.ledger.Append(ctx, history.Entry{
		Table: tableB, RecordID: idB,
		Field: history.RelationPrefix + tableA,
		Old:   idA, Actor: actor,
	})
	return nil
}

// GetRelated returns everything linked to one record, grouped by related
// table. One-way relationships appear only when queried from their origin
// endpoint.
func (m *Manager) GetRelated(ctx context.Context, table, id string) (map[string]*Group, error) {
	if err := m.schema.ValidateTable(table); err != nil {
		return nil, err
	}

	pb := m.db.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT table_a, id_a, table_b, id_b, two_way, origin FROM _relationships
		 WHERE (table_a = %s AND id_a = %s) OR (table_b = %s AND id_b = %s)`,
		pb.Add(table), pb.Add(id), pb.Add(table), pb.Add(id))
	rows, err := store.QueryRows(ctx, m.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return nil, err
	}

	type endpoint struct {
		id     string
		twoWay bool
	}
	byTable := make(map[string][]endpoint)
	for _, row := range rows {
		ta := store.ToString(row["table_a"])
		ia := store.ToString(row["id_a"])
		tb := store.ToString(row["table_b"])
		ib := store.ToString(row["id_b"])
		twoWay := store.ToBool(row["two_way"])
		origin := store.ToString(row["origin"])

		onSideA := ta == table && ia == id
		if !twoWay {
			// One-way links are visible from their origin side only.
			if (onSideA && origin != "a") || (!onSideA && origin != "b") {
				continue
			}
		}
		if onSideA {
			byTable[tb] = append(byTable[tb], endpoint{id: ib, twoWay: twoWay})
		} else {
			byTable[ta] = append(byTable[ta], endpoint{id: ia, twoWay: twoWay})
		}
	}

	snap := m.schema.Snapshot()
	groups := make(map[string]*Group, len(byTable))
	for relTable, endpoints := range byTable {
		group := &Group{Label: relTable}
		if t, err := snap.Table(relTable); err == nil && t.Label != "" {
			group.Label = t.Label
		}

		ids := make([]string, len(endpoints))
		for i, ep := range endpoints {
			ids[i] = ep.id
		}
		names := m.titleValues(ctx, snap, relTable, ids)

		for _, ep := range endpoints {
			name := names[ep.id]
			if name == "" {
				name = ep.id
			}
			group.Items = append(group.Items, Item{ID: ep.id, Name: name, TwoWay: ep.twoWay})
		}
		sort.Slice(group.Items, func(i, j int) bool {
			return group.Items[i].Name < group.Items[j].Name
		})
		groups[relTable] = group
	}
	return groups, nil
}

// titleValues fetches the title-field value per related record id. Tables
// without a title field (or dangling ids) fall back to the id itself.
func (m *Manager) titleValues(ctx context.Context, snap *schema.Snapshot, table string, ids []string) map[string]string {
	names := make(map[string]string, len(ids))
	t, err := snap.Table(table)
	if err != nil || t.TitleField() == nil || len(ids) == 0 {
		return names
	}
	title := t.TitleField().Name

	pb := m.db.Dialect.NewParamBuilder()
	phs := make([]string, len(ids))
	for i, id := range ids {
		phs[i] = pb.Add(id)
	}
	sqlStr := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		schema.IDField, title, table, schema.IDField, strings.Join(phs, ", "))
	rows, err := store.QueryRows(ctx, m.db.DB, sqlStr, pb.Params()...)
	if err != nil {
		return names
	}
	for _, row := range rows {
		names[store.ToString(row[schema.IDField])] = store.ToString(row[title])
	}
	return names
}
