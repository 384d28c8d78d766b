package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"gridstone/internal/fieldtype"
	"gridstone/internal/store"
)

// Seeded field names. Every managed table carries an identifier and a
// hidden last-modified marker alongside its title field.
const (
	IDField           = "id"
	LastModifiedField = "last_modified"
	DefaultTitleField = "name"
)

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Store owns the schema snapshot cache. It is the single writer: every
// metadata mutation rebuilds the snapshot from storage and swaps it in.
type Store struct {
	db    *store.Store
	types *fieldtype.Registry

	mu   sync.RWMutex
	snap *Snapshot
}

func NewStore(db *store.Store, types *fieldtype.Registry) *Store {
	return &Store{db: db, types: types, snap: newSnapshot(nil)}
}

// Types returns the field-type registry the store validates against.
func (s *Store) Types() *fieldtype.Registry { return s.types }

// Snapshot returns the current schema snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ValidateTable fails with UnknownTableError if the table is not managed.
func (s *Store) ValidateTable(name string) error {
	_, err := s.Snapshot().Table(name)
	return err
}

// ValidateField fails with UnknownFieldError (or UnknownTableError) if the
// field is not defined.
func (s *Store) ValidateField(table, field string) error {
	_, err := s.Snapshot().Field(table, field)
	return err
}

// Load rebuilds the snapshot from the persisted metadata tables.
func (s *Store) Load(ctx context.Context) error {
	tableRows, err := store.QueryRows(ctx, s.db.DB,
		"SELECT name, label, description, position FROM _tables ORDER BY position, name")
	if err != nil {
		return fmt.Errorf("load table catalog: %w", err)
	}

	fieldRows, err := store.QueryRows(ctx, s.db.DB,
		`SELECT table_name, field_name, field_type, options, foreign_key,
		        col_start, col_span, row_start, row_span, styling, readonly, is_title, position
		 FROM _fields ORDER BY table_name, position, field_name`)
	if err != nil {
		return fmt.Errorf("load field metadata: %w", err)
	}

	fieldsByTable := make(map[string][]*FieldDef)
	for _, row := range fieldRows {
		f := &FieldDef{
			Table:      store.ToString(row["table_name"]),
			Name:       store.ToString(row["field_name"]),
			Type:       store.ToString(row["field_type"]),
			Options:    decodeOptions(store.ToString(row["options"])),
			ForeignKey: store.ToString(row["foreign_key"]),
			Layout: Layout{
				ColStart: int(store.ToInt64(row["col_start"])),
				ColSpan:  int(store.ToInt64(row["col_span"])),
				RowStart: int(store.ToInt64(row["row_start"])),
				RowSpan:  int(store.ToInt64(row["row_span"])),
			},
			Styling:  decodeStyling(store.ToString(row["styling"])),
			ReadOnly: store.ToBool(row["readonly"]),
			IsTitle:  store.ToBool(row["is_title"]),
			Position: int(store.ToInt64(row["position"])),
		}
		fieldsByTable[f.Table] = append(fieldsByTable[f.Table], f)
	}

	tables := make([]*Table, 0, len(tableRows))
	for _, row := range tableRows {
		name := store.ToString(row["name"])
		tables = append(tables, &Table{
			Name:        name,
			Label:       store.ToString(row["label"]),
			Description: store.ToString(row["description"]),
			Position:    int(store.ToInt64(row["position"])),
			Fields:      fieldsByTable[name],
		})
	}

	s.mu.Lock()
	s.snap = newSnapshot(tables)
	s.mu.Unlock()
	return nil
}

// decodeOptions tolerates malformed stored option lists, degrading to an
// empty list with a warning.
func decodeOptions(raw string) []string {
	if raw == "" || raw == "[]" {
		return []string{}
	}
	var opts []string
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		log.Printf("WARN: malformed field options %q, defaulting to empty list: %v", raw, err)
		return []string{}
	}
	return opts
}

func decodeStyling(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var styling map[string]string
	if err := json.Unmarshal([]byte(raw), &styling); err != nil {
		log.Printf("WARN: malformed field styling %q, ignoring: %v", raw, err)
		return nil
	}
	return styling
}

// CreateTable creates a managed table as one unit: the backing storage, the
// seeded identifier/title/last-modified fields, and the display-catalog
// entry. The relationship ledger covers every table pair, so no per-pair
// setup is needed. Partial failure rolls the whole unit back.
func (s *Store) CreateTable(ctx context.Context, name, label, description, titleField string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name: %q", name)
	}
	if s.Snapshot().HasTable(name) {
		return fmt.Errorf("table already exists: %s", name)
	}
	if titleField == "" {
		titleField = DefaultTitleField
	}
	if !identPattern.MatchString(titleField) {
		return fmt.Errorf("invalid title field name: %q", titleField)
	}
	if titleField == IDField || titleField == LastModifiedField {
		return fmt.Errorf("title field name %q is reserved", titleField)
	}
	if label == "" {
		label = name
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ddl := fmt.Sprintf("CREATE TABLE %s (%s TEXT PRIMARY KEY, %s TEXT, %s TEXT)",
			name, IDField, titleField, LastModifiedField)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return &store.StorageError{Op: "create table " + name, Err: err}
		}

		pb := s.db.Dialect.NewParamBuilder()
		catalogSQL := fmt.Sprintf(
			"INSERT INTO _tables (name, label, description, position) VALUES (%s, %s, %s, (SELECT COALESCE(MAX(t.position), 0) + 1 FROM _tables t))",
			pb.Add(name), pb.Add(label), pb.Add(description))
		if _, err := tx.ExecContext(ctx, catalogSQL, pb.Params()...); err != nil {
			return &store.StorageError{Op: "register table " + name, Err: err}
		}

		seeds := []*FieldDef{
			{Table: name, Name: IDField, Type: fieldtype.Hidden, ReadOnly: true, Position: 0},
			{Table: name, Name: titleField, Type: fieldtype.Text, IsTitle: true, Position: 1},
			{Table: name, Name: LastModifiedField, Type: fieldtype.Hidden, ReadOnly: true, Position: 2},
		}
		for _, f := range seeds {
			s.applyDefaultLayout(f)
			if err := s.insertFieldMeta(ctx, tx, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

// FieldSpec is the operator-supplied part of a new field.
type FieldSpec struct {
	Name       string
	Type       string
	Options    []string
	ForeignKey string
}

// AddField adds a field and its backing column as one unit.
func (s *Store) AddField(ctx context.Context, table string, spec FieldSpec) error {
	snap := s.Snapshot()
	t, err := snap.Table(table)
	if err != nil {
		return err
	}
	if !identPattern.MatchString(spec.Name) {
		return fmt.Errorf("invalid field name: %q", spec.Name)
	}
	if t.HasField(spec.Name) {
		return fmt.Errorf("field already exists: %s.%s", table, spec.Name)
	}

	ft := s.types.Lookup(spec.Type)
	if !ft.Known {
		return fmt.Errorf("unknown field type: %q", spec.Type)
	}
	if len(spec.Options) > 0 && !ft.AllowsOptions {
		return fmt.Errorf("field type %s does not take options", spec.Type)
	}
	if spec.ForeignKey != "" && !snap.HasTable(spec.ForeignKey) {
		return &UnknownTableError{Table: spec.ForeignKey}
	}

	f := &FieldDef{
		Table:      table,
		Name:       spec.Name,
		Type:       spec.Type,
		Options:    spec.Options,
		ForeignKey: spec.ForeignKey,
		Position:   len(t.Fields),
	}
	s.applyDefaultLayout(f)

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			table, spec.Name, s.db.Dialect.ColumnType(ft.StorageKind))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return &store.StorageError{Op: fmt.Sprintf("add column %s.%s", table, spec.Name), Err: err}
		}
		return s.insertFieldMeta(ctx, tx, f)
	})
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

// DropField removes a field's metadata and physically rebuilds the backing
// table without its column (copy, drop, rename) in a single transaction.
func (s *Store) DropField(ctx context.Context, table, field string) error {
	snap := s.Snapshot()
	t, err := snap.Table(table)
	if err != nil {
		return err
	}
	f := t.Field(field)
	if f == nil {
		return &UnknownFieldError{Table: table, Field: field}
	}
	if field == IDField {
		return fmt.Errorf("cannot drop identifier field %s.%s", table, field)
	}

	var keep []*FieldDef
	for _, other := range t.Fields {
		if other.Name != field {
			keep = append(keep, other)
		}
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		tmp := table + "__rebuild"
		cols := make([]string, 0, len(keep))
		defs := make([]string, 0, len(keep))
		for _, k := range keep {
			cols = append(cols, k.Name)
			colType := s.db.Dialect.ColumnType(s.types.Lookup(k.Type).StorageKind)
			if k.Name == IDField {
				colType += " PRIMARY KEY"
			}
			defs = append(defs, k.Name+" "+colType)
		}

		stmts := []string{
			fmt.Sprintf("CREATE TABLE %s (%s)", tmp, strings.Join(defs, ", ")),
			fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
				tmp, strings.Join(cols, ", "), strings.Join(cols, ", "), table),
			fmt.Sprintf("DROP TABLE %s", table),
			fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmp, table),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &store.StorageError{Op: fmt.Sprintf("rebuild %s without %s", table, field), Err: err}
			}
		}

		pb := s.db.Dialect.NewParamBuilder()
		del := fmt.Sprintf("DELETE FROM _fields WHERE table_name = %s AND field_name = %s",
			pb.Add(table), pb.Add(field))
		if _, err := tx.ExecContext(ctx, del, pb.Params()...); err != nil {
			return &store.StorageError{Op: fmt.Sprintf("delete field meta %s.%s", table, field), Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

// ConvertFieldType changes a field's declared type after validating every
// stored non-null value against the new type. Any invalid value aborts the
// conversion and the error reports which rows failed.
func (s *Store) ConvertFieldType(ctx context.Context, table, field, newType string) error {
	snap := s.Snapshot()
	if _, err := snap.Field(table, field); err != nil {
		return err
	}
	ft := s.types.Lookup(newType)
	if !ft.Known {
		return fmt.Errorf("unknown field type: %q", newType)
	}

	rows, err := store.QueryRows(ctx, s.db.DB,
		fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IS NOT NULL AND %s != ''",
			IDField, field, table, field, field))
	if err != nil {
		return err
	}

	var failures []ValueFailure
	for _, row := range rows {
		value := store.ToString(row[field])
		if err := ft.Check(value); err != nil {
			failures = append(failures, ValueFailure{
				RecordID: store.ToString(row[IDField]),
				Value:    value,
				Reason:   err.Error(),
			})
		}
	}
	if len(failures) > 0 {
		return &TypeConversionError{Table: table, Field: field, NewType: newType, Failures: failures}
	}

	pb := s.db.Dialect.NewParamBuilder()
	update := fmt.Sprintf("UPDATE _fields SET field_type = %s WHERE table_name = %s AND field_name = %s",
		pb.Add(newType), pb.Add(table), pb.Add(field))
	if _, err := store.Exec(ctx, s.db.DB, update, pb.Params()...); err != nil {
		return err
	}
	return s.Load(ctx)
}

// LayoutItem positions one field on the form grid.
type LayoutItem struct {
	Field  string `json:"field"`
	Layout Layout `json:"layout"`
}

// UpdateLayout applies layout positions for several fields as one unit.
func (s *Store) UpdateLayout(ctx context.Context, table string, items []LayoutItem) error {
	snap := s.Snapshot()
	for _, item := range items {
		if _, err := snap.Field(table, item.Field); err != nil {
			return err
		}
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			pb := s.db.Dialect.NewParamBuilder()
			update := fmt.Sprintf(
				"UPDATE _fields SET col_start = %s, col_span = %s, row_start = %s, row_span = %s WHERE table_name = %s AND field_name = %s",
				pb.Add(item.Layout.ColStart), pb.Add(item.Layout.ColSpan),
				pb.Add(item.Layout.RowStart), pb.Add(item.Layout.RowSpan),
				pb.Add(table), pb.Add(item.Field))
			if _, err := tx.ExecContext(ctx, update, pb.Params()...); err != nil {
				return &store.StorageError{Op: fmt.Sprintf("update layout %s.%s", table, item.Field), Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

// UpdateStyling replaces a field's styling map.
func (s *Store) UpdateStyling(ctx context.Context, table, field string, styling map[string]string) error {
	if err := s.ValidateField(table, field); err != nil {
		return err
	}
	blob, err := json.Marshal(styling)
	if err != nil {
		return fmt.Errorf("encode styling: %w", err)
	}

	pb := s.db.Dialect.NewParamBuilder()
	update := fmt.Sprintf("UPDATE _fields SET styling = %s WHERE table_name = %s AND field_name = %s",
		pb.Add(string(blob)), pb.Add(table), pb.Add(field))
	if _, err := store.Exec(ctx, s.db.DB, update, pb.Params()...); err != nil {
		return err
	}
	return s.Load(ctx)
}

// SetTitleField moves the is_title flag to the given field. The flag lives
// on at most one field per table and only text-like types can carry it.
func (s *Store) SetTitleField(ctx context.Context, table, field string) error {
	f, err := s.Snapshot().Field(table, field)
	if err != nil {
		return err
	}
	if !fieldtype.TextLike(f.Type) {
		return fmt.Errorf("title field must be text-like, %s.%s is %s", table, field, f.Type)
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		pb := s.db.Dialect.NewParamBuilder()
		clearSQL := fmt.Sprintf("UPDATE _fields SET is_title = %s WHERE table_name = %s",
			pb.Add(false), pb.Add(table))
		if _, err := tx.ExecContext(ctx, clearSQL, pb.Params()...); err != nil {
			return &store.StorageError{Op: "clear title flag " + table, Err: err}
		}

		pb = s.db.Dialect.NewParamBuilder()
		set := fmt.Sprintf("UPDATE _fields SET is_title = %s WHERE table_name = %s AND field_name = %s",
			pb.Add(true), pb.Add(table), pb.Add(field))
		if _, err := tx.ExecContext(ctx, set, pb.Params()...); err != nil {
			return &store.StorageError{Op: fmt.Sprintf("set title flag %s.%s", table, field), Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Load(ctx)
}

func (s *Store) applyDefaultLayout(f *FieldDef) {
	if f.Layout != (Layout{}) {
		return
	}
	ft := s.types.Lookup(f.Type)
	f.Layout = Layout{ColStart: 1, ColSpan: ft.DefaultWidth, RowStart: 1, RowSpan: ft.DefaultHeight}
}

func (s *Store) insertFieldMeta(ctx context.Context, tx *sql.Tx, f *FieldDef) error {
	opts := []byte("[]")
	if len(f.Options) > 0 {
		var err error
		if opts, err = json.Marshal(f.Options); err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
	}
	styling := "{}"
	if len(f.Styling) > 0 {
		blob, err := json.Marshal(f.Styling)
		if err != nil {
			return fmt.Errorf("encode styling: %w", err)
		}
		styling = string(blob)
	}

	pb := s.db.Dialect.NewParamBuilder()
	insert := fmt.Sprintf(
		`INSERT INTO _fields (table_name, field_name, field_type, options, foreign_key,
		                      col_start, col_span, row_start, row_span, styling, readonly, is_title, position)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(f.Table), pb.Add(f.Name), pb.Add(f.Type), pb.Add(string(opts)), pb.Add(f.ForeignKey),
		pb.Add(f.Layout.ColStart), pb.Add(f.Layout.ColSpan), pb.Add(f.Layout.RowStart), pb.Add(f.Layout.RowSpan),
		pb.Add(styling), pb.Add(f.ReadOnly), pb.Add(f.IsTitle), pb.Add(f.Position))
	if _, err := tx.ExecContext(ctx, insert, pb.Params()...); err != nil {
		return &store.StorageError{Op: fmt.Sprintf("insert field meta %s.%s", f.Table, f.Name), Err: err}
	}
	return nil
}
