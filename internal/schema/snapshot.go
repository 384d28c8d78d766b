package schema

// Ident is a table or field name that has been checked against the schema
// snapshot. All dynamic SQL construction takes Idents, never raw strings,
// so unvalidated external input cannot reach an identifier position.
type Ident struct {
	name string
}

func (i Ident) String() string { return i.name }

// Layout is a field's position on the record form grid.
type Layout struct {
	ColStart int `json:"col_start"`
	ColSpan  int `json:"col_span"`
	RowStart int `json:"row_start"`
	RowSpan  int `json:"row_span"`
}

// FieldDef describes one field of a managed table.
type FieldDef struct {
	Table      string            `json:"-"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Options    []string          `json:"options"`
	ForeignKey string            `json:"foreign_key,omitempty"`
	Layout     Layout            `json:"layout"`
	Styling    map[string]string `json:"styling,omitempty"`
	ReadOnly   bool              `json:"readonly,omitempty"`
	IsTitle    bool              `json:"is_title,omitempty"`
	Position   int               `json:"-"`
}

// Table describes one managed table: its catalog entry plus ordered fields.
type Table struct {
	Name        string
	Label       string
	Description string
	Position    int
	Fields      []*FieldDef

	byName map[string]*FieldDef
}

// Field returns the field with the given name, or nil.
func (t *Table) Field(name string) *FieldDef {
	return t.byName[name]
}

// HasField returns true if the table defines the field.
func (t *Table) HasField(name string) bool {
	return t.Field(name) != nil
}

// FieldNames returns all field names in display order.
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// TitleField returns the field flagged is_title, or nil. At most one field
// per table carries the flag.
func (t *Table) TitleField() *FieldDef {
	for _, f := range t.Fields {
		if f.IsTitle {
			return f
		}
	}
	return nil
}

// Snapshot is an immutable view of the full schema at a point in time.
// Mutations build a new snapshot and swap it in; a snapshot is never
// edited in place, so concurrent readers see old or new, never a mix.
type Snapshot struct {
	tables  map[string]*Table
	ordered []*Table
}

func newSnapshot(tables []*Table) *Snapshot {
	snap := &Snapshot{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		t.byName = make(map[string]*FieldDef, len(t.Fields))
		for _, f := range t.Fields {
			t.byName[f.Name] = f
		}
		snap.tables[t.Name] = t
		snap.ordered = append(snap.ordered, t)
	}
	return snap
}

// Table returns the named table or an UnknownTableError.
func (s *Snapshot) Table(name string) (*Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, &UnknownTableError{Table: name}
	}
	return t, nil
}

// Field returns the named field or an UnknownTableError/UnknownFieldError.
func (s *Snapshot) Field(table, field string) (*FieldDef, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	f := t.Field(field)
	if f == nil {
		return nil, &UnknownFieldError{Table: table, Field: field}
	}
	return f, nil
}

// Tables returns all tables in display-catalog order.
func (s *Snapshot) Tables() []*Table {
	return s.ordered
}

// HasTable reports whether the table is managed.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.tables[name]
	return ok
}

// TableIdent validates a table name and returns it as a SQL-safe Ident.
func (s *Snapshot) TableIdent(name string) (Ident, error) {
	if _, ok := s.tables[name]; !ok {
		return Ident{}, &UnknownTableError{Table: name}
	}
	return Ident{name: name}, nil
}

// FieldIdent validates a field name and returns it as a SQL-safe Ident.
func (s *Snapshot) FieldIdent(table, field string) (Ident, error) {
	if _, err := s.Field(table, field); err != nil {
		return Ident{}, err
	}
	return Ident{name: field}, nil
}
