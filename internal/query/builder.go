package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gridstone/internal/fieldtype"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

// Filter operators. Contains is the default when no override is given.
const (
	OpEquals      = "equals"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpRegex       = "regex"
)

// Combination modes for multi-valued filters.
const (
	ModeAny = "any" // OR
	ModeAll = "all" // AND
)

// Spec is a declarative filter: field values, per-field operator overrides,
// per-field combination modes, and an optional free-text search.
//
// Field keys may carry range suffixes decoded before schema validation:
// _min/_max bound a numeric field, _start/_end bound a date field
// inclusively. A _start/_end pair on the same base field merges into one
// BETWEEN fragment.
type Spec struct {
	Search    string
	Filters   map[string][]string
	Operators map[string]string
	Modes     map[string]string
}

// Builder translates filter specs into predicate fragments plus positional
// parameters. Fragments compose into one conjunctive WHERE clause; each
// field key contributes exactly one fragment (itself an OR/AND group).
type Builder struct {
	types   *fieldtype.Registry
	dialect store.Dialect
}

func NewBuilder(types *fieldtype.Registry, dialect store.Dialect) *Builder {
	return &Builder{types: types, dialect: dialect}
}

type dateRange struct {
	start, end string
	hasStart   bool
	hasEnd     bool
}

// Build validates every field key against the snapshot and appends the
// resulting fragments' parameters to pb. Unknown field names fail the whole
// call; they are never silently ignored.
func (b *Builder) Build(snap *schema.Snapshot, table string, spec Spec, pb store.ParamBuilder) ([]string, error) {
	t, err := snap.Table(table)
	if err != nil {
		return nil, err
	}

	var plainKeys []string
	numericBounds := make(map[string]string) // key -> operator (>= or <=)
	dateRanges := make(map[string]*dateRange)

	for key := range spec.Filters {
		switch {
		case t.HasField(key):
			plainKeys = append(plainKeys, key)
		case strings.HasSuffix(key, "_min") || strings.HasSuffix(key, "_max"):
			base := key[:len(key)-4]
			if !t.HasField(base) {
				return nil, &schema.UnknownFieldError{Table: table, Field: base}
			}
			if strings.HasSuffix(key, "_min") {
				numericBounds[key] = ">="
			} else {
				numericBounds[key] = "<="
			}
		case strings.HasSuffix(key, "_start") || strings.HasSuffix(key, "_end"):
			var base string
			isStart := strings.HasSuffix(key, "_start")
			if isStart {
				base = key[:len(key)-6]
			} else {
				base = key[:len(key)-4]
			}
			if !t.HasField(base) {
				return nil, &schema.UnknownFieldError{Table: table, Field: base}
			}
			r := dateRanges[base]
			if r == nil {
				r = &dateRange{}
				dateRanges[base] = r
			}
			if isStart {
				r.start, r.hasStart = firstValue(spec.Filters[key]), true
			} else {
				r.end, r.hasEnd = firstValue(spec.Filters[key]), true
			}
		default:
			return nil, &schema.UnknownFieldError{Table: table, Field: key}
		}
	}

	var fragments []string

	sort.Strings(plainKeys)
	for _, key := range plainKeys {
		col, _ := snap.FieldIdent(table, key)
		frag := b.fieldGroup(col, spec.Filters[key], spec.Operators[key], spec.Modes[key], pb)
		if frag != "" {
			fragments = append(fragments, frag)
		}
	}

	boundKeys := make([]string, 0, len(numericBounds))
	for key := range numericBounds {
		boundKeys = append(boundKeys, key)
	}
	sort.Strings(boundKeys)
	for _, key := range boundKeys {
		base := key[:len(key)-4]
		col, _ := snap.FieldIdent(table, base)
		raw := firstValue(spec.Filters[key])
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric bound %s=%q", key, raw)
		}
		fragments = append(fragments,
			fmt.Sprintf("CAST(%s AS REAL) %s %s", col, numericBounds[key], pb.Add(n)))
	}

	rangeKeys := make([]string, 0, len(dateRanges))
	for base := range dateRanges {
		rangeKeys = append(rangeKeys, base)
	}
	sort.Strings(rangeKeys)
	for _, base := range rangeKeys {
		col, _ := snap.FieldIdent(table, base)
		r := dateRanges[base]
		switch {
		case r.hasStart && r.hasEnd:
			fragments = append(fragments,
				fmt.Sprintf("%s BETWEEN %s AND %s", col, pb.Add(r.start), pb.Add(r.end)))
		case r.hasStart:
			fragments = append(fragments, fmt.Sprintf("%s >= %s", col, pb.Add(r.start)))
		default:
			fragments = append(fragments, fmt.Sprintf("%s <= %s", col, pb.Add(r.end)))
		}
	}

	if spec.Search != "" {
		if frag := b.searchGroup(snap, t, spec.Search, pb); frag != "" {
			fragments = append(fragments, frag)
		}
	}

	return fragments, nil
}

// fieldGroup builds the single fragment for one field key: every raw value
// matched with the field's operator, combined per its mode.
func (b *Builder) fieldGroup(col schema.Ident, values []string, op, mode string, pb store.ParamBuilder) string {
	if len(values) == 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, b.match(col, op, v, pb))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	joiner := " OR "
	if mode == ModeAll {
		joiner = " AND "
	}
	return "(" + strings.Join(parts, joiner) + ")"
}

func (b *Builder) match(col schema.Ident, op, value string, pb store.ParamBuilder) string {
	switch op {
	case OpEquals:
		return fmt.Sprintf("%s = %s", col, pb.Add(value))
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE %s", col, pb.Add(value+"%"))
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE %s", col, pb.Add("%"+value))
	case OpNotContains:
		return fmt.Sprintf("%s NOT LIKE %s", col, pb.Add("%"+value+"%"))
	case OpRegex:
		// Pattern match where the backend supports it; the SQLite dialect
		// degrades this to a substring match.
		return b.dialect.RegexpExpr(col.String(), pb, value)
	default: // contains
		return fmt.Sprintf("%s LIKE %s", col, pb.Add("%"+value+"%"))
	}
}

// searchGroup expands free-text search into an OR group of substring
// matches over every field whose type is searchable.
func (b *Builder) searchGroup(snap *schema.Snapshot, t *schema.Table, search string, pb store.ParamBuilder) string {
	var parts []string
	for _, f := range t.Fields {
		if !b.types.Lookup(f.Type).Searchable {
			continue
		}
		col, _ := snap.FieldIdent(t.Name, f.Name)
		parts = append(parts, fmt.Sprintf("%s LIKE %s", col, pb.Add("%"+search+"%")))
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
