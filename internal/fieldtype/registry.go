package fieldtype

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Built-in type names.
const (
	Text        = "text"
	TextArea    = "textarea"
	Number      = "number"
	Boolean     = "boolean"
	Select      = "select"
	MultiSelect = "multi_select"
	ForeignKey  = "foreign_key"
	URL         = "url"
	Date        = "date"
	Hidden      = "hidden"
)

// MultiSelectDelimiter joins and splits multi-valued fields. Values are
// stored as one delimited string; splitting is deterministic on this exact
// delimiter and values containing it are never rejected.
const MultiSelectDelimiter = ", "

// DateLayout is the stored form for date values.
const DateLayout = "2006-01-02"

// Validator checks a raw value against a type. A nil validator accepts
// everything.
type Validator func(value string) error

// Normalizer converts a raw value into its stored form. A nil normalizer
// is the identity.
type Normalizer func(value string) string

type FieldType struct {
	Name          string
	StorageKind   string // "text" or "numeric"
	DefaultWidth  int
	DefaultHeight int
	Validate      Validator
	Normalize     Normalizer
	Searchable    bool
	AllowsOptions bool
	// Known is false for the sentinel returned on unregistered lookups.
	Known bool
}

// Registry is the process-wide catalog of field types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]FieldType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]FieldType)}
}

// Register adds or replaces a type. Registration is idempotent per name;
// the last write wins.
func (r *Registry) Register(ft FieldType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ft.Known = true
	r.types[ft.Name] = ft
}

// Lookup returns the type for a name. Unregistered names yield a sentinel
// with safe defaults (width 6, height 4, no validator) and Known=false
// rather than an error.
func (r *Registry) Lookup(name string) FieldType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ft, ok := r.types[name]; ok {
		return ft
	}
	return FieldType{
		Name:          name,
		StorageKind:   "text",
		DefaultWidth:  6,
		DefaultHeight: 4,
	}
}

// SizeMap returns the default layout size per registered type.
func (r *Registry) SizeMap() map[string][2]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make(map[string][2]int, len(r.types))
	for name, ft := range r.types {
		sizes[name] = [2]int{ft.DefaultWidth, ft.DefaultHeight}
	}
	return sizes
}

// TextLike reports whether the type can back a title field.
func TextLike(name string) bool {
	switch name {
	case Text, TextArea, URL:
		return true
	}
	return false
}

// Defaults returns a registry with the ten built-in types.
func Defaults() *Registry {
	r := NewRegistry()

	r.Register(FieldType{
		Name: Text, StorageKind: "text",
		DefaultWidth: 6, DefaultHeight: 1,
		Searchable: true,
	})
	r.Register(FieldType{
		Name: TextArea, StorageKind: "text",
		DefaultWidth: 6, DefaultHeight: 4,
		Searchable: true,
	})
	r.Register(FieldType{
		Name: Number, StorageKind: "numeric",
		DefaultWidth: 3, DefaultHeight: 1,
		Validate:  validateNumber,
		Normalize: normalizeNumber,
	})
	r.Register(FieldType{
		Name: Boolean, StorageKind: "text",
		DefaultWidth: 2, DefaultHeight: 1,
		Normalize: normalizeBoolean,
	})
	r.Register(FieldType{
		Name: Select, StorageKind: "text",
		DefaultWidth: 3, DefaultHeight: 1,
		Searchable: true, AllowsOptions: true,
	})
	r.Register(FieldType{
		Name: MultiSelect, StorageKind: "text",
		DefaultWidth: 4, DefaultHeight: 2,
		Normalize:  normalizeMultiSelect,
		Searchable: true, AllowsOptions: true,
	})
	r.Register(FieldType{
		Name: ForeignKey, StorageKind: "text",
		DefaultWidth: 3, DefaultHeight: 1,
		Searchable: true, AllowsOptions: true,
	})
	r.Register(FieldType{
		Name: URL, StorageKind: "text",
		DefaultWidth: 6, DefaultHeight: 1,
		Validate:   validateURL,
		Normalize:  strings.TrimSpace,
		Searchable: true,
	})
	r.Register(FieldType{
		Name: Date, StorageKind: "text",
		DefaultWidth: 3, DefaultHeight: 1,
		Validate:  validateDate,
		Normalize: strings.TrimSpace,
	})
	r.Register(FieldType{
		Name: Hidden, StorageKind: "text",
		DefaultWidth: 0, DefaultHeight: 0,
	})

	return r
}

func validateNumber(value string) error {
	if value == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
		return fmt.Errorf("not a number: %q", value)
	}
	return nil
}

// normalizeNumber canonicalizes numeric text so "5.50", " 5.5" and "5.5"
// all store identically and match the form the backend hands back on read.
// Non-numeric input passes through trimmed; the validator rejects it.
func normalizeNumber(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func validateDate(value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("not a date (expected YYYY-MM-DD): %q", value)
	}
	return nil
}

func validateURL(value string) error {
	if value == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("not a URL: %q", value)
	}
	return nil
}

func normalizeBoolean(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "y":
		return "1"
	case "", "0", "false", "no", "off", "n":
		return "0"
	}
	return value
}

// normalizeMultiSelect re-joins the parts on the canonical delimiter so
// "red,blue" and "red, blue" store identically.
func normalizeMultiSelect(value string) string {
	if value == "" {
		return ""
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, MultiSelectDelimiter)
}

// Apply runs the type's normalizer, if any.
func (ft FieldType) Apply(value string) string {
	if ft.Normalize == nil {
		return value
	}
	return ft.Normalize(value)
}

// Check runs the type's validator, if any.
func (ft FieldType) Check(value string) error {
	if ft.Validate == nil {
		return nil
	}
	return ft.Validate(value)
}
