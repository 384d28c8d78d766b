package schema

import "fmt"

// UnknownTableError means a table name is not in the managed catalog.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table: %s", e.Table)
}

// UnknownFieldError means a field name is not defined on a known table.
type UnknownFieldError struct {
	Table string
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field: %s.%s", e.Table, e.Field)
}

// ValueFailure identifies one stored value that failed validation during a
// type conversion.
type ValueFailure struct {
	RecordID string `json:"record_id"`
	Value    string `json:"value"`
	Reason   string `json:"reason"`
}

// TypeConversionError aborts a field type conversion and reports exactly
// which rows hold values the new type rejects.
type TypeConversionError struct {
	Table    string
	Field    string
	NewType  string
	Failures []ValueFailure
}

func (e *TypeConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s.%s to %s: %d value(s) failed validation",
		e.Table, e.Field, e.NewType, len(e.Failures))
}
