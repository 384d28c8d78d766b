package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string { return "datetime('now')" }

func (d *SQLiteDialect) ColumnType(storageKind string) string {
	switch storageKind {
	case "numeric":
		return "REAL"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = colType
	}
	return cols, rows.Err()
}

// RegexpExpr degrades to a substring match: modernc.org/sqlite registers no
// REGEXP function, and the filter contract documents this degradation.
func (d *SQLiteDialect) RegexpExpr(column string, pb ParamBuilder, pattern string) string {
	return fmt.Sprintf("%s LIKE %s", column, pb.Add("%"+pattern+"%"))
}

func (d *SQLiteDialect) InsertIgnoreSuffix(conflictCols string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictCols)
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tables (
    name        TEXT PRIMARY KEY,
    label       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    position    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _fields (
    table_name  TEXT NOT NULL,
    field_name  TEXT NOT NULL,
    field_type  TEXT NOT NULL,
    options     TEXT NOT NULL DEFAULT '[]',
    foreign_key TEXT NOT NULL DEFAULT '',
    col_start   INTEGER NOT NULL DEFAULT 1,
    col_span    INTEGER NOT NULL DEFAULT 6,
    row_start   INTEGER NOT NULL DEFAULT 1,
    row_span    INTEGER NOT NULL DEFAULT 4,
    styling     TEXT NOT NULL DEFAULT '{}',
    readonly    INTEGER NOT NULL DEFAULT 0,
    is_title    INTEGER NOT NULL DEFAULT 0,
    position    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, field_name)
);

CREATE TABLE IF NOT EXISTS _edit_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    table_name  TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    field_name  TEXT NOT NULL DEFAULT '',
    old_value   TEXT NOT NULL DEFAULT '',
    new_value   TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_edit_history_record ON _edit_history (table_name, record_id, id DESC);

CREATE TABLE IF NOT EXISTS _relationships (
    table_a    TEXT NOT NULL,
    id_a       TEXT NOT NULL,
    table_b    TEXT NOT NULL,
    id_b       TEXT NOT NULL,
    two_way    INTEGER NOT NULL DEFAULT 1,
    origin     TEXT NOT NULL DEFAULT 'a',
    created_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (table_a, id_a, table_b, id_b)
);
CREATE INDEX IF NOT EXISTS idx_relationships_b ON _relationships (table_b, id_b);

CREATE TABLE IF NOT EXISTS _automation_rules (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    table_name         TEXT NOT NULL,
    condition_field    TEXT NOT NULL,
    condition_operator TEXT NOT NULL DEFAULT 'equals',
    condition_value    TEXT NOT NULL DEFAULT '',
    action_field       TEXT NOT NULL,
    action_value       TEXT NOT NULL DEFAULT '',
    run_on_import      INTEGER NOT NULL DEFAULT 0,
    schedule           TEXT NOT NULL DEFAULT 'none',
    run_count          INTEGER NOT NULL DEFAULT 0,
    last_run           TEXT,
    created_at         TEXT DEFAULT (datetime('now')),
    updated_at         TEXT DEFAULT (datetime('now'))
);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
