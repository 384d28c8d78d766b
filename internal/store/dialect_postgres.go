package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string { return "NOW()" }

func (d *PostgresDialect) ColumnType(storageKind string) string {
	switch storageKind {
	case "numeric":
		return "NUMERIC"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 AND table_schema = 'public'`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		cols[name] = dataType
	}
	return cols, rows.Err()
}

func (d *PostgresDialect) RegexpExpr(column string, pb ParamBuilder, pattern string) string {
	return fmt.Sprintf("%s ~ %s", column, pb.Add(pattern))
}

func (d *PostgresDialect) InsertIgnoreSuffix(conflictCols string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictCols)
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "does not exist") {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tables (
    name        TEXT PRIMARY KEY,
    label       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    position    INT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _fields (
    table_name  TEXT NOT NULL,
    field_name  TEXT NOT NULL,
    field_type  TEXT NOT NULL,
    options     TEXT NOT NULL DEFAULT '[]',
    foreign_key TEXT NOT NULL DEFAULT '',
    col_start   INT NOT NULL DEFAULT 1,
    col_span    INT NOT NULL DEFAULT 6,
    row_start   INT NOT NULL DEFAULT 1,
    row_span    INT NOT NULL DEFAULT 4,
    styling     TEXT NOT NULL DEFAULT '{}',
    readonly    BOOLEAN NOT NULL DEFAULT false,
    is_title    BOOLEAN NOT NULL DEFAULT false,
    position    INT NOT NULL DEFAULT 0,
    PRIMARY KEY (table_name, field_name)
);

CREATE TABLE IF NOT EXISTS _edit_history (
    id          BIGSERIAL PRIMARY KEY,
    table_name  TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    field_name  TEXT NOT NULL DEFAULT '',
    old_value   TEXT NOT NULL DEFAULT '',
    new_value   TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_edit_history_record ON _edit_history (table_name, record_id, id DESC);

CREATE TABLE IF NOT EXISTS _relationships (
    table_a    TEXT NOT NULL,
    id_a       TEXT NOT NULL,
    table_b    TEXT NOT NULL,
    id_b       TEXT NOT NULL,
    two_way    BOOLEAN NOT NULL DEFAULT true,
    origin     TEXT NOT NULL DEFAULT 'a',
    created_at TIMESTAMPTZ DEFAULT NOW(),
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
    run_on_import      BOOLEAN NOT NULL DEFAULT false,
    schedule           TEXT NOT NULL DEFAULT 'none',
    run_count          BIGINT NOT NULL DEFAULT 0,
    last_run           TIMESTAMPTZ,
    created_at         TIMESTAMPTZ DEFAULT NOW(),
    updated_at         TIMESTAMPTZ DEFAULT NOW()
);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
