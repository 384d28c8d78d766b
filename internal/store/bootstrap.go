package store

import (
	"context"
	"fmt"
	"strings"
)

// Bootstrap creates the engine's metadata tables if they do not exist:
// the table catalog, the field metadata table, the edit-history ledger,
// the relationship ledger, and the automation rules table.
func (s *Store) Bootstrap(ctx context.Context) error {
	// pgx/stdlib prepares statements, so the DDL runs one statement at a time.
	for _, stmt := range splitStatements(s.Dialect.SystemTablesSQL()) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			stmts = append(stmts, part)
		}
	}
	return stmts
}
