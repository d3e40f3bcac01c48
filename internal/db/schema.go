package db

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the schema if it does not exist yet. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	// No arguments, so pgx sends this over the simple protocol and the
	// multi-statement script runs as one implicit transaction.
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
