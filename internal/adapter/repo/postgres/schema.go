package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Bootstrap applies the embedded schema. It is idempotent (every statement is
// CREATE ... IF NOT EXISTS) so it is safe to run on every process start
// instead of wiring a separate migration tool.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=schema.bootstrap: %w", err)
	}
	return nil
}
