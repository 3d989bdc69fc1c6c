// Package postgres implements the store repositories on PostgreSQL.
//
// Rows map one-to-one onto the relational layout the lease discipline is
// specified against: an execution_states table keyed by (tenant_id,
// execution_id) with JSONB columns for context, history and the active plan,
// plus the two lease columns server_node_id and last_heartbeat_at. Partial
// indexes keep heartbeats and sweeps proportional to the number of active
// leases rather than the total number of executions.
//
// Callers open a handle with Open, run Migrate once at startup, and hand the
// same *sqlx.DB to NewWorkflowStore and NewStateStore.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"goa.design/clue/health"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pingerName = "store-postgres"

// Open connects to PostgreSQL through the pgx stdlib driver and verifies the
// connection with a ping.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. It is safe to call on every
// startup; already-applied versions are skipped.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	src, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db.DB, src)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Pinger adapts the database handle to the clue health check interface.
func Pinger(db *sqlx.DB) health.Pinger {
	return pinger{db: db}
}

type pinger struct {
	db *sqlx.DB
}

// Name implements health.Pinger.
func (p pinger) Name() string { return pingerName }

// Ping implements health.Pinger.
func (p pinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
