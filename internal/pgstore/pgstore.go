// Package pgstore provides the PostgreSQL implementation of the source
// catalog, the alert queue with its admission predicates, and the outbox
// store.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsrelay/internal/pgstore")

//go:embed schema.sql
var schema string

// catalogShape distinguishes the two monitor_sources layouts in the wild.
type catalogShape int

const (
	// shapeCurrent is the layout schema.sql creates.
	shapeCurrent catalogShape = iota
	// shapeLegacy is the pre-migration layout: source_id / api_base_url /
	// polling_interval_seconds columns, no vendor tag, no health fields.
	shapeLegacy
)

// Store persists sources, admitted alerts, and outbox events in PostgreSQL.
// The pool is owned by the caller and not closed here.
type Store struct {
	pool     *pgxpool.Pool
	shape    catalogShape
	workerID string
}

// New applies the schema and returns a ready Store. The catalog layout is
// detected once here; an existing legacy monitor_sources table is read
// through its own column names. workerID is stamped onto outbox claims.
func New(ctx context.Context, pool *pgxpool.Pool, workerID string) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	shape, err := detectCatalogShape(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("detect catalog shape: %w", err)
	}

	return &Store{pool: pool, shape: shape, workerID: workerID}, nil
}

// detectCatalogShape inspects information_schema: a source_id column marks
// the legacy layout (CREATE TABLE IF NOT EXISTS leaves it untouched).
func detectCatalogShape(ctx context.Context, pool *pgxpool.Pool) (catalogShape, error) {
	var legacy bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'monitor_sources' AND column_name = 'source_id'
		)`).Scan(&legacy)
	if err != nil {
		return shapeCurrent, err
	}
	if legacy {
		return shapeLegacy, nil
	}
	return shapeCurrent, nil
}
