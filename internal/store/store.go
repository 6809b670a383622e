// Package store defines the persistence interface consumed by the sync
// pipeline, with Postgres (pgx) and SQLite (modernc) backends. The catalog
// tables are read-only here; ingestion only attaches facts to existing
// printings or records unmatched observations.
package store

import (
	"context"

	"github.com/slabdeck/cardsync/internal/model"
)

// Store is the persistence interface for the reconciliation pipeline.
// Batch methods receive one already-chunked batch; chunking is owned by
// the layered writer. No method assumes cross-table transactions.
type Store interface {
	// Catalog reads (owned by the catalog importer).
	ListSetsAfter(ctx context.Context, afterCode string, limit int) ([]model.Set, error)
	PrintingsBySet(ctx context.Context, setCode string) ([]model.Printing, error)

	// Provider set mappings. Upsert, never read-modify-write, so mappings
	// stay safe under concurrent work units.
	GetSetMapping(ctx context.Context, provider, setCode string) (*model.SetMapping, error)
	UpsertSetMapping(ctx context.Context, m model.SetMapping) error

	// Run log: resume state and health signal.
	StartRun(ctx context.Context, job, source string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, res *model.RunResult) error
	LastFinishedOK(ctx context.Context, job string) (*model.Run, error)
	ListRuns(ctx context.Context, job string, limit int) ([]model.Run, error)

	// Layer 1: raw payload audit. Append-only; a duplicate content hash is
	// swallowed as already-recorded, not returned as an error.
	InsertRawPayload(ctx context.Context, p model.RawPayload) error

	// Layer 2: per-variant ingest audit. Append-only.
	InsertObservations(ctx context.Context, obs []model.Observation) (int, error)

	// Layer 3: price snapshot upsert keyed (provider, provider_ref).
	UpsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) (int, error)

	// Layer 4: immutable history, conflict-ignored on
	// (card_slug, variant_key, provider, ts).
	InsertHistory(ctx context.Context, points []model.HistoryPoint) (int, error)

	// Layer 5: column-scoped metrics upsert touching only the
	// provider-owned columns.
	UpsertMetrics(ctx context.Context, updates []model.MetricsUpdate) (int, error)

	// RefreshMetrics asks the downstream aggregation step to recompute
	// internal statistics for the touched card slugs.
	RefreshMetrics(ctx context.Context, slugs []string) error

	Migrate(ctx context.Context) error
	Close() error
}
