// Package sync implements the incremental ingestion orchestrator: cursor
// derivation, per-unit fetch/match/stage, and the layered writer.
package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/slabdeck/cardsync/internal/db"
	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/store"
)

// Layer names as they appear in run metadata.
const (
	LayerRawPayloads  = "raw_payloads"
	LayerObservations = "observations"
	LayerSnapshots    = "snapshots"
	LayerHistory      = "history"
	LayerMetrics      = "metrics"
)

// Batch is the staged output of one work unit, ready for the writer.
type Batch struct {
	Payloads     []model.RawPayload
	Observations []model.Observation
	Snapshots    []model.PriceSnapshot
	History      []model.HistoryPoint
	Metrics      []model.MetricsUpdate
}

// WriteStats aggregates per-layer write counts and chunk failures.
type WriteStats struct {
	Counts       map[string]int
	FailedChunks int
	FirstErr     error
}

func (s *WriteStats) recordErr(err error) {
	s.FailedChunks++
	if s.FirstErr == nil {
		s.FirstErr = err
	}
}

func (s *WriteStats) merge(other WriteStats) {
	for layer, n := range other.Counts {
		s.Counts[layer] += n
	}
	s.FailedChunks += other.FailedChunks
	if s.FirstErr == nil {
		s.FirstErr = other.FirstErr
	}
}

// Writer persists a staged batch through the five layers in order. Every
// layer is independently idempotent, so a truncated run is completed by
// the next one. A failed chunk is recorded and later chunks and layers
// still proceed.
type Writer struct {
	store     store.Store
	chunkSize int
	log       *zap.Logger
}

// NewWriter creates a layered writer. chunkSize bounds the rows per
// statement; values outside [1, 500] fall back to 200.
func NewWriter(st store.Store, chunkSize int) *Writer {
	if chunkSize <= 0 || chunkSize > 500 {
		chunkSize = 200
	}
	return &Writer{
		store:     st,
		chunkSize: chunkSize,
		log:       zap.L().With(zap.String("component", "writer")),
	}
}

// Write runs the five layers in order and then triggers the downstream
// aggregation for the touched slugs. The returned stats carry per-layer
// counts for the run metadata.
func (w *Writer) Write(ctx context.Context, batch *Batch) WriteStats {
	stats := WriteStats{Counts: make(map[string]int)}

	// Layer 1: raw payload audit. Duplicate hashes mean "already recorded
	// today" and are swallowed inside the store.
	for _, p := range batch.Payloads {
		if err := w.store.InsertRawPayload(ctx, p); err != nil {
			w.log.Warn("raw payload insert failed", zap.String("provider", p.Provider), zap.Error(err))
			stats.recordErr(err)
			continue
		}
		stats.Counts[LayerRawPayloads]++
	}

	writeChunked(ctx, w, &stats, LayerObservations, batch.Observations, w.store.InsertObservations)
	writeChunked(ctx, w, &stats, LayerSnapshots, batch.Snapshots, w.store.UpsertSnapshots)
	writeChunked(ctx, w, &stats, LayerHistory, batch.History, w.store.InsertHistory)
	writeChunked(ctx, w, &stats, LayerMetrics, batch.Metrics, w.store.UpsertMetrics)

	// Downstream aggregation for the slugs this batch touched. A failure
	// here is counted, not fatal: the next run retriggers it.
	if slugs := touchedSlugs(batch); len(slugs) > 0 {
		if err := w.store.RefreshMetrics(ctx, slugs); err != nil {
			w.log.Warn("metrics refresh failed", zap.Int("slugs", len(slugs)), zap.Error(err))
			stats.recordErr(err)
		}
	}
	return stats
}

// writeChunked pushes one layer's rows through the store in bounded
// chunks. A chunk failure is recorded but does not block later chunks.
func writeChunked[T any](
	ctx context.Context,
	w *Writer,
	stats *WriteStats,
	layer string,
	rows []T,
	write func(context.Context, []T) (int, error),
) {
	for _, chunk := range db.Chunk(rows, w.chunkSize) {
		n, err := write(ctx, chunk)
		if err != nil {
			w.log.Warn("chunk write failed",
				zap.String("layer", layer),
				zap.Int("rows", len(chunk)),
				zap.Error(err))
			stats.recordErr(err)
			continue
		}
		stats.Counts[layer] += n
	}
}

func touchedSlugs(batch *Batch) []string {
	seen := make(map[string]bool)
	var slugs []string
	for _, m := range batch.Metrics {
		if !seen[m.CardSlug] {
			seen[m.CardSlug] = true
			slugs = append(slugs, m.CardSlug)
		}
	}
	for _, s := range batch.Snapshots {
		if !seen[s.CardSlug] {
			seen[s.CardSlug] = true
			slugs = append(slugs, s.CardSlug)
		}
	}
	return slugs
}
