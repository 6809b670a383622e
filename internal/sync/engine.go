package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slabdeck/cardsync/internal/match"
	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/provider"
	"github.com/slabdeck/cardsync/internal/signal"
	"github.com/slabdeck/cardsync/internal/store"
)

// ErrSkipped is returned when a successful full pass already completed
// today; re-running would only burn rate-limit budget.
var ErrSkipped = errors.New("sync: full pass already completed today")

// Options sizes one run.
type Options struct {
	// SetsPerRun is the work-slice size K: how many sets past the cursor
	// one invocation attempts. Default 5.
	SetsPerRun int
	// PageLimit is the per-page record limit requested from vendors.
	PageLimit int
	// Workers bounds the fan-out across a set's providers. Default 1
	// (sequential).
	Workers int
	// ChunkSize bounds rows per write statement.
	ChunkSize int
	// TimeBudget is the soft wall-clock deadline, checked between units.
	// Zero means no budget.
	TimeBudget time.Duration
}

func (o Options) withDefaults() Options {
	if o.SetsPerRun <= 0 {
		o.SetsPerRun = 5
	}
	if o.PageLimit <= 0 {
		o.PageLimit = 100
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Engine drives one sync run: cursor derivation, per-set fetch/match/stage
// across every provider, and finalization of the run log.
type Engine struct {
	store   store.Store
	sources []provider.Source
	matcher *match.SetMatcher
	writer  *Writer
	opts    Options
	nowFunc func() time.Time
	log     *zap.Logger
}

func NewEngine(st store.Store, sources []provider.Source, matcher *match.SetMatcher, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:   st,
		sources: sources,
		matcher: matcher,
		writer:  NewWriter(st, opts.ChunkSize),
		opts:    opts,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "sync.engine")),
	}
}

// Run executes one invocation of the named job. It returns ErrSkipped when
// the same-day full-pass guard fires. Partial success persists: the run is
// marked ok=false iff any unit recorded an error.
func (e *Engine) Run(ctx context.Context, job, source string) (*model.RunResult, error) {
	started := e.nowFunc()

	last, err := e.store.LastFinishedOK(ctx, job)
	if err != nil {
		return nil, err
	}
	if e.sameDayFullPass(last, started) {
		e.log.Info("skipping run, full pass already completed today", zap.String("job", job))
		return nil, ErrSkipped
	}
	cursor := deriveCursor(last)
	if last != nil && last.ItemsFetched == 0 {
		e.log.Info("catalog exhausted, wrapping cursor around", zap.String("job", job))
	}

	run, err := e.store.StartRun(ctx, job, source)
	if err != nil {
		return nil, err
	}

	sets, err := e.store.ListSetsAfter(ctx, cursor.NextPosition, e.opts.SetsPerRun)
	if err != nil {
		return nil, e.finishFailed(ctx, run.ID, cursor, err)
	}

	result := &model.RunResult{
		OK:          true,
		LayerCounts: make(map[string]int),
		Cursor: model.Cursor{
			LastPosition: cursor.NextPosition,
			NextPosition: cursor.NextPosition,
		},
	}
	fullSlice := len(sets) == e.opts.SetsPerRun
	deadlineHit := false

	for _, set := range sets {
		if e.opts.TimeBudget > 0 && e.nowFunc().Sub(started) > e.opts.TimeBudget {
			e.log.Warn("time budget exhausted, stopping early",
				zap.String("job", job), zap.String("next_set", set.Code))
			deadlineHit = true
			break
		}
		if ctx.Err() != nil {
			deadlineHit = true
			break
		}

		for _, outcome := range e.processSet(ctx, set) {
			result.ItemsFetched += outcome.fetched
			result.ItemsUpserted += outcome.upserted
			for layer, n := range outcome.stats.Counts {
				result.LayerCounts[layer] += n
			}
			if outcome.err != nil {
				result.ItemsFailed++
				result.OK = false
				if result.FirstError == "" {
					result.FirstError = outcome.err.Error()
				}
			}
		}
		result.Cursor.NextPosition = set.Code
	}

	result.Cursor.ItemsCount = result.ItemsFetched
	// A full pass means the slice reached the end of the catalog with no
	// units left behind by the deadline.
	result.FullPass = !fullSlice && !deadlineHit
	result.Cursor.Done = result.FullPass

	if err := e.store.FinishRun(ctx, run.ID, result); err != nil {
		return nil, err
	}
	e.log.Info("run finalized",
		zap.String("job", job),
		zap.String("run_id", run.ID),
		zap.Bool("ok", result.OK),
		zap.Int("fetched", result.ItemsFetched),
		zap.Int("upserted", result.ItemsUpserted),
		zap.Int("failed", result.ItemsFailed),
		zap.String("next_cursor", result.Cursor.NextPosition))
	return result, nil
}

// unitOutcome is the result of one (provider, set) work unit.
type unitOutcome struct {
	provider string
	fetched  int
	upserted int
	stats    WriteStats
	err      error
}

// processSet runs every provider against one canonical set. Units are
// independent: each owns disjoint audit rows, and the shared set-mapping
// table is only written via upsert.
func (e *Engine) processSet(ctx context.Context, set model.Set) []unitOutcome {
	outcomes := make([]unitOutcome, len(e.sources))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, src := range e.sources {
		g.Go(func() error {
			outcome := e.processUnit(gctx, src, set)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			// Unit errors stay inside the unit boundary.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// processUnit fetches, matches and stages one provider's view of one set.
// Any error is the unit's own failure; payloads staged before the failure
// are still written so the audit trail survives.
func (e *Engine) processUnit(ctx context.Context, src provider.Source, set model.Set) unitOutcome {
	outcome := unitOutcome{provider: src.Name()}
	now := e.nowFunc().UTC()

	mapping, err := e.matcher.Resolve(ctx, src, set)
	if err != nil {
		outcome.err = err
		return outcome
	}

	printings, err := e.store.PrintingsBySet(ctx, set.Code)
	if err != nil {
		outcome.err = err
		return outcome
	}
	idx := match.NewProductIndex(printings)

	batch := &Batch{}
	defer func() {
		outcome.stats = e.writer.Write(ctx, batch)
		if outcome.err == nil && outcome.stats.FirstErr != nil {
			outcome.err = outcome.stats.FirstErr
		}
		outcome.upserted = outcome.stats.Counts[LayerSnapshots] +
			outcome.stats.Counts[LayerHistory] +
			outcome.stats.Counts[LayerMetrics]
	}()

	for page := 1; ; page++ {
		cardPage, err := src.FetchCards(ctx, mapping.ProviderSetID, page, e.opts.PageLimit)
		if cardPage != nil && len(cardPage.RawBody) > 0 {
			batch.Payloads = append(batch.Payloads, model.RawPayload{
				Provider:    src.Name(),
				Endpoint:    "cards",
				Params:      fmt.Sprintf("set=%s&page=%d", mapping.ProviderSetID, page),
				Body:        cardPage.RawBody,
				HTTPStatus:  cardPage.HTTPStatus,
				ContentHash: contentHash(cardPage.RawBody),
				FetchedAt:   now,
			})
		}
		if err != nil {
			if provider.IsMiss(err) {
				// An empty set is a legitimate outcome; revise the mapping
				// confidence down so the next run re-searches.
				e.demoteMapping(ctx, mapping)
				return outcome
			}
			outcome.err = err
			return outcome
		}

		outcome.fetched += len(cardPage.Records)
		for _, rec := range cardPage.Records {
			res := idx.Match(rec)
			obs := match.Observe(src.Name(), set.Code, rec, res, now)
			batch.Observations = append(batch.Observations, obs)
			if !obs.Matched {
				continue
			}
			e.stage(batch, src.Name(), rec, obs, now)
		}
		if !cardPage.HasMore {
			break
		}
	}

	// A non-empty fetch verifies the mapping.
	if outcome.fetched > 0 && mapping.Confidence < 1 {
		verified := *mapping
		verified.Confidence = 1.0
		verified.LastVerifiedAt = now
		if err := e.store.UpsertSetMapping(ctx, verified); err != nil {
			e.log.Warn("mapping verify failed", zap.String("set", set.Code), zap.Error(err))
		}
	}
	return outcome
}

// stage converts one matched observation into snapshot, history and
// metrics rows. History points are bucketed by day so overlapping fetch
// windows collapse onto the same immutable point.
func (e *Engine) stage(batch *Batch, providerName string, rec model.VendorCard, obs model.Observation, now time.Time) {
	if rec.Price != nil {
		batch.Snapshots = append(batch.Snapshots, model.PriceSnapshot{
			Provider:    providerName,
			ProviderRef: rec.ProviderRef,
			CardSlug:    obs.CardSlug,
			PrintingID:  obs.PrintingID,
			VariantKey:  obs.VariantKey,
			Grade:       obs.Grade,
			Price:       *rec.Price,
			Currency:    "USD",
			FetchedAt:   now,
		})
		batch.History = append(batch.History, model.HistoryPoint{
			CardSlug:     obs.CardSlug,
			VariantKey:   obs.VariantKey,
			Provider:     providerName,
			TS:           now.Truncate(24 * time.Hour),
			Price:        *rec.Price,
			SourceWindow: "daily",
		})
	}
	if rec.Stats != nil {
		scores := signal.Compute(rec.Stats)
		batch.Metrics = append(batch.Metrics, model.MetricsUpdate{
			CardSlug:     obs.CardSlug,
			PrintingID:   obs.PrintingID,
			Grade:        obs.Grade,
			TrendSlope7d: rec.Stats.TrendSlope7d,
			CovPrice30d:  rec.Stats.CovPrice30d,
			AllTimeLow:   rec.Stats.AllTimeLow,
			AllTimeHigh:  rec.Stats.AllTimeHigh,
			SignalTrend:  scores.Trend,
			SignalBreak:  scores.Breakout,
			SignalValue:  scores.Value,
			UpdatedAt:    now,
		})
	}
}

func (e *Engine) demoteMapping(ctx context.Context, mapping *model.SetMapping) {
	if mapping.Confidence == 0 {
		return
	}
	demoted := *mapping
	demoted.Confidence = 0
	demoted.LastVerifiedAt = e.nowFunc().UTC()
	if err := e.store.UpsertSetMapping(ctx, demoted); err != nil {
		e.log.Warn("mapping demote failed",
			zap.String("provider", mapping.Provider),
			zap.String("set", mapping.SetCode),
			zap.Error(err))
	}
}

// finishFailed finalizes a run that broke before any unit could complete.
func (e *Engine) finishFailed(ctx context.Context, runID string, cursor model.Cursor, cause error) error {
	res := &model.RunResult{
		OK:         false,
		FirstError: cause.Error(),
		Cursor: model.Cursor{
			LastPosition: cursor.NextPosition,
			NextPosition: cursor.NextPosition,
		},
	}
	if err := e.store.FinishRun(ctx, runID, res); err != nil {
		e.log.Error("finalizing failed run", zap.String("run_id", runID), zap.Error(err))
	}
	return cause
}

// deriveCursor reads the resume cursor from the most recent finished-ok
// run. A zero-item previous run means the catalog was exhausted, so the
// cursor wraps around to the beginning.
func deriveCursor(last *model.Run) model.Cursor {
	if last == nil || last.ItemsFetched == 0 {
		return model.Cursor{}
	}
	raw, ok := last.Meta["cursor"]
	if !ok {
		return model.Cursor{}
	}
	// Meta round-trips through JSON, so the cursor arrives as a generic map.
	buf, err := json.Marshal(raw)
	if err != nil {
		return model.Cursor{}
	}
	var cursor model.Cursor
	if err := json.Unmarshal(buf, &cursor); err != nil {
		return model.Cursor{}
	}
	return cursor
}

// sameDayFullPass reports whether a successful run already covered the
// whole catalog today.
func (e *Engine) sameDayFullPass(last *model.Run, now time.Time) bool {
	if last == nil || !last.OK {
		return false
	}
	fullPass, _ := last.Meta["full_pass"].(bool)
	if !fullPass {
		return false
	}
	y1, m1, d1 := last.StartedAt.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
