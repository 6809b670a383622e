package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabdeck/cardsync/internal/match"
	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/provider"
	"github.com/slabdeck/cardsync/internal/store"
)

// scriptedSource plays back canned pages per provider set id.
type scriptedSource struct {
	name  string
	pages map[string][]model.CardPage
	errOn map[string]error
	calls int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error) {
	return nil, []byte(`{}`), 200, nil
}

func (s *scriptedSource) FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	s.calls++
	if err := s.errOn[providerSetID]; err != nil {
		return nil, err
	}
	pages := s.pages[providerSetID]
	if page > len(pages) {
		empty := &model.CardPage{HTTPStatus: 200, RawBody: []byte(`{"records":[]}`)}
		if page <= 1 {
			return empty, &provider.MissError{Provider: s.name, SetID: providerSetID, HTTPStatus: 200}
		}
		return empty, nil
	}
	return &pages[page-1], nil
}

type testEnv struct {
	store  *store.SQLiteStore
	engine *Engine
	now    time.Time
}

// newTestEnv seeds a three-set catalog where each set holds one non-holo
// printing numbered 1, and wires mappings so resolution is cache-only.
func newTestEnv(t *testing.T, src provider.Source, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	for i := 1; i <= 3; i++ {
		code := fmt.Sprintf("set%d", i)
		require.NoError(t, st.SeedSet(ctx, model.Set{Code: code, Name: "Test Set " + code}))
		slug := fmt.Sprintf("card-%s-1", code)
		require.NoError(t, st.SeedCard(ctx, model.Card{
			Slug: slug, Name: "Card One", SetName: "Test Set " + code,
			SetCode: code, Number: "1",
		}))
		_, err := st.SeedPrinting(ctx, model.Printing{
			CardSlug: slug, SetCode: code, Number: "1", Finish: model.FinishNonHolo,
		})
		require.NoError(t, err)
		require.NoError(t, st.UpsertSetMapping(ctx, model.SetMapping{
			Provider: src.Name(), SetCode: code, ProviderSetID: "vendor-" + code,
			Confidence: 1.0, Source: model.MapSourceProbe, LastVerifiedAt: time.Now().UTC(),
		}))
	}

	tuning, err := match.DefaultTuning()
	require.NoError(t, err)

	// The run log stamps started_at with the wall clock, so the injected
	// clock anchors to it and only day offsets are simulated.
	env := &testEnv{
		store: st,
		now:   time.Now().UTC(),
	}
	env.engine = NewEngine(st, []provider.Source{src}, match.NewSetMatcher(st, tuning), opts)
	env.engine.nowFunc = func() time.Time { return env.now }
	return env
}

func page(refs ...string) model.CardPage {
	p := model.CardPage{HTTPStatus: 200, RawBody: []byte(`{"records":"` + refs[0] + `"}`)}
	for _, ref := range refs {
		price := 4.50
		p.Records = append(p.Records, model.VendorCard{
			ProviderRef:   ref,
			Name:          "Card One",
			Number:        "001",
			PrintingLabel: "",
			Condition:     "Near Mint",
			Price:         &price,
		})
	}
	return p
}

func TestRun_HappyPathPersistsAllLayers(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.ItemsFetched)
	assert.Zero(t, res.ItemsFailed)
	assert.True(t, res.FullPass)
	assert.Equal(t, "set3", res.Cursor.NextPosition)
	assert.Equal(t, 3, res.LayerCounts[LayerSnapshots])
	assert.Equal(t, 3, res.LayerCounts[LayerObservations])

	for table, want := range map[string]int{
		"raw_payloads":    3,
		"provider_ingest": 3,
		"price_snapshots": 3,
		"price_history":   3,
	} {
		n, err := env.store.CountRows(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, want, n, table)
	}

	run, err := env.store.LastFinishedOK(ctx, "prices")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 3, run.ItemsFetched)
}

// A unit failure must not stop the other units: their writes persist and
// the run finalizes ok=false with the first error recorded.
func TestRun_PartialFailureIsolation(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set3": {page("pc-3")},
		},
		errOn: map[string]error{
			"vendor-set2": errors.New("pricecharting: status 503 after 4 attempts"),
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.ItemsFailed)
	assert.Contains(t, res.FirstError, "503")
	assert.Equal(t, 2, res.ItemsFetched)
	// The failed unit does not block the cursor: set3 was still attempted.
	assert.Equal(t, "set3", res.Cursor.NextPosition)

	n, err := env.store.CountRows(ctx, "price_snapshots")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A failed run is never the resume point.
	run, err := env.store.LastFinishedOK(ctx, "prices")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRun_CursorAdvancesAcrossRuns(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 2})
	ctx := context.Background()

	res1, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Equal(t, "set2", res1.Cursor.NextPosition)
	assert.False(t, res1.FullPass)

	res2, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res2.ItemsFetched)
	assert.Equal(t, "set3", res2.Cursor.NextPosition)
	assert.True(t, res2.FullPass)
}

func TestRun_SameDayFullPassGuard(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	_, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)

	// Second trigger the same day is a no-op skip.
	_, err = env.engine.Run(ctx, "prices", "test")
	require.ErrorIs(t, err, ErrSkipped)

	// The next day runs again.
	env.now = env.now.Add(24 * time.Hour)
	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestRun_ExhaustionWrapsAround(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	// Day 1: full pass over the whole catalog.
	res1, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Equal(t, 3, res1.ItemsFetched)

	// Day 2: cursor sits at the catalog end, so nothing is fetched.
	env.now = env.now.Add(24 * time.Hour)
	res2, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Zero(t, res2.ItemsFetched)
	assert.True(t, res2.OK)

	// Day 3: the zero-item run resets the cursor to the beginning.
	env.now = env.now.Add(24 * time.Hour)
	res3, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Equal(t, 3, res3.ItemsFetched)
	assert.Equal(t, "set3", res3.Cursor.NextPosition)
}

// Re-fetching the same catalog leaves snapshots stable: one row per
// (provider, provider_ref), history bucketed per day.
func TestRun_RefetchIsIdempotent(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	_, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	env.now = env.now.Add(24 * time.Hour) // exhaustion run
	_, err = env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	env.now = env.now.Add(24 * time.Hour) // wraparound refetch
	_, err = env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)

	snaps, err := env.store.CountRows(ctx, "price_snapshots")
	require.NoError(t, err)
	assert.Equal(t, 3, snaps)

	// Identical payload bodies hash to the same audit row.
	payloads, err := env.store.CountRows(ctx, "raw_payloads")
	require.NoError(t, err)
	assert.Equal(t, 3, payloads)

	// Two distinct days of history per card.
	history, err := env.store.CountRows(ctx, "price_history")
	require.NoError(t, err)
	assert.Equal(t, 6, history)
}

func TestRun_ProviderMissDemotesMapping(t *testing.T) {
	src := &scriptedSource{name: "pricecharting", pages: map[string][]model.CardPage{}}
	env := newTestEnv(t, src, Options{SetsPerRun: 1})
	ctx := context.Background()

	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	// An empty set is a legitimate zero-record outcome, not a failure.
	assert.True(t, res.OK)
	assert.Zero(t, res.ItemsFetched)

	mapping, err := env.store.GetSetMapping(ctx, "pricecharting", "set1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, 0.0, mapping.Confidence)
}

func TestRun_UnmatchedObservationRecorded(t *testing.T) {
	badNumber := model.CardPage{
		HTTPStatus: 200,
		RawBody:    []byte(`{"records":"pc-999"}`),
		Records: []model.VendorCard{{
			ProviderRef: "pc-999", Name: "Mystery", Number: "999",
		}},
	}
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {badNumber},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5})
	ctx := context.Background()

	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.ItemsFetched)

	// All three observations audited, only two priced.
	obs, err := env.store.CountRows(ctx, "provider_ingest")
	require.NoError(t, err)
	assert.Equal(t, 3, obs)

	snaps, err := env.store.CountRows(ctx, "price_snapshots")
	require.NoError(t, err)
	assert.Equal(t, 2, snaps)
}

func TestRun_TimeBudgetStopsBetweenUnits(t *testing.T) {
	src := &scriptedSource{
		name: "pricecharting",
		pages: map[string][]model.CardPage{
			"vendor-set1": {page("pc-1")},
			"vendor-set2": {page("pc-2")},
			"vendor-set3": {page("pc-3")},
		},
	}
	env := newTestEnv(t, src, Options{SetsPerRun: 5, TimeBudget: 30 * time.Second})
	ctx := context.Background()

	// The first calls (run start, first budget check, first unit) see the
	// base time; everything after is a minute later, past the budget.
	base := env.now
	calls := 0
	env.engine.nowFunc = func() time.Time {
		calls++
		if calls <= 3 {
			return base
		}
		return base.Add(time.Minute)
	}

	res, err := env.engine.Run(ctx, "prices", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsFetched)
	assert.Equal(t, "set1", res.Cursor.NextPosition)
	// An interrupted slice must not be mistaken for catalog exhaustion.
	assert.False(t, res.FullPass)
	assert.True(t, res.OK)
}
