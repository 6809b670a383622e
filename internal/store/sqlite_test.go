package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabdeck/cardsync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedCatalog(t *testing.T, st *SQLiteStore) int64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.SeedSet(ctx, model.Set{Code: "base1", Name: "Base Set"}))
	require.NoError(t, st.SeedCard(ctx, model.Card{
		Slug: "charizard-base1-4", Name: "Charizard", Subject: "charizard",
		SetName: "Base Set", SetCode: "base1", Year: 1999, Number: "4",
	}))
	id, err := st.SeedPrinting(ctx, model.Printing{
		CardSlug: "charizard-base1-4", SetCode: "base1", Number: "4",
		Finish: model.FinishHolo, Edition: model.EditionUnlimited,
	})
	require.NoError(t, err)
	return id
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_SetMapping_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	m, err := st.GetSetMapping(ctx, "pricecharting", "base1")
	require.NoError(t, err)
	assert.Nil(t, m)

	mapping := model.SetMapping{
		Provider: "pricecharting", SetCode: "base1", ProviderSetID: "pokemon-base-set",
		Confidence: 1.0, Source: model.MapSourceProbe, LastVerifiedAt: time.Now().UTC(),
	}
	require.NoError(t, st.UpsertSetMapping(ctx, mapping))

	got, err := st.GetSetMapping(ctx, "pricecharting", "base1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pokemon-base-set", got.ProviderSetID)

	// Re-resolution downgrades a stale mapping in place.
	mapping.Confidence = 0
	mapping.Source = model.MapSourceSearch
	require.NoError(t, st.UpsertSetMapping(ctx, mapping))

	got, err = st.GetSetMapping(ctx, "pricecharting", "base1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Confidence)
	assert.Equal(t, model.MapSourceSearch, got.Source)
}

func TestSQLite_RunLog_LastFinishedOK(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.LastFinishedOK(ctx, "prices")
	require.NoError(t, err)
	assert.Nil(t, run)

	// A failed run never becomes the resume point.
	bad, err := st.StartRun(ctx, "prices", "http")
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, bad.ID, &model.RunResult{
		OK: false, FirstError: "provider timeout",
		Cursor: model.Cursor{NextPosition: "wrong"},
	}))

	run, err = st.LastFinishedOK(ctx, "prices")
	require.NoError(t, err)
	assert.Nil(t, run)

	good, err := st.StartRun(ctx, "prices", "http")
	require.NoError(t, err)
	require.NoError(t, st.FinishRun(ctx, good.ID, &model.RunResult{
		OK: true, ItemsFetched: 61, ItemsUpserted: 61,
		Cursor: model.Cursor{LastPosition: "base3", NextPosition: "base4", ItemsCount: 61},
	}))

	run, err = st.LastFinishedOK(ctx, "prices")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, good.ID, run.ID)
	cursor, ok := run.Meta["cursor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "base4", cursor["next_position"])

	runs, err := st.ListRuns(ctx, "prices", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSQLite_RawPayload_DuplicateHashSwallowed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	payload := model.RawPayload{
		Provider: "pricecharting", Endpoint: "/api/products", Params: "q=base",
		Body: []byte(`{"products":[]}`), HTTPStatus: 200,
		ContentHash: "hash-1", FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertRawPayload(ctx, payload))
	require.NoError(t, st.InsertRawPayload(ctx, payload))

	n, err := st.CountRows(ctx, "raw_payloads")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Re-running the same batch must not duplicate snapshots, history points,
// or metrics rows. This is the property that makes a retried run safe.
func TestSQLite_RerunIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	printingID := seedCatalog(t, st)

	fetched := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	variant := "holofoil:unlimited:none:nm:en:raw"

	snaps := []model.PriceSnapshot{{
		Provider: "pricecharting", ProviderRef: "pc-1", CardSlug: "charizard-base1-4",
		PrintingID: printingID, VariantKey: variant, Grade: "raw",
		Price: 420, Currency: "USD", FetchedAt: fetched,
	}}
	points := []model.HistoryPoint{{
		CardSlug: "charizard-base1-4", VariantKey: variant,
		Provider: "pricecharting", TS: fetched, Price: 420,
	}}
	slope := 0.12
	metrics := []model.MetricsUpdate{{
		CardSlug: "charizard-base1-4", PrintingID: printingID, Grade: "raw",
		TrendSlope7d: &slope, UpdatedAt: fetched,
	}}

	for pass := 0; pass < 2; pass++ {
		_, err := st.UpsertSnapshots(ctx, snaps)
		require.NoError(t, err)
		_, err = st.InsertHistory(ctx, points)
		require.NoError(t, err)
		_, err = st.UpsertMetrics(ctx, metrics)
		require.NoError(t, err)
	}

	for table, want := range map[string]int{
		"price_snapshots": 1,
		"price_history":   1,
		"card_metrics":    1,
	} {
		n, err := st.CountRows(ctx, table)
		require.NoError(t, err)
		assert.Equal(t, want, n, table)
	}
}

func TestSQLite_InsertHistory_CountsOnlyNewPoints(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCatalog(t, st)

	ts := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	variant := "holofoil:unlimited:none:nm:en:raw"

	n, err := st.InsertHistory(ctx, []model.HistoryPoint{
		{CardSlug: "charizard-base1-4", VariantKey: variant, Provider: "pricecharting", TS: ts, Price: 420},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// One duplicate, one genuinely new point.
	n, err = st.InsertHistory(ctx, []model.HistoryPoint{
		{CardSlug: "charizard-base1-4", VariantKey: variant, Provider: "pricecharting", TS: ts, Price: 420},
		{CardSlug: "charizard-base1-4", VariantKey: variant, Provider: "pricecharting", TS: ts.Add(24 * time.Hour), Price: 430},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_Observations_MatchedAndUnmatched(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	printingID := seedCatalog(t, st)

	obs := []model.Observation{
		{
			Provider: "pricecharting", SetCode: "base1",
			Card:    model.VendorCard{ProviderRef: "pc-1", Name: "Charizard", Raw: []byte(`{"id":"pc-1"}`)},
			Matched: true, CardSlug: "charizard-base1-4", PrintingID: printingID,
			VariantKey: "holofoil:unlimited:none:nm:en:raw", Grade: "raw",
			ObservedAt: time.Now().UTC(),
		},
		{
			Provider: "pricecharting", SetCode: "base1",
			Card:    model.VendorCard{ProviderRef: "pc-2", Name: "Mystery"},
			Matched: false, Reason: model.ReasonNoNumberMatch, Grade: "raw",
			ObservedAt: time.Now().UTC(),
		},
	}
	n, err := st.InsertObservations(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := st.CountRows(ctx, "provider_ingest")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestSQLite_PrintingsBySet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedCatalog(t, st)

	printings, err := st.PrintingsBySet(ctx, "base1")
	require.NoError(t, err)
	require.Len(t, printings, 1)
	assert.Equal(t, model.FinishHolo, printings[0].Finish)

	none, err := st.PrintingsBySet(ctx, "neo1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_ListSetsAfter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, set := range []model.Set{
		{Code: "base1", Name: "Base Set"},
		{Code: "base2", Name: "Jungle"},
		{Code: "base3", Name: "Fossil"},
	} {
		require.NoError(t, st.SeedSet(ctx, set))
	}

	sets, err := st.ListSetsAfter(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, "base1", sets[0].Code)

	sets, err = st.ListSetsAfter(ctx, "base2", 10)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "base3", sets[0].Code)
}
