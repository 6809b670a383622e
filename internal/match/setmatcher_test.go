package match

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/provider"
	"github.com/slabdeck/cardsync/internal/store"
)

// fakeSource scripts provider behavior for matcher tests.
type fakeSource struct {
	name        string
	probeHits   map[string]bool // providerSetID -> has records
	searchSets  []model.VendorSet
	probeCalls  int
	searchCalls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error) {
	f.searchCalls++
	return f.searchSets, []byte(`{}`), 200, nil
}

func (f *fakeSource) FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	f.probeCalls++
	if f.probeHits[providerSetID] {
		return &model.CardPage{
			Records:    []model.VendorCard{{ProviderRef: "x", Number: "1"}},
			HTTPStatus: 200,
		}, nil
	}
	cardPage := &model.CardPage{HTTPStatus: 200}
	return cardPage, &provider.MissError{Provider: f.name, SetID: providerSetID, HTTPStatus: 200}
}

func newMatcher(t *testing.T) (*SetMatcher, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "match.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	tuning, err := DefaultTuning()
	require.NoError(t, err)
	return NewSetMatcher(st, tuning), st
}

func TestResolve_CachedMappingSkipsNetwork(t *testing.T) {
	m, st := newMatcher(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertSetMapping(ctx, model.SetMapping{
		Provider: "pricecharting", SetCode: "base1", ProviderSetID: "pokemon-base-set",
		Confidence: 1.0, Source: model.MapSourceProbe, LastVerifiedAt: time.Now().UTC(),
	}))

	src := &fakeSource{name: "pricecharting"}
	mapping, err := m.Resolve(ctx, src, model.Set{Code: "base1", Name: "Base Set"})
	require.NoError(t, err)
	assert.Equal(t, "pokemon-base-set", mapping.ProviderSetID)
	assert.Zero(t, src.probeCalls)
	assert.Zero(t, src.searchCalls)
}

func TestResolve_SlugProbeSuccess(t *testing.T) {
	m, st := newMatcher(t)
	ctx := context.Background()

	src := &fakeSource{
		name:      "pricecharting",
		probeHits: map[string]bool{"vivid-voltage": true},
	}
	mapping, err := m.Resolve(ctx, src, model.Set{Code: "swsh4", Name: "Vivid Voltage"})
	require.NoError(t, err)
	assert.Equal(t, "vivid-voltage", mapping.ProviderSetID)
	assert.Equal(t, 1.0, mapping.Confidence)
	assert.Equal(t, model.MapSourceProbe, mapping.Source)

	// Persisted, so the next resolve is cache-only.
	persisted, err := st.GetSetMapping(ctx, "pricecharting", "swsh4")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 1.0, persisted.Confidence)
}

func TestResolve_EmptyProbeCachedAtZeroConfidence(t *testing.T) {
	m, st := newMatcher(t)
	ctx := context.Background()

	src := &fakeSource{name: "pricecharting"}
	_, err := m.Resolve(ctx, src, model.Set{Code: "swsh4", Name: "Vivid Voltage"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.probeCalls)

	persisted, err := st.GetSetMapping(ctx, "pricecharting", "swsh4")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 0.0, persisted.Confidence)

	// Second resolve must not re-probe blindly.
	_, err = m.Resolve(ctx, src, model.Set{Code: "swsh4", Name: "Vivid Voltage"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.probeCalls)
}

func TestResolve_FuzzySearchPicksBestCandidate(t *testing.T) {
	m, st := newMatcher(t)
	ctx := context.Background()

	src := &fakeSource{
		name: "pricecharting",
		searchSets: []model.VendorSet{
			{ID: "pokemon-promo", Name: "Pokemon Black Star Promos"},
			{ID: "pokemon-vivid-voltage", Name: "Pokemon Vivid Voltage"},
		},
	}
	mapping, err := m.Resolve(ctx, src, model.Set{Code: "swsh4", Name: "Vivid Voltage"})
	require.NoError(t, err)
	assert.Equal(t, "pokemon-vivid-voltage", mapping.ProviderSetID)
	assert.Equal(t, model.MapSourceSearch, mapping.Source)
	assert.Greater(t, mapping.Confidence, 0.0)
	assert.Less(t, mapping.Confidence, 1.0)

	persisted, err := st.GetSetMapping(ctx, "pricecharting", "swsh4")
	require.NoError(t, err)
	assert.Equal(t, "pokemon-vivid-voltage", persisted.ProviderSetID)
}

func TestResolve_PromoPenaltyPreventsCrossMatch(t *testing.T) {
	m, _ := newMatcher(t)
	ctx := context.Background()

	// Only promo candidates are offered for a non-promo set: the penalty
	// keeps every score below the threshold, so the zero-confidence probe
	// mapping is reused instead.
	src := &fakeSource{
		name: "pricecharting",
		searchSets: []model.VendorSet{
			{ID: "base-set-promo", Name: "Base Set Promos"},
		},
	}
	mapping, err := m.Resolve(ctx, src, model.Set{Code: "base1", Name: "Base Set"})
	require.NoError(t, err)
	assert.Equal(t, "base-set", mapping.ProviderSetID)
	assert.Equal(t, 0.0, mapping.Confidence)
}

func TestScoreCandidate_Ordering(t *testing.T) {
	m, _ := newMatcher(t)

	exact := m.scoreCandidate("Vivid Voltage", "Vivid Voltage")
	substr := m.scoreCandidate("Vivid Voltage", "Pokemon Vivid Voltage")
	overlap := m.scoreCandidate("Vivid Voltage", "Voltage Collection Box")
	miss := m.scoreCandidate("Vivid Voltage", "Celebrations")

	assert.Greater(t, exact, substr)
	assert.Greater(t, substr, overlap)
	assert.Greater(t, overlap, miss)
	assert.Zero(t, miss)
}

func TestScoreCandidate_AccentFolding(t *testing.T) {
	m, _ := newMatcher(t)

	score := m.scoreCandidate("Pokémon GO", "Pokemon GO")
	assert.Equal(t, m.tuning.Weights.ExactName, score)
}

func TestQueryVariants_EraExpansion(t *testing.T) {
	m, _ := newMatcher(t)

	variants := m.queryVariants("DP Secret Wonders")
	assert.Contains(t, variants, "dp secret wonders")
	assert.Contains(t, variants, "diamond and pearl secret wonders")
	assert.Contains(t, variants, "pokemon dp secret wonders")
}

func TestQueryVariants_AmpersandRewrite(t *testing.T) {
	m, _ := newMatcher(t)

	variants := m.queryVariants("Diamond & Pearl")
	assert.Equal(t, "diamond and pearl", variants[0])
}
