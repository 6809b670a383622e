package match

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/normalize"
	"github.com/slabdeck/cardsync/internal/provider"
	"github.com/slabdeck/cardsync/internal/store"
)

// SetMatcher resolves a canonical set to a vendor set id, cheapest signal
// first: persisted mapping, deterministic slug probe, fuzzy name search.
// A set it cannot resolve still yields a fallback mapping; the caller
// detects zero-card results downstream.
type SetMatcher struct {
	store  store.Store
	tuning Tuning
	log    *zap.Logger
}

func NewSetMatcher(st store.Store, tuning Tuning) *SetMatcher {
	return &SetMatcher{
		store:  st,
		tuning: tuning,
		log:    zap.L().With(zap.String("component", "setmatcher")),
	}
}

// Resolve returns the vendor mapping for one canonical set. Probe and
// search outcomes are persisted so later runs skip the network. The
// returned mapping is never nil on a nil error.
func (m *SetMatcher) Resolve(ctx context.Context, src provider.Source, set model.Set) (*model.SetMapping, error) {
	cached, err := m.store.GetSetMapping(ctx, src.Name(), set.Code)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.Confidence > 0 {
		m.log.Debug("mapping from cache",
			zap.String("provider", src.Name()),
			zap.String("set", set.Code),
			zap.String("vendor_set", cached.ProviderSetID))
		return cached, nil
	}

	slugID := normalize.SetSlug(set.Name)

	// An empty probe result is cached at confidence 0 so later runs skip
	// straight to search instead of re-probing blindly.
	if cached == nil {
		probed, err := m.probe(ctx, src, slugID)
		if err != nil {
			return nil, err
		}
		mapping := model.SetMapping{
			Provider:       src.Name(),
			SetCode:        set.Code,
			ProviderSetID:  slugID,
			Source:         model.MapSourceProbe,
			LastVerifiedAt: time.Now().UTC(),
		}
		if probed {
			mapping.Confidence = 1.0
		}
		if err := m.store.UpsertSetMapping(ctx, mapping); err != nil {
			return nil, err
		}
		if probed {
			return &mapping, nil
		}
		cached = &mapping
	}

	if mapping, err := m.search(ctx, src, set); err != nil {
		return nil, err
	} else if mapping != nil {
		return mapping, nil
	}

	// Fall back to the lowest-confidence known mapping and let the caller
	// detect zero-card results downstream.
	m.log.Warn("set unresolved, reusing known mapping",
		zap.String("provider", src.Name()),
		zap.String("set", set.Code),
		zap.String("vendor_set", cached.ProviderSetID))
	return cached, nil
}

// probe checks whether the deterministic slug id yields at least one
// record. A miss is a negative probe, not an error.
func (m *SetMatcher) probe(ctx context.Context, src provider.Source, slugID string) (bool, error) {
	cardPage, err := src.FetchCards(ctx, slugID, 1, 1)
	if err != nil {
		if provider.IsMiss(err) {
			return false, nil
		}
		return false, err
	}
	return len(cardPage.Records) > 0, nil
}

// search runs the fuzzy set search over rewritten query variants and
// returns the best candidate above the score threshold, or nil.
func (m *SetMatcher) search(ctx context.Context, src provider.Source, set model.Set) (*model.SetMapping, error) {
	var (
		best      *model.VendorSet
		bestScore float64
	)
	for _, query := range m.queryVariants(set.Name) {
		candidates, _, _, err := src.SearchSets(ctx, query)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			score := m.scoreCandidate(set.Name, candidates[i].Name)
			if score > bestScore {
				best = &candidates[i]
				bestScore = score
			}
		}
		if best != nil && bestScore >= m.tuning.Weights.ExactName {
			break
		}
	}
	if best == nil || bestScore < m.tuning.MinScore {
		return nil, nil
	}

	confidence := bestScore / m.tuning.Weights.ExactName
	if confidence > 0.99 {
		confidence = 0.99 // only a verified fetch earns 1.0
	}
	mapping := model.SetMapping{
		Provider:       src.Name(),
		SetCode:        set.Code,
		ProviderSetID:  best.ID,
		Confidence:     confidence,
		Source:         model.MapSourceSearch,
		LastVerifiedAt: time.Now().UTC(),
	}
	if err := m.store.UpsertSetMapping(ctx, mapping); err != nil {
		return nil, err
	}
	m.log.Info("set resolved by search",
		zap.String("provider", src.Name()),
		zap.String("set", set.Code),
		zap.String("vendor_set", best.ID),
		zap.Float64("score", bestScore))
	return &mapping, nil
}

// queryVariants rewrites a set name into the search queries tried in
// order: folded name, &→and, era-abbreviation expansion, "pokemon" prefix.
func (m *SetMatcher) queryVariants(name string) []string {
	base := normalize.Fold(strings.ReplaceAll(name, "&", " and "))
	base = strings.Join(strings.Fields(base), " ")

	variants := []string{base}
	seen := map[string]bool{base: true}
	add := func(v string) {
		v = strings.Join(strings.Fields(v), " ")
		if v != "" && !seen[v] {
			variants = append(variants, v)
			seen[v] = true
		}
	}

	tokens := strings.Fields(base)
	for i, tok := range tokens {
		if expansion, ok := m.tuning.EraExpansions[tok]; ok {
			expanded := make([]string, len(tokens))
			copy(expanded, tokens)
			expanded[i] = expansion
			add(strings.Join(expanded, " "))
		}
	}
	add("pokemon " + base)
	return variants
}

// scoreCandidate ranks one vendor candidate against the local set name:
// exact normalized match > substring containment > token overlap, with
// penalties when the two disagree on being a promo or energy subset.
func (m *SetMatcher) scoreCandidate(localName, candidateName string) float64 {
	local := normalize.Slug(localName)
	cand := normalize.Slug(candidateName)
	if local == "" || cand == "" {
		return 0
	}

	var score float64
	switch {
	case local == cand:
		score = m.tuning.Weights.ExactName
	case strings.Contains(cand, local) || strings.Contains(local, cand):
		score = m.tuning.Weights.Substring
	default:
		candTokens := map[string]bool{}
		for _, tok := range strings.Split(cand, "-") {
			candTokens[tok] = true
		}
		for _, tok := range strings.Split(local, "-") {
			if candTokens[tok] {
				score += m.tuning.Weights.TokenOverlap
			}
		}
	}

	if hasKeyword(local, m.tuning.PromoKeywords) != hasKeyword(cand, m.tuning.PromoKeywords) {
		score -= m.tuning.Penalties.PromoMismatch
	}
	if hasKeyword(local, m.tuning.EnergyKeywords) != hasKeyword(cand, m.tuning.EnergyKeywords) {
		score -= m.tuning.Penalties.EnergyMismatch
	}
	if score < 0 {
		score = 0
	}
	return score
}

func hasKeyword(slug string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(slug, normalize.Slug(kw)) {
			return true
		}
	}
	return false
}
