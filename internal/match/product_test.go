package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabdeck/cardsync/internal/model"
)

func testPrintings() []model.Printing {
	return []model.Printing{
		{ID: 1, CardSlug: "pikachu-swsh4-25", SetCode: "swsh4", Number: "25", Finish: model.FinishNonHolo},
		{ID: 2, CardSlug: "pikachu-swsh4-25", SetCode: "swsh4", Number: "25", Finish: model.FinishReverseHolo},
		{ID: 3, CardSlug: "charizard-swsh4-20", SetCode: "swsh4", Number: "20", Finish: model.FinishHolo},
	}
}

func TestMatch_NumberAndFinish(t *testing.T) {
	idx := NewProductIndex(testPrintings())

	res := idx.Match(model.VendorCard{Number: "025/203", PrintingLabel: "Reverse Holofoil"})
	require.True(t, res.Matched())
	assert.EqualValues(t, 2, res.Printing.ID)
	assert.Equal(t, model.FinishReverseHolo, res.Printing.Finish)
}

// Vendor listing "025/203" / "Reverse Holofoil" / "Near Mint" resolves to
// the reverse-holo printing of card number 25 with the full variant key.
func TestMatch_WorkedExample(t *testing.T) {
	idx := NewProductIndex(testPrintings())

	price := 4.50
	card := model.VendorCard{
		ProviderRef:   "pc-25r",
		Name:          "Pikachu",
		Number:        "025/203",
		PrintingLabel: "Reverse Holofoil",
		Condition:     "Near Mint",
		Price:         &price,
	}
	res := idx.Match(card)
	require.True(t, res.Matched())
	assert.Equal(t, "25", res.Printing.Number)
	assert.Equal(t, model.FinishReverseHolo, res.Printing.Finish)

	obs := Observe("pricecharting", "swsh4", card, res, time.Now().UTC())
	assert.True(t, obs.Matched)
	assert.Equal(t, "pikachu-swsh4-25", obs.CardSlug)
	assert.Equal(t, "reverse_holofoil:unlimited:none:nm:en:raw", obs.VariantKey)
	assert.Equal(t, "raw", obs.Grade)
}

func TestMatch_NoNumberMatch(t *testing.T) {
	idx := NewProductIndex(testPrintings())

	res := idx.Match(model.VendorCard{Number: "999", PrintingLabel: "Holo"})
	assert.False(t, res.Matched())
	assert.Equal(t, model.ReasonNoNumberMatch, res.Reason)
}

func TestMatch_NoFinishSignalPrefersNonHolo(t *testing.T) {
	idx := NewProductIndex(testPrintings())

	res := idx.Match(model.VendorCard{Number: "25"})
	require.True(t, res.Matched())
	assert.EqualValues(t, 1, res.Printing.ID)
	assert.Equal(t, model.FinishNonHolo, res.Printing.Finish)
}

func TestMatch_NoFinishSignalAmbiguous(t *testing.T) {
	idx := NewProductIndex([]model.Printing{
		{ID: 1, CardSlug: "pikachu-swsh4-25", Number: "25", Finish: model.FinishHolo},
		{ID: 2, CardSlug: "pikachu-swsh4-25", Number: "25", Finish: model.FinishReverseHolo},
	})

	res := idx.Match(model.VendorCard{Number: "25"})
	assert.False(t, res.Matched())
	assert.Equal(t, model.ReasonAmbiguous, res.Reason)
}

func TestMatch_SlugCollision(t *testing.T) {
	idx := NewProductIndex([]model.Printing{
		{ID: 1, CardSlug: "pikachu-swsh4-25", Number: "25", Finish: model.FinishNonHolo},
		{ID: 2, CardSlug: "raichu-swsh4-25", Number: "25", Finish: model.FinishHolo},
	})

	res := idx.Match(model.VendorCard{Number: "25", PrintingLabel: "Holo"})
	assert.False(t, res.Matched())
	assert.Equal(t, model.ReasonSlugCollision, res.Reason)
}

func TestMatch_FinishNarrowsToNothingFallsBack(t *testing.T) {
	idx := NewProductIndex([]model.Printing{
		{ID: 1, CardSlug: "pikachu-swsh4-25", Number: "25", Finish: model.FinishNonHolo},
		{ID: 2, CardSlug: "pikachu-swsh4-25", Number: "25", Finish: model.FinishReverseHolo},
	})

	// "Cosmos Holo" normalizes to HOLO which no printing carries.
	res := idx.Match(model.VendorCard{Number: "25", PrintingLabel: "Cosmos Holo"})
	require.True(t, res.Matched())
	assert.Equal(t, model.FinishNonHolo, res.Printing.Finish)
}

func TestMatch_ZeroPaddedAndPrefixedNumbersCompareEqual(t *testing.T) {
	idx := NewProductIndex([]model.Printing{
		{ID: 1, CardSlug: "victini-bwp-4", Number: "BW04", Finish: model.FinishNonHolo},
	})

	res := idx.Match(model.VendorCard{Number: "BW004"})
	require.True(t, res.Matched())
	assert.EqualValues(t, 1, res.Printing.ID)
}

func TestObserve_UnmatchedCarriesReasonOnly(t *testing.T) {
	obs := Observe("gemrate", "swsh4",
		model.VendorCard{ProviderRef: "gr-1", Number: "999", Grade: "PSA 10"},
		Result{Reason: model.ReasonNoNumberMatch}, time.Now().UTC())

	assert.False(t, obs.Matched)
	assert.Equal(t, model.ReasonNoNumberMatch, obs.Reason)
	assert.Empty(t, obs.CardSlug)
	assert.Empty(t, obs.VariantKey)
	assert.Equal(t, "psa-10", obs.Grade)
}
