package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slabdeck/cardsync/internal/model"
)

func TestFinish(t *testing.T) {
	tests := []struct {
		label    string
		expected model.Finish
	}{
		{"Reverse Holofoil", model.FinishReverseHolo},
		{"reverse holo", model.FinishReverseHolo},
		{"Holofoil", model.FinishHolo},
		{"Holo Rare", model.FinishHolo},
		{"Cosmos Holo", model.FinishHolo},
		{"cosmos", model.FinishHolo},
		{"Normal", model.FinishNonHolo},
		{"", model.FinishNonHolo},
		{"1st Edition", model.FinishNonHolo},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.expected, Finish(tt.label))
		})
	}
}

func TestCondition(t *testing.T) {
	assert.Equal(t, "nm", Condition("Near Mint"))
	assert.Equal(t, "nm", Condition("  near mint "))
	assert.Equal(t, "sealed", Condition("Sealed"))
	assert.Equal(t, "lp", Condition("Lightly Played"))
	assert.Equal(t, "hp", Condition("Heavily Played"))
	assert.Equal(t, "dmg", Condition("Damaged"))
	// Empty defaults to near mint.
	assert.Equal(t, "nm", Condition(""))
	// Unknown strings degrade to lowercase-no-space, never fail.
	assert.Equal(t, "somenewgrade", Condition("Some New Grade"))
}

func TestEdition(t *testing.T) {
	assert.Equal(t, model.EditionFirst, Edition("1st Edition"))
	assert.Equal(t, model.EditionFirst, Edition("First Edition"))
	assert.Equal(t, model.EditionUnlimited, Edition("Unlimited"))
	assert.Equal(t, model.EditionUnlimited, Edition(""))
	assert.Equal(t, model.EditionUnknown, Edition("Shadowless"))
}

func TestLanguage(t *testing.T) {
	assert.Equal(t, "en", Language("English"))
	assert.Equal(t, "jp", Language("Japanese"))
	assert.Equal(t, "en", Language(""))
	assert.Equal(t, "de", Language("german"))
	// Short unknown tokens pass through; long ones get slugified.
	assert.Equal(t, "fr", Language("fr"))
	assert.Equal(t, "middle-earth-common", Language("Middle Earth Common"))
}

func TestStampAndGrade(t *testing.T) {
	assert.Equal(t, "none", Stamp(""))
	assert.Equal(t, "staff", Stamp("Staff"))
	assert.Equal(t, "prerelease", Stamp("Prerelease"))
	assert.Equal(t, "raw", Grade(""))
	assert.Equal(t, "psa-10", Grade("PSA 10"))
	assert.Equal(t, "bgs-9-5", Grade("BGS 9.5"))
}

func TestFoldAndSlug(t *testing.T) {
	assert.Equal(t, "pokemon", Fold("Pokémon"))
	assert.Equal(t, "diamond-pearl-promos", Slug("Diamond & Pearl: Promos"))
	assert.Equal(t, "pokemon-go", Slug("Pokémon GO"))
	assert.Equal(t, "", Slug("!!!"))
	assert.Equal(t, "base-set-2", SetSlug("Base Set 2"))
}
