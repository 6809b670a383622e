package match

import (
	"sort"
	"time"

	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/normalize"
)

// ProductIndex is the per-set lookup used to resolve vendor cards:
// normalized card number, then finish, plus a number-only fallback
// preferring non-holo.
type ProductIndex struct {
	byNumber map[string][]model.Printing
}

// NewProductIndex builds the lookup from one set's printings. Printings
// are kept in id order so tiebreaks are deterministic.
func NewProductIndex(printings []model.Printing) *ProductIndex {
	idx := &ProductIndex{byNumber: make(map[string][]model.Printing)}
	for _, p := range printings {
		key := normalize.MatchNumber(p.Number)
		idx.byNumber[key] = append(idx.byNumber[key], p)
	}
	for key := range idx.byNumber {
		sort.Slice(idx.byNumber[key], func(i, j int) bool {
			return idx.byNumber[key][i].ID < idx.byNumber[key][j].ID
		})
	}
	return idx
}

// Result is the outcome of matching one vendor card.
type Result struct {
	Printing *model.Printing
	// Reason is set when Printing is nil: why the observation stays
	// unmatched.
	Reason string
}

// Matched reports whether a printing was resolved.
func (r Result) Matched() bool { return r.Printing != nil }

// Match resolves a vendor card to a printing. Ambiguity (cross-set slug
// collision, or several incompatible printings with no finish signal) is
// classified as unmatched rather than guessed.
func (idx *ProductIndex) Match(card model.VendorCard) Result {
	candidates := idx.byNumber[normalize.MatchNumber(card.Number)]
	if len(candidates) == 0 {
		return Result{Reason: model.ReasonNoNumberMatch}
	}
	if len(candidates) == 1 {
		return Result{Printing: &candidates[0]}
	}

	if distinctSlugs(candidates) > 1 {
		return Result{Reason: model.ReasonSlugCollision}
	}

	// No finish signal: several printings of one card can only be told
	// apart by finish, so prefer the single non-holo printing or give up.
	if card.PrintingLabel == "" {
		if p := singleNonHolo(candidates); p != nil {
			return Result{Printing: p}
		}
		return Result{Reason: model.ReasonAmbiguous}
	}

	finish := normalize.Finish(card.PrintingLabel)
	var narrowed []model.Printing
	for _, p := range candidates {
		if p.Finish == finish {
			narrowed = append(narrowed, p)
		}
	}
	switch len(narrowed) {
	case 1:
		return Result{Printing: &narrowed[0]}
	case 0:
		// Finish narrowed to nothing: number-only fallback.
		if p := singleNonHolo(candidates); p != nil {
			return Result{Printing: p}
		}
		return Result{Reason: model.ReasonAmbiguous}
	default:
		// Same number and finish more than once: defined tiebreak, prefer
		// non-holo then lowest id, rather than failing.
		if p := singleNonHolo(narrowed); p != nil {
			return Result{Printing: p}
		}
		return Result{Printing: &narrowed[0]}
	}
}

func distinctSlugs(printings []model.Printing) int {
	slugs := make(map[string]bool, len(printings))
	for _, p := range printings {
		slugs[p.CardSlug] = true
	}
	return len(slugs)
}

func singleNonHolo(printings []model.Printing) *model.Printing {
	var found *model.Printing
	for i := range printings {
		if printings[i].Finish == model.FinishNonHolo {
			if found != nil {
				return nil
			}
			found = &printings[i]
		}
	}
	return found
}

// Observe assembles the audit observation for one matched-or-unmatched
// vendor card. Matched observations carry the slug, printing id and the
// deterministic variant key; unmatched ones carry only the reason.
func Observe(providerName, setCode string, card model.VendorCard, res Result, now time.Time) model.Observation {
	obs := model.Observation{
		Provider:   providerName,
		SetCode:    setCode,
		Card:       card,
		Matched:    res.Matched(),
		Reason:     res.Reason,
		Grade:      normalize.Grade(card.Grade),
		ObservedAt: now,
	}
	if res.Matched() {
		obs.CardSlug = res.Printing.CardSlug
		obs.PrintingID = res.Printing.ID
		obs.VariantKey = normalize.VariantKey(
			card.PrintingLabel, card.Edition, card.Stamp,
			card.Condition, card.Language, card.Grade,
		)
	}
	return obs
}
