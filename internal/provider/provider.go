// Package provider adapts the vendor clients behind a single interface so
// the orchestrator and set matcher stay vendor-neutral.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/slabdeck/cardsync/internal/model"
)

// Source is one upstream vendor viewed through the pipeline's contract:
// set discovery plus paged card fetching.
type Source interface {
	// Name is the stable provider identifier used in storage keys.
	Name() string
	// SearchSets returns candidate sets for a free-text query, with the
	// raw envelope for the audit layer.
	SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error)
	// FetchCards returns one page of cards for a resolved provider set id.
	// On a full provider miss the page (with its raw envelope) is returned
	// alongside a *MissError so the caller can archive and classify.
	FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error)
}

// ErrMiss is the sentinel matched by errors.Is for a full provider miss:
// a non-2xx response or an empty first page. A miss is a classification
// for the caller, not a retry trigger.
var ErrMiss = errors.New("provider miss")

// MissError describes a full provider miss for one set fetch.
type MissError struct {
	Provider   string
	SetID      string
	HTTPStatus int
}

func (e *MissError) Error() string {
	return fmt.Sprintf("%s: miss for set %s (status %d)", e.Provider, e.SetID, e.HTTPStatus)
}

func (e *MissError) Is(target error) bool { return target == ErrMiss }

// IsMiss reports whether err represents a full provider miss.
func IsMiss(err error) bool { return errors.Is(err, ErrMiss) }

// classify turns an empty or non-2xx first page into a *MissError. Pages
// beyond the first may legitimately be empty (set exhausted).
func classify(name, setID string, page int, cardPage *model.CardPage) error {
	if cardPage.HTTPStatus < 200 || cardPage.HTTPStatus >= 300 {
		return &MissError{Provider: name, SetID: setID, HTTPStatus: cardPage.HTTPStatus}
	}
	if page <= 1 && len(cardPage.Records) == 0 {
		return &MissError{Provider: name, SetID: setID, HTTPStatus: cardPage.HTTPStatus}
	}
	return nil
}
