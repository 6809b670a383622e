package provider

import (
	"context"

	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/pkg/cardladder"
	"github.com/slabdeck/cardsync/pkg/gemrate"
	"github.com/slabdeck/cardsync/pkg/pricecharting"
)

// Provider names as they appear in storage keys and run logs.
const (
	NamePriceCharting = "pricecharting"
	NameCardLadder    = "cardladder"
	NameGemRate       = "gemrate"
)

// PriceChartingSource adapts the PriceCharting client.
type PriceChartingSource struct {
	client pricecharting.Client
}

func NewPriceChartingSource(client pricecharting.Client) *PriceChartingSource {
	return &PriceChartingSource{client: client}
}

func (s *PriceChartingSource) Name() string { return NamePriceCharting }

func (s *PriceChartingSource) SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error) {
	res, err := s.client.SearchSets(ctx, query)
	if err != nil {
		return nil, nil, 0, err
	}
	return res.Sets, res.RawBody, res.HTTPStatus, nil
}

func (s *PriceChartingSource) FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	cardPage, err := s.client.CardsBySet(ctx, providerSetID, page, limit)
	if err != nil {
		return nil, err
	}
	return cardPage, classify(s.Name(), providerSetID, page, cardPage)
}

// CardLadderSource adapts the Card Ladder client.
type CardLadderSource struct {
	client cardladder.Client
}

func NewCardLadderSource(client cardladder.Client) *CardLadderSource {
	return &CardLadderSource{client: client}
}

func (s *CardLadderSource) Name() string { return NameCardLadder }

func (s *CardLadderSource) SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error) {
	res, err := s.client.SearchSets(ctx, query)
	if err != nil {
		return nil, nil, 0, err
	}
	return res.Sets, res.RawBody, res.HTTPStatus, nil
}

func (s *CardLadderSource) FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	cardPage, err := s.client.CardsBySet(ctx, providerSetID, page, limit)
	if err != nil {
		return nil, err
	}
	return cardPage, classify(s.Name(), providerSetID, page, cardPage)
}

// GemRateSource adapts the GemRate client. Its "cards" are graded
// population rows, one per (card, grade).
type GemRateSource struct {
	client gemrate.Client
}

func NewGemRateSource(client gemrate.Client) *GemRateSource {
	return &GemRateSource{client: client}
}

func (s *GemRateSource) Name() string { return NameGemRate }

func (s *GemRateSource) SearchSets(ctx context.Context, query string) ([]model.VendorSet, []byte, int, error) {
	res, err := s.client.SearchSets(ctx, query)
	if err != nil {
		return nil, nil, 0, err
	}
	return res.Sets, res.RawBody, res.HTTPStatus, nil
}

func (s *GemRateSource) FetchCards(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	cardPage, err := s.client.PopulationsBySet(ctx, providerSetID, page, limit)
	if err != nil {
		return nil, err
	}
	return cardPage, classify(s.Name(), providerSetID, page, cardPage)
}
