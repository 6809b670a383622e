package model

import (
	"encoding/json"
	"time"
)

// VendorSet is a candidate set returned by a vendor set-search endpoint.
type VendorSet struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CardCount int    `json:"card_count,omitempty"`
}

// MarketStats are vendor-supplied aggregate statistics for a variant.
// Every field is optional; absence must never be conflated with zero.
type MarketStats struct {
	TrendSlope7d        *float64 `json:"trend_slope_7d,omitempty"`
	CovPrice30d         *float64 `json:"cov_price_30d,omitempty"`
	PriceChangeCount30d *float64 `json:"price_change_count_30d,omitempty"`
	PriceRelTo30dRange  *float64 `json:"price_rel_30d_range,omitempty"`
	AllTimeLow          *float64 `json:"all_time_low,omitempty"`
	AllTimeHigh         *float64 `json:"all_time_high,omitempty"`
}

// VendorCard is one card/variant observation parsed from a vendor payload,
// normalized at the client boundary before it reaches matching logic.
type VendorCard struct {
	ProviderRef   string       `json:"provider_ref"`
	Name          string       `json:"name"`
	Number        string       `json:"number"`
	PrintingLabel string       `json:"printing_label,omitempty"`
	Condition     string       `json:"condition,omitempty"`
	Edition       string       `json:"edition,omitempty"`
	Stamp         string       `json:"stamp,omitempty"`
	Language      string       `json:"language,omitempty"`
	Grade         string       `json:"grade,omitempty"`
	Population    *int64       `json:"population,omitempty"`
	Price         *float64     `json:"price,omitempty"`
	Stats         *MarketStats `json:"stats,omitempty"`
	Raw           json.RawMessage
}

// CardPage is one page of vendor cards plus the raw envelope for audit.
// The envelope is populated even on non-2xx responses.
type CardPage struct {
	Records    []VendorCard
	HasMore    bool
	RawBody    []byte
	HTTPStatus int
}

// Observation is the outcome of matching one vendor card against the
// catalog. Every observation, matched or not, lands in the audit layer;
// only matched ones flow into price and metrics writes.
type Observation struct {
	Provider   string
	SetCode    string
	Card       VendorCard
	Matched    bool
	Reason     string
	CardSlug   string
	PrintingID int64
	VariantKey string
	Grade      string
	ObservedAt time.Time
}

// Unmatched reasons recorded in the audit layer.
const (
	ReasonNoNumberMatch = "no_number_match"
	ReasonAmbiguous     = "ambiguous_printing"
	ReasonSlugCollision = "slug_collision"
)
