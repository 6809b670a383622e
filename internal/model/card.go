// Package model defines the shared domain types for the sync pipeline:
// canonical cards and printings, vendor observations, and run records.
package model

import "time"

// Finish is the physical finish of a printing.
type Finish string

const (
	FinishHolo        Finish = "HOLO"
	FinishReverseHolo Finish = "REVERSE_HOLO"
	FinishNonHolo     Finish = "NON_HOLO"
	FinishUnknown     Finish = "UNKNOWN"
)

// Edition is the print edition of a printing.
type Edition string

const (
	EditionFirst     Edition = "1st-edition"
	EditionUnlimited Edition = "unlimited"
	EditionUnknown   Edition = "unknown"
)

// Card is a canonical printed card identity. Created by the catalog
// importer; read-only to the sync pipeline.
type Card struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	SetName  string `json:"set_name"`
	SetCode  string `json:"set_code"`
	Year     int    `json:"year"`
	Number   string `json:"number"`
	Language string `json:"language"`
}

// Printing is one physical print variant of a canonical card. Identity
// columns are immutable; ingestion only attaches facts to an existing
// printing id.
type Printing struct {
	ID       int64   `json:"id"`
	CardSlug string  `json:"card_slug"`
	SetCode  string  `json:"set_code"`
	Number   string  `json:"number"`
	Finish   Finish  `json:"finish"`
	Edition  Edition `json:"edition"`
	Stamp    string  `json:"stamp,omitempty"`
	Rarity   string  `json:"rarity,omitempty"`
}

// Set is a canonical card set.
type Set struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// SetMapping records a resolved vendor set identifier for a canonical set.
// Upserted every run; confidence 1.0 means verified by a non-empty fetch,
// 0.0 means resolved but returned nothing.
type SetMapping struct {
	Provider       string    `json:"provider"`
	SetCode        string    `json:"set_code"`
	ProviderSetID  string    `json:"provider_set_id"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"source"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// Mapping provenance sources, most trusted first.
const (
	MapSourceCached = "cached"
	MapSourceProbe  = "probe"
	MapSourceSearch = "search"
	MapSourceSlug   = "slug"
)
