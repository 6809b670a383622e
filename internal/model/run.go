package model

import "time"

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStarted  RunStatus = "started"
	RunFinished RunStatus = "finished"
)

// Cursor marks where a run stopped so the next run can resume. It is
// persisted inside the run record's metadata. A new cursor is derived from
// the most recent finished-and-ok run only.
type Cursor struct {
	LastPosition string `json:"last_position,omitempty"`
	NextPosition string `json:"next_position,omitempty"`
	ItemsCount   int    `json:"items_count"`
	Done         bool   `json:"done"`
}

/// Run is one row of the sync run log: both the resume-state store and the
// externally visible health signal.
type Run struct {
	ID            string         `json:"id"`
	Job           string         `json:"job"`
	Source        string         `json:"source"`
	Status        RunStatus      `json:"status"`
	OK            bool           `json:"ok"`
	ItemsFetched  int            `json:"items_fetched"`
	ItemsUpserted int            `json:"items_upserted"`
	ItemsFailed   int            `json:"items_failed"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// RunResult is the finalized outcome of a run, written at FINALIZED.
type RunResult struct {
	OK            bool           `json:"ok"`
	ItemsFetched  int            `json:"items_fetched"`
	ItemsUpserted int            `json:"items_upserted"`
	ItemsFailed   int            `json:"items_failed"`
	FirstError    string         `json:"first_error,omitempty"`
	Cursor        Cursor         `json:"cursor"`
	FullPass      bool           `json:"full_pass"`
	LayerCounts   map[string]int `json:"layer_counts,omitempty"`
}

// PriceSnapshot is the current price for a variant from one provider.
// Upserted keyed by (provider, provider_ref).
type PriceSnapshot struct {
	Provider    string    `json:"provider"`
	ProviderRef string    `json:"provider_ref"`
	CardSlug    string    `json:"card_slug"`
	PrintingID  int64     `json:"printing_id"`
	VariantKey  string    `json:"variant_key"`
	Grade       string    `json:"grade"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// HistoryPoint is an immutable historical price fact. Insert-only;
// duplicates on (card_slug, variant_key, provider, ts) are dropped.
type HistoryPoint struct {
	CardSlug     string    `json:"card_slug"`
	VariantKey   string    `json:"variant_key"`
	Provider     string    `json:"provider"`
	TS           time.Time `json:"ts"`
	Price        float64   `json:"price"`
	SourceWindow string    `json:"source_window,omitempty"`
}

// MetricsUpdate carries the provider-owned columns of a derived-metrics
// row. Internally computed statistics (median, trimmed median, volatility)
// belong to the aggregation job and are never written by the sync core.
type MetricsUpdate struct {
	CardSlug      string    `json:"card_slug"`
	PrintingID    int64     `json:"printing_id"`
	Grade         string    `json:"grade"`
	TrendSlope7d  *float64  `json:"trend_slope_7d,omitempty"`
	CovPrice30d   *float64  `json:"cov_price_30d,omitempty"`
	AllTimeLow    *float64  `json:"all_time_low,omitempty"`
	AllTimeHigh   *float64  `json:"all_time_high,omitempty"`
	SignalTrend   *float64  `json:"signal_trend,omitempty"`
	SignalBreak   *float64  `json:"signal_breakout,omitempty"`
	SignalValue   *float64  `json:"signal_value,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RawPayload is one archived outbound API call. Append-only audit.
type RawPayload struct {
	Provider    string    `json:"provider"`
	Endpoint    string    `json:"endpoint"`
	Params      string    `json:"params"`
	Body        []byte    `json:"-"`
	HTTPStatus  int       `json:"http_status"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
}
