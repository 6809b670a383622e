// Package cardladder provides a client for the Card Ladder market-stats
// API. Its per-product statistics feed the signal engine.
package cardladder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/slabdeck/cardsync/internal/model"
	"github.com/slabdeck/cardsync/internal/resilience"
)

const (
	defaultBaseURL = "https://api.cardladder.com"
	// MaxPageSize is the largest page the cards endpoint accepts.
	MaxPageSize = 50
)

// Client defines the Card Ladder operations used by the pipeline.
type Client interface {
	// SearchSets queries the set catalog for candidates.
	SearchSets(ctx context.Context, query string) (*SetSearchResult, error)
	// CardsBySet fetches one page of cards for a set, each carrying its
	// market statistics.
	CardsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error)
}

// SetSearchResult is a page of candidate sets plus the raw envelope.
type SetSearchResult struct {
	Sets       []model.VendorSet
	RawBody    []byte
	HTTPStatus int
}

// Option configures the Card Ladder client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit overrides the default requests-per-second budget.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetryConfig overrides the default retry policy (for testing).
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewClient creates a Card Ladder client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(2), 2),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("cardladder", "fetch")
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient
	c.breaker = resilience.NewCircuitBreaker(breakerCfg)
	return c
}

type envelope struct {
	body   []byte
	status int
}

func (c *httpClient) fetch(ctx context.Context, reqURL string) ([]byte, int, error) {
	env, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*envelope, error) {
		return c.doFetch(ctx, reqURL)
	})
	if err != nil {
		return nil, 0, err
	}
	return env.body, env.status, nil
}

func (c *httpClient) doFetch(ctx context.Context, reqURL string) (*envelope, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*envelope, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "cardladder: create request")
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "cardladder: request"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "cardladder: read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientHTTPError(
				eris.Errorf("cardladder: status %d", resp.StatusCode),
				resp.StatusCode, resp.Header)
		}
		return &envelope{body: body, status: resp.StatusCode}, nil
	})
}

type setSearchPayload struct {
	Sets []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		CardCount int    `json:"card_count"`
	} `json:"sets"`
}

func (c *httpClient) SearchSets(ctx context.Context, query string) (*SetSearchResult, error) {
	reqURL := c.baseURL + "/v1/sets?q=" + url.QueryEscape(query)

	body, status, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "cardladder: search sets %q", query)
	}

	result := &SetSearchResult{RawBody: body, HTTPStatus: status}
	if status != http.StatusOK {
		return result, nil
	}

	var payload setSearchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return result, eris.Wrap(err, "cardladder: unmarshal set search")
	}
	for _, set := range payload.Sets {
		result.Sets = append(result.Sets, model.VendorSet{
			ID:        set.ID,
			Name:      set.Name,
			CardCount: set.CardCount,
		})
	}
	return result, nil
}

type cardsPayload struct {
	Cards []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Number  string `json:"number"`
		Variant string `json:"variant"`
		Grade   string `json:"grade"`
		Stats   struct {
			TrendSlope7d   *float64 `json:"trend_slope_7d"`
			CovPrice30d    *float64 `json:"cov_price_30d"`
			ChangeCount30d *float64 `json:"price_change_count_30d"`
			RelRange30d    *float64 `json:"price_rel_30d_range"`
			AllTimeLow     *float64 `json:"all_time_low"`
			AllTimeHigh    *float64 `json:"all_time_high"`
		} `json:"stats"`
		LastPrice *float64 `json:"last_price"`
	} `json:"cards"`
	HasMore bool `json:"has_more"`
}

func (c *httpClient) CardsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("set", providerSetID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.baseURL + "/v1/cards?" + q.Encode()

	body, status, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "cardladder: cards for set %s page %d", providerSetID, page)
	}

	cardPage := &model.CardPage{RawBody: body, HTTPStatus: status}
	if status != http.StatusOK {
		return cardPage, nil
	}

	var payload cardsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return cardPage, eris.Wrap(err, "cardladder: unmarshal cards")
	}

	cardPage.HasMore = payload.HasMore
	for _, cd := range payload.Cards {
		raw, _ := json.Marshal(cd)
		cardPage.Records = append(cardPage.Records, model.VendorCard{
			ProviderRef:   cd.ID,
			Name:          cd.Name,
			Number:        cd.Number,
			PrintingLabel: cd.Variant,
			Grade:         cd.Grade,
			Price:         cd.LastPrice,
			Stats: &model.MarketStats{
				TrendSlope7d:        cd.Stats.TrendSlope7d,
				CovPrice30d:         cd.Stats.CovPrice30d,
				PriceChangeCount30d: cd.Stats.ChangeCount30d,
				PriceRelTo30dRange:  cd.Stats.RelRange30d,
				AllTimeLow:          cd.Stats.AllTimeLow,
				AllTimeHigh:         cd.Stats.AllTimeHigh,
			},
			Raw: raw,
		})
	}
	return cardPage, nil
}
