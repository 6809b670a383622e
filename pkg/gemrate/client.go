// Package gemrate provides a client for the GemRate grading-population
// API. Population rows carry a grade, which flows into variant keys.
package gemrate

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
	defaultBaseURL = "https://api.gemrate.com"
	// MaxPageSize is the largest page the populations endpoint accepts.
	MaxPageSize = 200
)

// Client defines the GemRate operations used by the pipeline.
type Client interface {
	// SearchSets queries the set catalog for candidates.
	SearchSets(ctx context.Context, query string) (*SetSearchResult, error)
	// PopulationsBySet fetches one page of graded-population rows for a
	// set. Each row is one (card, grade) pair.
	PopulationsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error)
}

// SetSearchResult is a page of candidate sets plus the raw envelope.
type SetSearchResult struct {
	Sets       []model.VendorSet
	RawBody    []byte
	HTTPStatus int
}

// Option configures the GemRate client.
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

// NewClient creates a GemRate client.
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
	c.retry.OnRetry = resilience.RetryLogger("gemrate", "fetch")
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
			return nil, eris.Wrap(err, "gemrate: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "gemrate: request"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "gemrate: read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientHTTPError(
				eris.Errorf("gemrate: status %d", resp.StatusCode),
				resp.StatusCode, resp.Header)
		}
		return &envelope{body: body, status: resp.StatusCode}, nil
	})
}

type setSearchPayload struct {
	Results []struct {
		Slug  string `json:"slug"`
		Title string `json:"title"`
		Cards int    `json:"cards"`
	} `json:"results"`
}

func (c *httpClient) SearchSets(ctx context.Context, query string) (*SetSearchResult, error) {
	reqURL := c.baseURL + "/api/sets/search?q=" + url.QueryEscape(query)

	body, status, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "gemrate: search sets %q", query)
	}

	result := &SetSearchResult{RawBody: body, HTTPStatus: status}
	if status != http.StatusOK {
		return result, nil
	}

	var payload setSearchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return result, eris.Wrap(err, "gemrate: unmarshal set search")
	}
	for _, res := range payload.Results {
		result.Sets = append(result.Sets, model.VendorSet{
			ID:        res.Slug,
			Name:      res.Title,
			CardCount: res.Cards,
		})
	}
	return result, nil
}

type populationsPayload struct {
	Rows []struct {
		ID         string `json:"id"`
		CardName   string `json:"card_name"`
		Number     string `json:"card_number"`
		Variant    string `json:"variant"`
		Grade      string `json:"grade"`
		Population *int64 `json:"population"`
	} `json:"rows"`
	HasMore bool `json:"has_more"`
}

func (c *httpClient) PopulationsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("set", providerSetID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.baseURL + "/api/populations?" + q.Encode()

	body, status, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "gemrate: populations for set %s page %d", providerSetID, page)
	}

	cardPage := &model.CardPage{RawBody: body, HTTPStatus: status}
	if status != http.StatusOK {
		return cardPage, nil
	}

	var payload populationsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return cardPage, eris.Wrap(err, "gemrate: unmarshal populations")
	}

	cardPage.HasMore = payload.HasMore
	for _, row := range payload.Rows {
		raw, _ := json.Marshal(row)
		cardPage.Records = append(cardPage.Records, model.VendorCard{
			ProviderRef:   row.ID,
			Name:          row.CardName,
			Number:        row.Number,
			PrintingLabel: row.Variant,
			Grade:         row.Grade,
			Population:    row.Population,
			Raw:           raw,
		})
	}
	return cardPage, nil
}
