// Package pricecharting provides a client for the PriceCharting API, the
// primary pricing source for the sync pipeline.
package pricecharting

import (
	"context"
	"encoding/json"
	"fmt"
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
	defaultBaseURL = "https://www.pricecharting.com"
	// MaxPageSize is the largest page the products endpoint accepts.
	MaxPageSize = 100
)

// Client defines the PriceCharting operations used by the pipeline.
type Client interface {
	// SearchSets queries the console-search endpoint for candidate sets.
	SearchSets(ctx context.Context, query string) (*SetSearchResult, error)
	// CardsBySet fetches one page of products for a resolved set id.
	CardsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error)
}

// SetSearchResult is a page of candidate sets plus the raw envelope.
type SetSearchResult struct {
	Sets       []model.VendorSet
	RawBody    []byte
	HTTPStatus int
}

// Option configures the PriceCharting client.
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

// NewClient creates a PriceCharting client. The API key is client-owned
// state; nothing here is process-global.
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
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("pricecharting", "fetch")
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.ShouldTrip = resilience.IsTransient
	c.breaker = resilience.NewCircuitBreaker(breakerCfg)
	return c
}

// envelope is one completed HTTP exchange: body and status survive even
// when the status is an error, so callers can archive the payload.
type envelope struct {
	body   []byte
	status int
}

// fetch performs a rate-limited GET with the shared retry policy. Transient
// statuses (429/5xx) are wrapped so Retry-After is honored; any other
// status is returned to the caller with its body intact. The client-owned
// circuit breaker counts an exhausted retry loop as one failure.
func (c *httpClient) fetch(ctx context.Context, reqURL string) (*envelope, error) {
	return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*envelope, error) {
		return c.doFetch(ctx, reqURL)
	})
}

func (c *httpClient) doFetch(ctx context.Context, reqURL string) (*envelope, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*envelope, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "pricecharting: create request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "pricecharting: request"), 0)
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "pricecharting: read response body")
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientHTTPError(
				eris.Errorf("pricecharting: status %d: %s", resp.StatusCode, truncate(body)),
				resp.StatusCode, resp.Header)
		}
		return &envelope{body: body, status: resp.StatusCode}, nil
	})
}

type setSearchPayload struct {
	Status   string `json:"status"`
	Consoles []struct {
		ID        string `json:"id"`
		Name      string `json:"console-name"`
		CardCount int    `json:"product-count"`
	} `json:"consoles"`
}

func (c *httpClient) SearchSets(ctx context.Context, query string) (*SetSearchResult, error) {
	reqURL := fmt.Sprintf("%s/api/consoles?t=%s&q=%s",
		c.baseURL, url.QueryEscape(c.apiKey), url.QueryEscape(query))

	env, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "pricecharting: search sets %q", query)
	}

	result := &SetSearchResult{RawBody: env.body, HTTPStatus: env.status}
	if env.status != http.StatusOK {
		return result, nil
	}

	var payload setSearchPayload
	if err := json.Unmarshal(env.body, &payload); err != nil {
		return result, eris.Wrap(err, "pricecharting: unmarshal set search")
	}
	for _, con := range payload.Consoles {
		result.Sets = append(result.Sets, model.VendorSet{
			ID:        con.ID,
			Name:      con.Name,
			CardCount: con.CardCount,
		})
	}
	return result, nil
}

type productsPayload struct {
	Status   string `json:"status"`
	Products []struct {
		ID          string `json:"id"`
		ProductName string `json:"product-name"`
		Number      string `json:"card-number"`
		Variant     string `json:"variant"`
		Condition   string `json:"condition"`
		Edition     string `json:"edition"`
		// Prices come back in pennies.
		LoosePrice *int64 `json:"loose-price"`
	} `json:"products"`
	HasMore bool `json:"has-more"`
}

func (c *httpClient) CardsBySet(ctx context.Context, providerSetID string, page, limit int) (*model.CardPage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q := url.Values{}
	q.Set("t", c.apiKey)
	q.Set("console", providerSetID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.baseURL + "/api/products?" + q.Encode()

	env, err := c.fetch(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrapf(err, "pricecharting: cards for set %s page %d", providerSetID, page)
	}

	cardPage := &model.CardPage{RawBody: env.body, HTTPStatus: env.status}
	if env.status != http.StatusOK {
		return cardPage, nil
	}

	var payload productsPayload
	if err := json.Unmarshal(env.body, &payload); err != nil {
		return cardPage, eris.Wrap(err, "pricecharting: unmarshal products")
	}

	cardPage.HasMore = payload.HasMore
	for _, p := range payload.Products {
		raw, _ := json.Marshal(p)
		card := model.VendorCard{
			ProviderRef:   p.ID,
			Name:          p.ProductName,
			Number:        p.Number,
			PrintingLabel: p.Variant,
			Condition:     p.Condition,
			Edition:       p.Edition,
			Raw:           raw,
		}
		if p.LoosePrice != nil {
			dollars := float64(*p.LoosePrice) / 100
			card.Price = &dollars
		}
		cardPage.Records = append(cardPage.Records, card)
	}
	return cardPage, nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
