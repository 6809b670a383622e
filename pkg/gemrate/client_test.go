package gemrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slabdeck/cardsync/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestPopulationsBySet_ParsesGradeRows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/populations", r.URL.Path)
		assert.Equal(t, "base-set", r.URL.Query().Get("set"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"has_more":true,"rows":[
			{"id":"gr-1","card_name":"Charizard","card_number":"4","variant":"Holo","grade":"psa-10","population":121},
			{"id":"gr-2","card_name":"Charizard","card_number":"4","variant":"Holo","grade":"psa-9","population":987}
		]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetryConfig(fastRetry()))
	page, err := client.PopulationsBySet(context.Background(), "base-set", 1, 100)

	require.NoError(t, err)
	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 2)

	psa10 := page.Records[0]
	assert.Equal(t, "psa-10", psa10.Grade)
	require.NotNil(t, psa10.Population)
	assert.EqualValues(t, 121, *psa10.Population)
	assert.Equal(t, "4", psa10.Number)
}

func TestSearchSets_NonOKReturnsEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such set"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), WithRetryConfig(fastRetry()))
	res, err := client.SearchSets(context.Background(), "nonexistent")

	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.HTTPStatus)
	assert.Empty(t, res.Sets)
	assert.Contains(t, string(res.RawBody), "no such set")
}
