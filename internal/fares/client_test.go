package fares

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabwire/cabwire/pkg/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestQuoteDecodesProviderResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quote", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req QuoteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "12 Magdalen Street", req.Pickup)

		json.NewEncoder(w).Encode(Quote{
			Fare:       14.50,
			ETAMinutes: 8,
			DistanceKm: 3.2,
			Currency:   "GBP",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 2*time.Second, newTestLogger(t))

	quote, err := client.Quote(context.Background(), QuoteRequest{
		Pickup:      "12 Magdalen Street",
		Destination: "Castle Quarter",
	})
	require.NoError(t, err)
	assert.Equal(t, 14.50, quote.Fare)
	assert.Equal(t, 8, quote.ETAMinutes)
	assert.False(t, quote.NeedsClarification())
}

func TestQuoteRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Quote{Fare: 9.00, Currency: "GBP"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second, newTestLogger(t))

	quote, err := client.Quote(context.Background(), QuoteRequest{Pickup: "a", Destination: "b"})
	require.NoError(t, err)
	assert.Equal(t, 9.00, quote.Fare)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuoteFailsAfterRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 5*time.Second, newTestLogger(t))

	_, err := client.Quote(context.Background(), QuoteRequest{Pickup: "a", Destination: "b"})
	require.Error(t, err)
}

func TestQuoteAmbiguityCarriesAlternatives(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Quote{
			Pickup: EndpointResult{
				NeedsClarification: true,
				Alternatives: []Alternative{
					{Label: "Church Lane, Eaton"},
					{Label: "Church Lane, Sprowston"},
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", 2*time.Second, newTestLogger(t))

	quote, err := client.Quote(context.Background(), QuoteRequest{Pickup: "Church Lane", Destination: "Castle Quarter"})
	require.NoError(t, err)
	assert.True(t, quote.NeedsClarification())
	assert.Len(t, quote.Pickup.Alternatives, 2)
}

func TestFallbackEstimateNeverFails(t *testing.T) {
	estimator := FallbackEstimator{FlatFare: 3.0, PerKmFare: 2.0, Currency: "GBP"}

	quote := estimator.Estimate(QuoteRequest{Pickup: "anywhere", Destination: "anywhere else"})
	assert.Equal(t, 13.0, quote.Fare)
	assert.Equal(t, "GBP", quote.Currency)
	assert.True(t, quote.Fallback)
}
