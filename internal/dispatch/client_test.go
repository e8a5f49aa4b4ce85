package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/pkg/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestCreateReturnsJourneyAndReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/journeys", r.URL.Path)
		assert.Equal(t, "Bearer dispatch-key", r.Header.Get("Authorization"))

		var record booking.Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&record))
		assert.Equal(t, "Dave", record.Name)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(JourneyResult{JourneyID: "j-100", Reference: "CAB-4711"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "dispatch-key", "https://book.example", 2*time.Second, newTestLogger(t))

	result, err := client.Create(context.Background(), &booking.Record{Name: "Dave"})
	require.NoError(t, err)
	assert.Equal(t, "j-100", result.JourneyID)
	assert.Equal(t, "CAB-4711", result.Reference)
}

func TestCreateRejectedByBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no vehicles", http.StatusConflict)
	}))
	defer server.Close()

	client := NewClient(server.URL, "dispatch-key", "", 2*time.Second, newTestLogger(t))

	_, err := client.Create(context.Background(), &booking.Record{})
	require.Error(t, err)
}

func TestCancelSendsReason(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "dispatch-key", "", 2*time.Second, newTestLogger(t))

	require.NoError(t, client.Cancel(context.Background(), "j-100", "amended by caller"))
	assert.Equal(t, "/v1/journeys/j-100/cancel", gotPath)
	assert.Equal(t, "amended by caller", gotBody["reason"])
}

func TestStatusDecodesJourneyState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/journeys/j-100", r.URL.Path)
		json.NewEncoder(w).Encode(JourneyStatus{
			JourneyID:  "j-100",
			State:      "en_route",
			Vehicle:    "silver Skoda Octavia",
			ETAMinutes: 4,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "dispatch-key", "", 2*time.Second, newTestLogger(t))

	status, err := client.Status(context.Background(), "j-100")
	require.NoError(t, err)
	assert.Equal(t, "en_route", status.State)
	assert.Equal(t, 4, status.ETAMinutes)
}

func TestSendBookingLinkBuildsLink(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/notifications/booking-link", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "dispatch-key", "https://book.example", 2*time.Second, newTestLogger(t))

	require.NoError(t, client.SendBookingLink(context.Background(), "+441603555123", "CAB-4711"))
	assert.Equal(t, "+441603555123", gotBody["phone"])
	assert.Equal(t, "https://book.example/CAB-4711", gotBody["link"])
}
