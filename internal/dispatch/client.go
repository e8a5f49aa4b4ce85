package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cabwire/cabwire/internal/booking"
	"github.com/cabwire/cabwire/pkg/logger"
)

// Dispatcher is the boundary to the external taxi-dispatch backend.
type Dispatcher interface {
	Create(ctx context.Context, record *booking.Record) (*JourneyResult, error)
	Cancel(ctx context.Context, journeyID, reason string) error
	Status(ctx context.Context, journeyID string) (*JourneyStatus, error)
	SendBookingLink(ctx context.Context, phone, reference string) error
}

// JourneyResult is the dispatcher's acknowledgement of a new booking
type JourneyResult struct {
	JourneyID string `json:"journey_id"`
	Reference string `json:"reference"`
}

// JourneyStatus describes where an accepted journey currently stands
type JourneyStatus struct {
	JourneyID  string `json:"journey_id"`
	State      string `json:"state"` // "queued", "assigned", "en_route", "arrived", "completed", "cancelled"
	Vehicle    string `json:"vehicle,omitempty"`
	ETAMinutes int    `json:"eta_minutes,omitempty"`
}

// Client talks to the dispatch backend over HTTP
type Client struct {
	baseURL        string
	apiKey         string
	bookingLinkURL string
	httpClient     *http.Client
	logger         *logger.Logger
}

var _ Dispatcher = (*Client)(nil)

// NewClient creates a new dispatch client
func NewClient(baseURL, apiKey, bookingLinkURL string, timeout time.Duration, logger *logger.Logger) *Client {
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		bookingLinkURL: bookingLinkURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("dispatch-client"),
	}
}

// Create sends a confirmed booking to dispatch and returns the journey id
// and caller-facing reference.
func (c *Client) Create(ctx context.Context, record *booking.Record) (*JourneyResult, error) {
	var result JourneyResult
	if err := c.post(ctx, "/v1/journeys", record, &result); err != nil {
		return nil, fmt.Errorf("failed to create journey: %w", err)
	}

	c.logger.Info("Journey created",
		logger.String("journey_id", result.JourneyID),
		logger.String("reference", result.Reference))

	return &result, nil
}

// Cancel cancels an accepted journey.
func (c *Client) Cancel(ctx context.Context, journeyID, reason string) error {
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/journeys/"+journeyID+"/cancel", body, nil); err != nil {
		return fmt.Errorf("failed to cancel journey %s: %w", journeyID, err)
	}

	c.logger.Info("Journey cancelled",
		logger.String("journey_id", journeyID),
		logger.String("reason", reason))

	return nil
}

// Status fetches the current state of a journey.
func (c *Client) Status(ctx context.Context, journeyID string) (*JourneyStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/journeys/"+journeyID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch journey status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("journey status returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var status JourneyStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode journey status: %w", err)
	}

	return &status, nil
}

// SendBookingLink asks the notification channel to text the caller their
// booking details.
func (c *Client) SendBookingLink(ctx context.Context, phone, reference string) error {
	body := map[string]string{
		"phone":     phone,
		"reference": reference,
		"link":      c.bookingLinkURL + "/" + reference,
	}
	if err := c.post(ctx, "/v1/notifications/booking-link", body, nil); err != nil {
		return fmt.Errorf("failed to send booking link: %w", err)
	}
	return nil
}

// post sends a JSON body and optionally decodes a JSON result.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		c.logger.Error("Dispatch request failed",
			logger.String("path", path),
			logger.Int("status_code", resp.StatusCode),
			logger.String("response_body", string(bodyBytes)))
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
