package fares

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cabwire/cabwire/pkg/logger"
)

// Provider is the address-to-fare boundary consumed by the session
// orchestrator.
type Provider interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// Client fetches fare quotes and geocoding from the provider over HTTP
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

var _ Provider = (*Client)(nil)

// NewClient creates a new fare provider client
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *logger.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger.Named("fares-client"),
	}
}

// Quote requests a priced journey from the provider. Ambiguity is not an
// error: the response carries alternatives for the caller to choose from.
func (c *Client) Quote(ctx context.Context, quoteReq QuoteRequest) (*Quote, error) {
	jsonData, err := json.Marshal(quoteReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quote request: %w", err)
	}

	url := c.baseURL + "/v1/quote"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Requesting fare quote",
		logger.String("pickup", quoteReq.Pickup),
		logger.String("destination", quoteReq.Destination))

	// One retry on transient failure; the orchestrator's deadline race
	// bounds the total wait.
	maxRetries := 2
	retryDelay := 500 * time.Millisecond

	var resp *http.Response
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = c.httpClient.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			break
		}

		if resp != nil {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			c.logger.Warn("Fare quote request failed",
				logger.Int("status_code", resp.StatusCode),
				logger.String("response_body", string(bodyBytes)),
				logger.Int("attempt", attempt+1))
			resp = nil
		} else if err != nil {
			c.logger.Warn("Fare quote request error",
				logger.Error(err),
				logger.Int("attempt", attempt+1))
		}

		if attempt == maxRetries-1 {
			if err != nil {
				return nil, fmt.Errorf("fare quote request failed: %w", err)
			}
			return nil, fmt.Errorf("fare quote request failed after %d attempts", maxRetries)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}

		// The request body reader is consumed; rebuild the request.
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to recreate request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quote response: %w", err)
	}

	var quote Quote
	if err := json.Unmarshal(bodyBytes, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}

	c.logger.Debug("Received fare quote",
		logger.Float64("fare", quote.Fare),
		logger.Int("eta_minutes", quote.ETAMinutes),
		logger.Bool("needs_clarification", quote.NeedsClarification()))

	return &quote, nil
}
