package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/logging"
	"github.com/rs/zerolog"
)

// HTTPFetcher is a thin JSON-over-HTTP adapter to the reporting API's
// report endpoint. It maps HTTP 429 responses onto the rate-limit taxonomy,
// reading the Retry-After header and an X-RateLimit-Scope header ("global"
// or "key") when present.
type HTTPFetcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPFetcher creates an HTTP upstream client.
func NewHTTPFetcher(baseURL, apiKey string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("upstream"),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) ([]factstore.DailyRow, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal report request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/reports/daily", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create report request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("report request: %w", err)
	}
	defer resp.Body.Close()

	f.logger.Debug().
		Str("entity_type", req.EntityType).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Report request finished")

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimitFromResponse(resp)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("report request failed with status %d: %s", resp.StatusCode, payload)
	}

	var rows []factstore.DailyRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode report response: %w", err)
	}
	return rows, nil
}

// rateLimitFromResponse builds a RateLimitError from a 429 response.
func rateLimitFromResponse(resp *http.Response) *RateLimitError {
	rle := &RateLimitError{
		Scope:   ScopeKey,
		Message: resp.Status,
	}

	if resp.Header.Get("X-RateLimit-Scope") == "global" {
		rle.Scope = ScopeGlobal
	}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			rle.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return rle
}
