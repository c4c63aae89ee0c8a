// Package upstream defines the contract for the rate-limited reporting API
// this system fronts. The concrete client lives elsewhere; only the fetch
// shape and the error taxonomy matter here: a rate-limit signal must be
// distinguishable from any other failure, and must carry its scope.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
)

// Request describes one upstream report fetch, always per date range.
type Request struct {
	CustomerID     string `json:"customer_id"`
	AccountID      string `json:"account_id,omitempty"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id,omitempty"`
	ParentEntityID string `json:"parent_entity_id,omitempty"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	Timezone       string `json:"timezone,omitempty"`
}

// Fetcher is the upstream collaborator. Implementations are expected to be
// slow and rate-limited; callers must never invoke Fetch without going
// through the lock manager or the blocking-fetch throttle.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]factstore.DailyRow, error)
}

// RateLimitScope tells callers how wide a backoff window to set.
type RateLimitScope string

const (
	// ScopeGlobal means the whole customer quota is exhausted; all keys
	// must back off.
	ScopeGlobal RateLimitScope = "global"

	// ScopeKey means only the requested resource is throttled.
	ScopeKey RateLimitScope = "key"
)

// RateLimitError signals the upstream rejected a request for quota reasons.
type RateLimitError struct {
	Scope      RateLimitScope
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited (%s scope, retry after %s): %s",
		e.Scope, e.RetryAfter, e.Message)
}

// AsRateLimit extracts a RateLimitError from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
