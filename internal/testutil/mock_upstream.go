// Package testutil provides testing utilities for the report cache.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/upstream"
)

// MockFetcher is a configurable upstream fetcher for tests. It returns the
// configured rows (or one generated row per requested day when none are
// configured), optionally after a delay, and can be told to fail with a
// fixed error or a rate-limit signal.
type MockFetcher struct {
	mu sync.Mutex

	// Rows are returned verbatim when set.
	Rows []factstore.DailyRow

	// Err, when set, fails every fetch.
	Err error

	// RateLimit, when set, fails every fetch with a rate-limit signal.
	RateLimit *upstream.RateLimitError

	// Delay is applied before responding.
	Delay time.Duration

	// FailuresBeforeSuccess fails this many fetches before succeeding.
	FailuresBeforeSuccess int

	calls        int
	lastRequest  upstream.Request
	failuresLeft int
	initialized  bool
}

// Fetch implements upstream.Fetcher.
func (m *MockFetcher) Fetch(ctx context.Context, req upstream.Request) ([]factstore.DailyRow, error) {
	m.mu.Lock()
	if !m.initialized {
		m.failuresLeft = m.FailuresBeforeSuccess
		m.initialized = true
	}
	m.calls++
	m.lastRequest = req
	delay := m.Delay
	rateLimit := m.RateLimit
	err := m.Err
	rows := m.Rows
	transientFailure := m.failuresLeft > 0
	if transientFailure {
		m.failuresLeft--
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if rateLimit != nil {
		return nil, rateLimit
	}
	if err != nil {
		return nil, err
	}
	if transientFailure {
		return nil, errTransient
	}

	if rows != nil {
		return rows, nil
	}
	return generateRows(req)
}

// Calls returns how many fetches were made.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent fetch request.
func (m *MockFetcher) LastRequest() upstream.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}

type transientError struct{}

func (transientError) Error() string { return "transient upstream failure" }

var errTransient = transientError{}

// generateRows produces one deterministic row per day in the request range.
func generateRows(req upstream.Request) ([]factstore.DailyRow, error) {
	start, err := time.Parse(factstore.DateFormat, req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := time.Parse(factstore.DateFormat, req.EndDate)
	if err != nil {
		return nil, err
	}

	entityID := req.EntityID
	if entityID == "" {
		entityID = "entity-1"
	}

	var rows []factstore.DailyRow
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows = append(rows, factstore.DailyRow{
			EntityID:         entityID,
			Date:             d.Format(factstore.DateFormat),
			Impressions:      1000,
			Clicks:           50,
			CostMicros:       25_000_000,
			Conversions:      5,
			ConversionsValue: 125,
		})
	}
	return rows, nil
}
