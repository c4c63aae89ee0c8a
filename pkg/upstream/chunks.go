package upstream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/admetric/reportcache/pkg/factstore"
)

// ChunkConfig controls how a long date range is split and fetched.
type ChunkConfig struct {
	// MaxDays is the largest range a single upstream request may cover.
	MaxDays int

	// MaxConcurrency is the number of chunk fetches in flight at once.
	// Keep this small: the upstream is the scarce resource.
	MaxConcurrency int

	// Timeout bounds each chunk fetch.
	Timeout time.Duration
}

// DefaultChunkConfig returns conservative chunking defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxDays:        31,
		MaxConcurrency: 2,
		Timeout:        60 * time.Second,
	}
}

type dateChunk struct {
	index     int
	startDate string
	endDate   string
}

type chunkResult struct {
	index int
	rows  []factstore.DailyRow
}

// FetchChunked fetches a report range, splitting it into chunks of at most
// MaxDays and fetching the chunks through a bounded worker pool. Short
// ranges degrade to a single FetchWithRetry call.
//
// Unlike a page scrape, a report range is only useful complete: any chunk
// failure cancels the remaining chunks and fails the whole fetch, so a
// caller never stores a range with silent holes in the middle.
func FetchChunked(ctx context.Context, fetcher Fetcher, req Request, retry RetryConfig, config ChunkConfig) ([]factstore.DailyRow, error) {
	if config.MaxDays <= 0 {
		config.MaxDays = 31
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	chunks, err := splitRange(req.StartDate, req.EndDate, config.MaxDays)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 1 {
		return FetchWithRetry(ctx, fetcher, req, retry)
	}

	start := time.Now()
	log.Info().
		Str("entity_type", req.EntityType).
		Str("range", req.StartDate+".."+req.EndDate).
		Int("chunks", len(chunks)).
		Msg("Starting chunked fetch")

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan dateChunk, len(chunks))
	for _, c := range chunks {
		queue <- c
	}
	close(queue)

	results := make(chan chunkResult, len(chunks))
	errCh := make(chan error, config.MaxConcurrency)

	var wg sync.WaitGroup
	for i := 0; i < config.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range queue {
				select {
				case <-fetchCtx.Done():
					return
				default:
				}

				chunkReq := req
				chunkReq.StartDate = chunk.startDate
				chunkReq.EndDate = chunk.endDate

				chunkCtx, chunkCancel := context.WithTimeout(fetchCtx, config.Timeout)
				rows, err := FetchWithRetry(chunkCtx, fetcher, chunkReq, retry)
				chunkCancel()

				if err != nil {
					select {
					case errCh <- fmt.Errorf("chunk %s..%s: %w", chunk.startDate, chunk.endDate, err):
					default:
					}
					cancel()
					return
				}
				results <- chunkResult{index: chunk.index, rows: rows}
			}
		}()
	}

	wg.Wait()
	close(results)

	select {
	case err := <-errCh:
		return nil, err
	default:
	}

	ordered := make([]chunkResult, 0, len(chunks))
	for r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	var rows []factstore.DailyRow
	for _, r := range ordered {
		rows = append(rows, r.rows...)
	}

	log.Info().
		Str("entity_type", req.EntityType).
		Int("chunks", len(chunks)).
		Int("rows", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Chunked fetch complete")

	return rows, nil
}

// splitRange cuts [startDate, endDate] into inclusive sub-ranges of at most
// maxDays calendar days each.
func splitRange(startDate, endDate string, maxDays int) ([]dateChunk, error) {
	start, err := time.Parse(factstore.DateFormat, startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse(factstore.DateFormat, endDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}

	var chunks []dateChunk
	for i := 0; !start.After(end); i++ {
		chunkEnd := start.AddDate(0, 0, maxDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, dateChunk{
			index:     i,
			startDate: start.Format(factstore.DateFormat),
			endDate:   chunkEnd.Format(factstore.DateFormat),
		})
		start = chunkEnd.AddDate(0, 0, 1)
	}
	return chunks, nil
}
