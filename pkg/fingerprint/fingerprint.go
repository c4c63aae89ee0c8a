// Package fingerprint derives deterministic cache keys from query dimensions.
// Two logically identical queries always produce the same key; optional
// dimensions are omitted entirely when absent so that queries without a
// dimension collide with each other.
package fingerprint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Dimensions describes one logical metrics query.
type Dimensions struct {
	// CustomerID is the account the query belongs to.
	CustomerID string

	// EntityType is the reporting entity level (e.g. "CAMPAIGN", "AD_GROUP").
	EntityType string

	// EntityID narrows the query to a single entity (optional).
	EntityID string

	// ParentEntityID narrows the query to children of one parent (optional).
	ParentEntityID string

	// StartDate and EndDate bound the query range, YYYY-MM-DD (optional).
	StartDate string
	EndDate   string

	// Timezone is the reporting timezone (optional).
	Timezone string

	// Filters are arbitrary filter expressions keyed by field (optional).
	Filters map[string]string

	// Columns are the requested metric columns (optional).
	Columns []string
}

// BuildKey generates the full deterministic fingerprint string.
// Format: metrics:cust=123:type=CAMPAIGN:entity=42:parent=7:range=2024-01-01..2024-01-31:tz=UTC:f=abcd1234abcd1234:c=abcd1234abcd1234
func BuildKey(d Dimensions) string {
	parts := []string{"metrics"}

	parts = append(parts, fmt.Sprintf("cust=%s", d.CustomerID))
	parts = append(parts, fmt.Sprintf("type=%s", d.EntityType))

	if d.EntityID != "" {
		parts = append(parts, fmt.Sprintf("entity=%s", d.EntityID))
	}
	if d.ParentEntityID != "" {
		parts = append(parts, fmt.Sprintf("parent=%s", d.ParentEntityID))
	}
	if d.StartDate != "" || d.EndDate != "" {
		parts = append(parts, fmt.Sprintf("range=%s..%s", d.StartDate, d.EndDate))
	}
	if d.Timezone != "" {
		parts = append(parts, fmt.Sprintf("tz=%s", d.Timezone))
	}
	if len(d.Filters) > 0 {
		parts = append(parts, fmt.Sprintf("f=%s", hashFilters(d.Filters)))
	}
	if len(d.Columns) > 0 {
		parts = append(parts, fmt.Sprintf("c=%s", hashColumns(d.Columns)))
	}

	return strings.Join(parts, ":")
}

// RefreshKey generates the coarser key used for refresh deduplication.
// It deliberately drops the date range, timezone, filters and columns so
// that overlapping range variations of the same entity share one refresh.
func RefreshKey(d Dimensions) string {
	parts := []string{"refresh"}

	parts = append(parts, fmt.Sprintf("cust=%s", d.CustomerID))
	parts = append(parts, fmt.Sprintf("type=%s", d.EntityType))

	if d.EntityID != "" {
		parts = append(parts, fmt.Sprintf("entity=%s", d.EntityID))
	}
	if d.ParentEntityID != "" {
		parts = append(parts, fmt.Sprintf("parent=%s", d.ParentEntityID))
	}

	return strings.Join(parts, ":")
}

// hashFilters digests a filter map into a fixed-width hex string.
// Keys are sorted first so map iteration order never leaks into the key.
func hashFilters(filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		h.WriteString(k)
		h.WriteString("=")
		h.WriteString(filters[k])
		h.WriteString(";")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// hashColumns digests a column list into a fixed-width hex string.
// The list is copied and sorted so caller ordering is irrelevant.
func hashColumns(columns []string) string {
	sorted := make([]string, len(columns))
	copy(sorted, columns)
	sort.Strings(sorted)

	h := xxhash.New()
	for _, c := range sorted {
		h.WriteString(c)
		h.WriteString(";")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
