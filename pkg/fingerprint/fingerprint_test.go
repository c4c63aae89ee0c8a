package fingerprint

import (
	"strings"
	"testing"
)

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name string
		dims Dimensions
		want string
	}{
		{
			name: "minimal dimensions",
			dims: Dimensions{
				CustomerID: "123",
				EntityType: "CAMPAIGN",
			},
			want: "metrics:cust=123:type=CAMPAIGN",
		},
		{
			name: "entity and parent",
			dims: Dimensions{
				CustomerID:     "123",
				EntityType:     "AD_GROUP",
				EntityID:       "42",
				ParentEntityID: "7",
			},
			want: "metrics:cust=123:type=AD_GROUP:entity=42:parent=7",
		},
		{
			name: "date range and timezone",
			dims: Dimensions{
				CustomerID: "123",
				EntityType: "CAMPAIGN",
				StartDate:  "2024-01-01",
				EndDate:    "2024-01-31",
				Timezone:   "America/New_York",
			},
			want: "metrics:cust=123:type=CAMPAIGN:range=2024-01-01..2024-01-31:tz=America/New_York",
		},
		{
			name: "open ended range",
			dims: Dimensions{
				CustomerID: "123",
				EntityType: "CAMPAIGN",
				StartDate:  "2024-01-01",
			},
			want: "metrics:cust=123:type=CAMPAIGN:range=2024-01-01..",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildKey(tt.dims)
			if got != tt.want {
				t.Errorf("BuildKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildKey_Deterministic(t *testing.T) {
	a := Dimensions{
		CustomerID: "123",
		EntityType: "KEYWORD",
		Filters: map[string]string{
			"status":   "ENABLED",
			"campaign": "99",
			"network":  "SEARCH",
		},
		Columns: []string{"clicks", "impressions", "cost_micros"},
	}
	b := Dimensions{
		CustomerID: "123",
		EntityType: "KEYWORD",
		Filters: map[string]string{
			"network":  "SEARCH",
			"status":   "ENABLED",
			"campaign": "99",
		},
		Columns: []string{"cost_micros", "clicks", "impressions"},
	}

	for i := 0; i < 50; i++ {
		if BuildKey(a) != BuildKey(b) {
			t.Fatal("BuildKey is sensitive to filter/column ordering")
		}
	}
}

func TestBuildKey_FilterValuesChangeKey(t *testing.T) {
	base := Dimensions{
		CustomerID: "123",
		EntityType: "KEYWORD",
		Filters:    map[string]string{"status": "ENABLED"},
	}
	other := Dimensions{
		CustomerID: "123",
		EntityType: "KEYWORD",
		Filters:    map[string]string{"status": "PAUSED"},
	}

	if BuildKey(base) == BuildKey(other) {
		t.Error("different filter values should produce different keys")
	}
}

func TestBuildKey_AbsentOptionalFieldsOmitted(t *testing.T) {
	key := BuildKey(Dimensions{CustomerID: "123", EntityType: "CAMPAIGN"})

	for _, fragment := range []string{"entity=", "parent=", "range=", "tz=", "f=", "c="} {
		if strings.Contains(key, fragment) {
			t.Errorf("key %q should not contain %q for absent dimensions", key, fragment)
		}
	}
}

func TestRefreshKey_SharedAcrossRangeVariations(t *testing.T) {
	jan := Dimensions{
		CustomerID:     "123",
		EntityType:     "AD_GROUP",
		ParentEntityID: "7",
		StartDate:      "2024-01-01",
		EndDate:        "2024-01-31",
	}
	feb := Dimensions{
		CustomerID:     "123",
		EntityType:     "AD_GROUP",
		ParentEntityID: "7",
		StartDate:      "2024-02-01",
		EndDate:        "2024-02-29",
		Columns:        []string{"clicks"},
	}

	if RefreshKey(jan) != RefreshKey(feb) {
		t.Error("refresh key should be shared across date-range variations")
	}
	if BuildKey(jan) == BuildKey(feb) {
		t.Error("full fingerprint should differ across date-range variations")
	}
}

func TestRefreshKey_DistinctEntities(t *testing.T) {
	a := Dimensions{CustomerID: "123", EntityType: "CAMPAIGN", EntityID: "1"}
	b := Dimensions{CustomerID: "123", EntityType: "CAMPAIGN", EntityID: "2"}

	if RefreshKey(a) == RefreshKey(b) {
		t.Error("different entities must not share a refresh key")
	}
}
