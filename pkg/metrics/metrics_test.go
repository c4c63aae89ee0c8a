package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/admetric/reportcache/pkg/refresh"
	_ "github.com/admetric/reportcache/pkg/worker"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestRegistry_CollectorsRegistered(t *testing.T) {
	// The collectors live in their owning packages and self-register via
	// promauto. Importing the packages must be enough to make the families
	// gatherable; unlabeled counters and gauges show up immediately.
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool, len(families))
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range []string{
		"reportcache_cache_misses_total",
		"reportcache_stale_refreshes_total",
		"reportcache_lock_contentions_total",
		"reportcache_refresh_queue_depth",
	} {
		if !found[name] {
			t.Errorf("Expected metric family %s to be registered", name)
		}
	}

	for name := range found {
		if strings.HasPrefix(name, "reportcache_") {
			continue
		}
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") {
			continue
		}
		t.Errorf("Unexpected metric family %s without the reportcache_ prefix", name)
	}
}
