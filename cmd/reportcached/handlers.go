package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/admetric/reportcache/pkg/factstore"
	"github.com/admetric/reportcache/pkg/fingerprint"
	"github.com/admetric/reportcache/pkg/refresh"
	"github.com/admetric/reportcache/pkg/throttle"
)

// server bundles the HTTP handlers with their collaborators.
type server struct {
	orch      *refresh.Orchestrator
	store     *factstore.Store
	retention factstore.RetentionPolicy
	logger    zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// dimensionsFromQuery maps request query parameters onto query dimensions.
func dimensionsFromQuery(r *http.Request) fingerprint.Dimensions {
	q := r.URL.Query()

	dims := fingerprint.Dimensions{
		CustomerID:     q.Get("customer_id"),
		EntityType:     q.Get("entity_type"),
		EntityID:       q.Get("entity_id"),
		ParentEntityID: q.Get("parent_entity_id"),
		StartDate:      q.Get("start_date"),
		EndDate:        q.Get("end_date"),
		Timezone:       q.Get("timezone"),
	}
	if cols := q.Get("columns"); cols != "" {
		dims.Columns = strings.Split(cols, ",")
	}
	// Filters arrive as repeated filter=field:expression parameters. The
	// expression may itself contain colons, so only the first one splits.
	for _, raw := range q["filter"] {
		field, expr, ok := strings.Cut(raw, ":")
		if !ok || field == "" {
			continue
		}
		if dims.Filters == nil {
			dims.Filters = make(map[string]string)
		}
		dims.Filters[field] = expr
	}
	return dims
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	dims := dimensionsFromQuery(r)
	if dims.CustomerID == "" || dims.EntityType == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("customer_id and entity_type are required"))
		return
	}

	result, err := s.orch.Query(r.Context(), dims)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrMissingDateRange):
			s.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, refresh.ErrThrottled):
			s.writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, throttle.ErrTimeout):
			s.writeError(w, http.StatusGatewayTimeout, err)
		default:
			s.logger.Error().Err(err).
				Str("customer_id", dims.CustomerID).
				Str("entity_type", dims.EntityType).
				Msg("Query failed")
			s.writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

type invalidateRequest struct {
	CustomerID string `json:"customer_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CustomerID == "" || req.EntityType == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("customer_id and entity_type are required"))
		return
	}

	deleted, err := s.orch.Invalidate(r.Context(), fingerprint.Dimensions{
		CustomerID: req.CustomerID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
	})
	if err != nil {
		if errors.Is(err, refresh.ErrMissingDateRange) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info().
		Str("customer_id", req.CustomerID).
		Str("entity_type", req.EntityType).
		Int64("deleted", deleted).
		Msg("Cache invalidated")
	s.writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.GetLockStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("lock key is required"))
		return
	}

	if err := s.orch.ForceReleaseLock(r.Context(), key); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Warn().Str("lock_key", key).Msg("Lock force-released")
	s.writeJSON(w, http.StatusOK, map[string]string{"released": key})
}

func (s *server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("customer_id is required"))
		return
	}

	entries, err := s.store.ListSyncMetadata(r.Context(), customerID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]factstore.SyncMetadata{"syncs": entries})
}

type cleanupRequest struct {
	DryRun bool `json:"dry_run"`
}

func (s *server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := s.store.RetentionCleanup(r.Context(), s.retention, factstore.CleanupOptions{DryRun: req.DryRun})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info().
		Bool("dry_run", req.DryRun).
		Int64("deleted", result.TotalDeleted).
		Bool("truncated", result.Truncated).
		Msg("Retention cleanup ran")
	s.writeJSON(w, http.StatusOK, result)
}
