package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/intents"
	"github.com/foxzi/listsync/internal/metrics"
)

// IntentsResponse is the response for GET /intents
type IntentsResponse struct {
	Stats   *intents.Stats    `json:"stats"`
	Intents []*intents.Intent `json:"intents"`
}

// WorkerRequest is the request body of the worker trigger
type WorkerRequest struct {
	IntentID string `json:"intent_id"`
}

// WorkerResponse is the response of the worker trigger
type WorkerResponse struct {
	Outcomes []string `json:"outcomes,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// handleListIntents handles GET /api/v1/intents
func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ctx := r.Context()
	stats, err := s.deps.Intents.Stats(ctx)
	if err != nil {
		s.sendErr(w, "intent stats", err)
		return
	}
	list, err := s.deps.Intents.List(ctx, limit)
	if err != nil {
		s.sendErr(w, "list intents", err)
		return
	}

	s.sendJSON(w, http.StatusOK, IntentsResponse{Stats: stats, Intents: list})
}

// handleGetIntent handles GET /api/v1/intents/{id}
func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := s.deps.Intents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, "get intent", err)
		return
	}
	s.sendJSON(w, http.StatusOK, in)
}

// handleDeleteIntent handles DELETE /api/v1/intents/{id}
func (s *Server) handleDeleteIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Intents.Delete(r.Context(), id); err != nil {
		s.sendErr(w, "delete intent", err)
		return
	}

	s.logger.Info("intent deleted via API", "intent_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleMetadata handles GET /api/v1/metadata/{listID}
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metadata == nil {
		s.sendErr(w, "metadata", errs.E(errs.ProviderUnavailable, "api.Metadata", "metadata cache is not enabled"))
		return
	}

	md, err := s.deps.Metadata.ListMetadata(r.Context(), chi.URLParam(r, "listID"))
	if err != nil {
		s.sendErr(w, "metadata", err)
		return
	}
	s.sendJSON(w, http.StatusOK, md)
}

// handleWorkerIntents handles POST /internal/worker/intents. The caller
// fires and forgets, so the response is 200 whatever happens; an empty
// intent id sweeps the oldest intents. Processing outlives the request:
// the caller hanging up must not cancel a subscription in flight.
func (s *Server) handleWorkerIntents(w http.ResponseWriter, r *http.Request) {
	var req WorkerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.logger.Warn("invalid worker request", "error", err)
			metrics.IncAPIErrors("worker")
			s.sendJSON(w, http.StatusOK, WorkerResponse{Error: "invalid request body"})
			return
		}
	}

	outcomes, err := s.deps.Intents.Process(context.WithoutCancel(r.Context()), req.IntentID)
	if err != nil {
		s.logger.Error("worker failed to process intent", "intent_id", req.IntentID, "error", err)
		metrics.IncAPIErrors("worker")
		s.sendJSON(w, http.StatusOK, WorkerResponse{Outcomes: outcomes, Error: err.Error()})
		return
	}

	s.sendJSON(w, http.StatusOK, WorkerResponse{Outcomes: outcomes})
}
