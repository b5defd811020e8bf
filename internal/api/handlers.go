package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/intents"
	"github.com/foxzi/listsync/internal/lists"
	"github.com/foxzi/listsync/internal/provider"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Provider *ProviderHealth `json:"provider"`
	Intents  *intents.Stats  `json:"intents,omitempty"`
}

// ProviderHealth describes the active provider
type ProviderHealth struct {
	Active    string `json:"active"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ListView is a list together with its form id and provider readiness
type ListView struct {
	*lists.List
	FormID     string `json:"form_id"`
	Configured bool   `json:"configured"`
}

// ListsResponse is the response of the list endpoints
type ListsResponse struct {
	Lists []ListView `json:"lists"`
	Error string     `json:"error,omitempty"`
}

// UpdateListsRequest is the request body for PUT /lists
type UpdateListsRequest struct {
	Lists []lists.DesiredList `json:"lists"`
}

// CreateListRequest is the request body for POST /lists
type CreateListRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Active      *bool  `json:"active"`
}

// SendListsResponse is the response for GET /send-lists
type SendListsResponse struct {
	Provider  string               `json:"provider"`
	SendLists []*provider.SendList `json:"send_lists"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.deps.Version,
		Uptime:   time.Since(s.startTime).String(),
		Provider: &ProviderHealth{},
	}

	if s.deps.Selection != nil {
		resp.Provider.Active = s.deps.Selection.ActiveSlug()
		if _, err := s.deps.Selection.Active(); err != nil {
			resp.Provider.Error = err.Error()
		} else {
			resp.Provider.Available = true
		}
	}
	if s.deps.Intents != nil {
		resp.Intents, _ = s.deps.Intents.Stats(r.Context())
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleListsConfig handles GET /api/v1/lists_config
func (s *Server) handleListsConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Registry.ListsConfig(r.Context())
	if err != nil {
		s.sendErr(w, "lists config", err)
		return
	}
	s.sendJSON(w, http.StatusOK, cfg)
}

// handleGetLists handles GET /api/v1/lists
func (s *Server) handleGetLists(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Registry.GetLists(r.Context())
	if err != nil {
		s.sendErr(w, "get lists", err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListsResponse{Lists: s.listViews(all)})
}

// handleUpdateLists handles PUT /api/v1/lists
func (s *Server) handleUpdateLists(w http.ResponseWriter, r *http.Request) {
	var req UpdateListsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Lists) == 0 {
		s.sendError(w, http.StatusBadRequest, "lists is required")
		return
	}

	updated, err := s.deps.Registry.UpdateLists(r.Context(), req.Lists)
	if err != nil && len(updated) == 0 {
		s.sendErr(w, "update lists", err)
		return
	}

	resp := ListsResponse{Lists: s.listViews(updated)}
	if err != nil {
		// some lists were saved
		resp.Error = err.Error()
		s.logger.Warn("lists partially updated", "updated", len(updated), "error", err)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleCreateList handles POST /api/v1/lists
func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req CreateListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	l, err := s.deps.Registry.CreateLocal(r.Context(), req.Title, req.Description, active)
	if err != nil {
		s.sendErr(w, "create list", err)
		return
	}

	s.logger.Info("local list created", "id", l.ID, "title", l.Title)
	s.sendJSON(w, http.StatusCreated, s.listView(l))
}

// handleSendLists handles GET /api/v1/send-lists
func (s *Server) handleSendLists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		driver provider.Driver
		err    error
	)
	if slug := q.Get("provider"); slug != "" {
		driver, err = s.deps.Selection.Get(slug)
	} else {
		driver, err = s.deps.Selection.Active()
	}
	if err != nil {
		s.sendErr(w, "send lists", err)
		return
	}

	filter := provider.SendListFilter{
		IDs:      splitParam(q.Get("ids")),
		Search:   splitParam(q.Get("search")),
		Type:     q.Get("type"),
		ParentID: q.Get("parent_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	sendLists, err := driver.GetSendLists(r.Context(), filter)
	if err != nil {
		s.sendErr(w, "send lists", err)
		return
	}
	if sendLists == nil {
		sendLists = []*provider.SendList{}
	}

	s.sendJSON(w, http.StatusOK, SendListsResponse{Provider: driver.Slug(), SendLists: sendLists})
}

func (s *Server) listView(l *lists.List) ListView {
	slug := s.deps.Selection.ActiveSlug()
	return ListView{List: l, FormID: l.FormID(), Configured: l.IsConfiguredForProvider(slug)}
}

func (s *Server) listViews(all []*lists.List) []ListView {
	out := make([]ListView, 0, len(all))
	for _, l := range all {
		out = append(out, s.listView(l))
	}
	return out
}

// splitParam splits a comma separated query parameter
func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendErr maps err to its HTTP status and sends it
func (s *Server) sendErr(w http.ResponseWriter, op string, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err)
	}

	resp := ErrorResponse{Error: err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		resp.Kind = e.Kind.String()
	}
	s.sendJSON(w, status, resp)
}
