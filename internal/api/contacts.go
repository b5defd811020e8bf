package api

import (
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/listsync/internal/contacts"
	"github.com/foxzi/listsync/internal/ipfilter"
	"github.com/foxzi/listsync/internal/provider"
	"github.com/foxzi/listsync/internal/ratelimit"
)

// UpsertContactRequest is the request body for POST /contacts
type UpsertContactRequest struct {
	Contact provider.Contact `json:"contact"`
	Lists   []string         `json:"lists"`
	Async   bool             `json:"async"`
	Context string           `json:"context,omitempty"`
}

// UpsertContactResponse is the response for POST /contacts
type UpsertContactResponse struct {
	*contacts.UpsertResult
	Error string `json:"error,omitempty"`
}

// UpdateContactListsRequest is the request body for PUT /contacts/{email}/lists
type UpdateContactListsRequest struct {
	Lists []string `json:"lists"`
}

// SubscriptionErrorResponse is the response for GET /users/{id}/subscription-error
type SubscriptionErrorResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Error  string `json:"error"`
}

// handleUpsertContact handles POST /api/v1/contacts
func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var req UpsertContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Contact.Email == "" {
		s.sendError(w, http.StatusBadRequest, "contact.email is required")
		return
	}

	if !s.allowSubscribe(w, r, req.Contact.Email) {
		return
	}

	res, err := s.deps.Pipeline.Upsert(r.Context(), req.Contact, req.Lists, contacts.UpsertOptions{
		Async:   req.Async,
		Context: req.Context,
	})
	if res == nil {
		s.sendErr(w, "upsert contact", err)
		return
	}

	if res.Queued {
		s.sendJSON(w, http.StatusAccepted, UpsertContactResponse{UpsertResult: res})
		return
	}

	resp := UpsertContactResponse{UpsertResult: res}
	if err != nil {
		// the contact exists but some lists failed
		resp.Error = err.Error()
		s.logger.Warn("contact upserted with errors", "error", err)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// allowSubscribe applies the subscribe quotas and writes the 429 response
// when a quota is exhausted
func (s *Server) allowSubscribe(w http.ResponseWriter, r *http.Request, email string) bool {
	if s.deps.Limiter == nil {
		return true
	}

	req := &ratelimit.Request{Email: email, Provider: s.deps.Selection.ActiveSlug()}
	if ip := ipfilter.GetClientIP(r); ip != nil {
		req.IP = ip.String()
	}

	result, err := s.deps.Limiter.Allow(r.Context(), req)
	if err != nil {
		s.logger.Error("rate limit check failed", "error", err)
		return true
	}
	if result.Allowed {
		return true
	}

	s.logger.Warn("subscribe rate limited", "level", result.DeniedBy, "key", result.DeniedKey)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
	s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded ("+string(result.DeniedBy)+")")
	return false
}

// handleUpdateContactLists handles PUT /api/v1/contacts/{email}/lists
func (s *Server) handleUpdateContactLists(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		s.sendError(w, http.StatusBadRequest, "email is required")
		return
	}

	var req UpdateContactListsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	changed, err := s.deps.Pipeline.UpdateLists(r.Context(), email, req.Lists)
	if err != nil {
		s.sendErr(w, "update contact lists", err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// handleDeleteContact handles DELETE /api/v1/users/{id}/contact
func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.deps.Pipeline.Delete(r.Context(), id)
	if err != nil {
		s.sendErr(w, "delete contact", err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// handleSubscriptionError handles GET /api/v1/users/{id}/subscription-error
func (s *Server) handleSubscriptionError(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Users.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendErr(w, "subscription error", err)
		return
	}

	s.sendJSON(w, http.StatusOK, SubscriptionErrorResponse{
		UserID: u.ID,
		Email:  u.Email,
		Error:  u.LastSubscriptionError,
	})
}
