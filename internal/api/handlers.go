package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"clinicbot/internal/domain"
)

type startBotRequest struct {
	Token string `json:"token"`
}

type botResponse struct {
	TenantID    string `json:"tenant_id"`
	Configured  bool   `json:"configured"`
	DisplayName string `json:"display_name,omitempty"`
	DeepLink    string `json:"deep_link,omitempty"`
}

type notifyRequest struct {
	TenantID string `json:"tenant_id"`
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	Async    bool   `json:"async"`
}

type ratingRequest struct {
	TenantID     string `json:"tenant_id"`
	ChatID       string `json:"chat_id"`
	RefID        string `json:"ref_id"`
	IdentityName string `json:"identity_name"`
	Async        bool   `json:"async"`
}

type notifyResponse struct {
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued,omitempty"`
	Error     string `json:"error,omitempty"`
}

// startBot stores the token and starts the tenant's session. The token is
// stored first so events arriving on the new session find the tenant; a
// token that fails to connect is rolled back to the previous one.
// POST /v1/tenants/{tenantID}/bot
func (s *Server) startBot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req startBotRequest
	if !decode(w, r, &req) {
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	t, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	prev := t.BotToken

	if err := s.store.UpdateTenant(r.Context(), tenantID, domain.TenantUpdate{BotToken: &req.Token}); err != nil {
		s.logger.Error("store bot token", "tenant_id", tenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	if err := s.sessions.Start(r.Context(), tenantID, req.Token); err != nil {
		s.logger.Warn("start bot failed", "tenant_id", tenantID, "err", err)
		if restoreErr := s.store.UpdateTenant(r.Context(), tenantID, domain.TenantUpdate{BotToken: &prev}); restoreErr != nil {
			s.logger.Error("restore previous bot token", "tenant_id", tenantID, "err", restoreErr)
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.botState(tenantID, true))
}

// stopBot stops the tenant's session and clears its token.
// DELETE /v1/tenants/{tenantID}/bot
func (s *Server) stopBot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !s.tenantExists(w, r, tenantID) {
		return
	}
	if err := s.sessions.Stop(r.Context(), tenantID); err != nil {
		s.logger.Error("stop bot failed", "tenant_id", tenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to stop bot")
		return
	}
	empty := ""
	if err := s.store.UpdateTenant(r.Context(), tenantID, domain.TenantUpdate{BotToken: &empty}); err != nil {
		s.logger.Error("clear bot token", "tenant_id", tenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to clear token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/tenants/{tenantID}/bot
func (s *Server) getBot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	t, err := s.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.botState(tenantID, t.BotToken != ""))
}

func (s *Server) botState(tenantID string, configured bool) botResponse {
	resp := botResponse{TenantID: tenantID, Configured: configured}
	resp.DisplayName, _ = s.sessions.DisplayName(tenantID)
	resp.DeepLink, _ = s.sessions.DeepLink(tenantID, "")
	return resp
}

// GET /v1/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Snapshot())
}

// POST /v1/notify
func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.ChatID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, chat_id and text are required")
		return
	}

	if req.Async {
		s.queued(w, s.notifier.SendAsync(req.TenantID, req.ChatID, req.Text))
		return
	}
	delivered, err := s.notifier.Send(r.Context(), req.TenantID, req.ChatID, req.Text)
	s.delivered(w, delivered, err)
}

// POST /v1/notify/rating
func (s *Server) notifyRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.ChatID == "" || req.RefID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id, chat_id and ref_id are required")
		return
	}

	if req.Async {
		s.queued(w, s.notifier.SendRatingPromptAsync(req.TenantID, req.ChatID, req.RefID, req.IdentityName))
		return
	}
	delivered, err := s.notifier.SendRatingPrompt(r.Context(), req.TenantID, req.ChatID, req.RefID, req.IdentityName)
	s.delivered(w, delivered, err)
}

func (s *Server) queued(w http.ResponseWriter, ok bool) {
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, notifyResponse{Error: "notification queue unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, notifyResponse{Queued: true})
}

// delivered reports a synchronous send. A tenant without a live bot is not
// an error: the response carries delivered=false.
func (s *Server) delivered(w http.ResponseWriter, ok bool, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, notifyResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, notifyResponse{Delivered: ok})
}

// GET /v1/tenants/{tenantID}/deliveries?limit=
func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.store.ListDeliveries(r.Context(), tenantID, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.DeliveryLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) tenantExists(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if _, err := s.store.GetTenant(r.Context(), tenantID); err != nil {
		s.storeError(w, err)
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return
	}
	s.logger.Error("store error", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
