package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opencreds/wallet-session-coordinator/interfaces"
)

// Handler exposes the relay over HTTP.
type Handler struct {
	store *Store
	log   *slog.Logger
}

// NewHandler creates an HTTP handler over a session store.
func NewHandler(store *Store, log *slog.Logger) *Handler {
	return &Handler{store: store, log: log}
}

// RegisterRoutes configures the relay API on a chi router:
//   - POST /api/link/session: allocate a pairing session
//   - POST /api/link/session/{session_id}/share: approver publishes a sealed share
//   - GET /api/link/session/{session_id}/share: requester polls for the share
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/link/session", h.handleCreateSession)
	r.Post("/api/link/session/{session_id}/share", h.handlePublishShare)
	r.Get("/api/link/session/{session_id}/share", h.handleFetchShare)
}

type publishShareRequest struct {
	Share string `json:"share"` // base64 encoded, sealed
}

type fetchShareResponse struct {
	Share string `json:"share"` // base64 encoded, sealed
}

// handleCreateSession allocates a new pairing session.
//
// Endpoint: POST /api/link/session
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.CreateSession(r.Context())
	if err != nil {
		h.log.Error("Failed to create link session", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

// handlePublishShare stores the approver's sealed share for a session.
// Expired sessions answer 410 so approvers surface a clear "start over".
//
// Endpoint: POST /api/link/session/{session_id}/share
func (h *Handler) handlePublishShare(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req publishShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(req.Share)
	if err != nil || len(sealed) == 0 {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}

	switch err := h.store.PublishShare(r.Context(), sessionID, sealed); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, interfaces.ErrSessionNotFound):
		http.Error(w, "Unknown session", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrSessionExpired):
		http.Error(w, "Session expired", http.StatusGone)
	default:
		h.log.Error("Failed to publish share", "sessionID", sessionID, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleFetchShare delivers the sealed share to the requester, one-shot.
// 204 means the approver has not published yet; 410 means the session is
// void and the requester should stop polling.
//
// Endpoint: GET /api/link/session/{session_id}/share
func (h *Handler) handleFetchShare(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	sealed, err := h.store.FetchShare(r.Context(), sessionID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fetchShareResponse{
			Share: base64.StdEncoding.EncodeToString(sealed),
		})
	case errors.Is(err, interfaces.ErrShareUnavailable):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, interfaces.ErrSessionNotFound):
		http.Error(w, "Unknown session", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrSessionExpired):
		http.Error(w, "Session expired", http.StatusGone)
	default:
		h.log.Error("Failed to fetch share", "sessionID", sessionID, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
