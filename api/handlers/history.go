package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
)

const defaultHistoryLimit = 50

// HistoryResponse lists a session's conversation records, oldest first.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Records   []memory.Record `json:"records"`
}

// GetHistory returns recent records for a session.
// GET /api/sessions/{sessionID}/history?limit=N
func GetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Session ID is required"})
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		limit = n
	}

	records, err := mem.Recent(r.Context(), sessionID, limit)
	if err != nil {
		internalError(w, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: sessionID, Records: records})
}

// ClearHistory removes all records for a session.
// DELETE /api/sessions/{sessionID}/history
func ClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Session ID is required"})
		return
	}
	if err := mem.Clear(r.Context(), sessionID); err != nil {
		internalError(w, "Failed to clear history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "session_id": sessionID})
}
