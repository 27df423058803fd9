package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/api/metrics"
)

// AskRequest is a natural-language question. SessionID is optional; when
// empty a new session is started and its ID returned. "question" is accepted
// as a legacy alias for "query".
type AskRequest struct {
	Query     string `json:"query"`
	Question  string `json:"question,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Ask resolves one question through the workflow.
// POST /api/ask
func Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = strings.TrimSpace(req.Question)
	}
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Query is required"})
		return
	}

	result, err := agent.Run(r.Context(), query, req.SessionID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Client went away; nothing useful to send.
			return
		}
		internalError(w, "Failed to resolve question", err)
		return
	}

	metrics.RecordTurn(string(result.Outcome))
	writeJSON(w, http.StatusOK, result)
}
