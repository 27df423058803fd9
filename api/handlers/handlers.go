// Package handlers wires the query-resolution workflow to HTTP and MCP.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// Agent is the workflow surface the handlers invoke.
type Agent interface {
	Run(ctx context.Context, question, sessionID string) (*workflow.TurnResult, error)
}

var (
	agent       Agent
	mem         memory.Store
	schemaCache *workflow.SchemaCache
	logger      = slog.Default()
)

// Init wires the handler package to its dependencies. Call once at startup.
func Init(a Agent, store memory.Store, cache *workflow.SchemaCache, log *slog.Logger) {
	agent = a
	mem = store
	schemaCache = cache
	if log != nil {
		logger = log
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// internalError logs the cause and returns a generic message for the client.
func internalError(w http.ResponseWriter, msg string, err error) {
	logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}
