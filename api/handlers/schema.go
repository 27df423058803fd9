package handlers

import (
	"net/http"

	"github.com/quarrylabs/quarry/api/config"
)

// SchemaResponse carries the prompt-ready schema rendering.
type SchemaResponse struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

// GetSchema returns the cached warehouse schema.
// GET /api/schema
func GetSchema(w http.ResponseWriter, r *http.Request) {
	snap, err := schemaCache.Get(r.Context())
	if err != nil {
		internalError(w, "Failed to fetch schema", err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Database: config.Database(), Schema: snap.Format()})
}

// RefreshSchema forces a fresh schema fetch.
// POST /api/schema/refresh
func RefreshSchema(w http.ResponseWriter, r *http.Request) {
	snap, err := schemaCache.Refresh(r.Context())
	if err != nil {
		internalError(w, "Failed to refresh schema", err)
		return
	}
	writeJSON(w, http.StatusOK, SchemaResponse{Database: config.Database(), Schema: snap.Format()})
}
