// Package api serves the HTTP endpoints that sit beside the WebSocket: ticket
// issuance and message history.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/codeGROOVE-dev/parley/pkg/auth"
	"github.com/codeGROOVE-dev/parley/pkg/logger"
)

// Authenticator verifies the bearer credential on a request.
type Authenticator interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn(r.Context(), "failed to write response", logger.Fields{"path": r.URL.Path, "error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}
