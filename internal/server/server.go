// Package server provides the HTTP surface of the bridge: webhook
// ingress, the reconcile and audit APIs, the retention config endpoints
// and the health probes.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// errorResponse is the JSON error envelope of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write json response", slog.Any("error", err))
	}
}

// writeError writes the JSON error envelope.
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// queryTime parses an RFC 3339 query parameter, nil when absent or
// malformed.
func queryTime(r *http.Request, name string) *time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
