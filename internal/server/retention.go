package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// retentionHandler exposes the retention policy config endpoints.
type retentionHandler struct {
	svc    scrambridge.RetentionService
	logger *slog.Logger
}

// newRetentionHandler is a constructor of the retention handler.
func newRetentionHandler(svc scrambridge.RetentionService, logger *slog.Logger) *retentionHandler {
	return &retentionHandler{svc: svc, logger: logger}
}

// retentionJSON is the wire form of the retention state.
type retentionJSON struct {
	UpdatedAt          time.Time  `json:"updated_at"`
	LastPurgeAt        *time.Time `json:"last_purge_at,omitempty"`
	MaxBytes           *int64     `json:"max_bytes"`
	MaxAgeDays         *int       `json:"max_age_days"`
	ApproxDBBytes      int64      `json:"approx_db_bytes"`
	TotalPurgedRecords int64      `json:"total_purged_records"`
}

func toRetentionJSON(state *scrambridge.RetentionState) retentionJSON {
	return retentionJSON{
		UpdatedAt:          state.UpdatedAt,
		LastPurgeAt:        state.LastPurgeAt,
		MaxBytes:           state.MaxBytes,
		MaxAgeDays:         state.MaxAgeDays,
		ApproxDBBytes:      state.ApproxDBBytes,
		TotalPurgedRecords: state.TotalPurgedRecords,
	}
}

// getPolicy handles GET /api/config/retention.
func (h *retentionHandler) getPolicy(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Policy(r.Context())
	if err != nil {
		h.logger.Error("read retention policy", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "failed to read retention policy")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toRetentionJSON(state))
}

// updatePolicy handles PUT /api/config/retention.
func (h *retentionHandler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	var req scrambridge.UpdateRetentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.svc.UpdatePolicy(r.Context(), &req)
	if err != nil {
		h.logger.Error("update retention policy", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "failed to update retention policy")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, toRetentionJSON(state))
}
