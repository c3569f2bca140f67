package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

const (
	// manualReconcileTimeout bounds a manually triggered cycle.
	manualReconcileTimeout = 10 * time.Minute
	// triggerResponseBudget is how long the trigger endpoint waits for
	// the cycle before answering with just the correlation ID.
	triggerResponseBudget = time.Second
)

// reconcileHandler exposes manual triggering and status of the
// orchestrator.
type reconcileHandler struct {
	svc    scrambridge.SyncService
	logger *slog.Logger
}

// newReconcileHandler is a constructor of the reconcile handler.
func newReconcileHandler(svc scrambridge.SyncService, logger *slog.Logger) *reconcileHandler {
	return &reconcileHandler{svc: svc, logger: logger}
}

type reconcileOutcome struct {
	result *scrambridge.ReconcileResult
	err    error
}

// trigger handles POST /api/reconcile/trigger. The cycle runs in the
// background; fast cycles answer with their final counts, slow ones with
// the correlation ID only.
func (h *reconcileHandler) trigger(w http.ResponseWriter, r *http.Request) {
	outcome := make(chan reconcileOutcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), manualReconcileTimeout)
		defer cancel()
		res, err := h.svc.Reconcile(ctx, scrambridge.SourceManual)
		if err != nil && !errors.Is(err, scrambridge.ErrReconcileRunning) {
			h.logger.Error("manual reconciliation failed", slog.Any("error", err))
		}
		outcome <- reconcileOutcome{result: res, err: err}
	}()

	budget := time.NewTimer(triggerResponseBudget)
	defer budget.Stop()

	select {
	case out := <-outcome:
		switch {
		case errors.Is(out.err, scrambridge.ErrReconcileRunning):
			writeJSON(w, h.logger, http.StatusConflict, map[string]any{
				"error":          "reconciliation already running",
				"correlation_id": h.svc.Status().CurrentCorrelationID,
			})
		case out.err != nil:
			resp := map[string]any{
				"status": "failed",
				"error":  out.err.Error(),
			}
			if out.result != nil && out.result.CorrelationID != "" {
				resp["correlation_id"] = out.result.CorrelationID
			}
			writeJSON(w, h.logger, http.StatusAccepted, resp)
		default:
			writeJSON(w, h.logger, http.StatusAccepted, map[string]any{
				"status":         "completed",
				"correlation_id": out.result.CorrelationID,
				"items_total":    out.result.ItemsTotal,
				"items_success":  out.result.ItemsSuccess,
				"items_error":    out.result.ItemsError,
				"duration_ms":    out.result.DurationMS,
			})
		}
	case <-budget.C:
		writeJSON(w, h.logger, http.StatusAccepted, map[string]any{
			"status":         "started",
			"correlation_id": h.svc.Status().CurrentCorrelationID,
		})
	}
}

// status handles GET /api/reconcile/status.
func (h *reconcileHandler) status(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()
	resp := map[string]any{"running": st.Running}
	if st.CurrentCorrelationID != "" {
		resp["current_correlation_id"] = st.CurrentCorrelationID
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}
