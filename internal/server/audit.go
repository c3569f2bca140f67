package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// auditHandler serves the recorded operations, batches and the KPI
// summary.
type auditHandler struct {
	operations scrambridge.OperationStore
	batches    scrambridge.BatchStore
	retention  scrambridge.RetentionService
	syncer     scrambridge.SyncService
	backlog    func() int
	now        func() time.Time
	logger     *slog.Logger
}

// newAuditHandler is a constructor of the audit handler.
func newAuditHandler(
	operations scrambridge.OperationStore,
	batches scrambridge.BatchStore,
	retention scrambridge.RetentionService,
	syncer scrambridge.SyncService,
	backlog func() int,
	now func() time.Time,
	logger *slog.Logger,
) *auditHandler {
	return &auditHandler{
		operations: operations,
		batches:    batches,
		retention:  retention,
		syncer:     syncer,
		backlog:    backlog,
		now:        now,
		logger:     logger,
	}
}

// operationJSON is the wire form of one audit row.
type operationJSON struct {
	OccurredAt    time.Time `json:"occurred_at"`
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Realm         string    `json:"realm"`
	ClusterID     string    `json:"cluster_id"`
	Principal     string    `json:"principal"`
	OpType        string    `json:"op_type"`
	Mechanism     string    `json:"mechanism,omitempty"`
	Result        string    `json:"result"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	RetryCount    int       `json:"retry_count"`
}

// batchJSON is the wire form of one batch row.
type batchJSON struct {
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	ID            int64      `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Source        string     `json:"source"`
	ItemsTotal    int        `json:"items_total"`
	ItemsSuccess  int        `json:"items_success"`
	ItemsError    int        `json:"items_error"`
	ErrorSummary  string     `json:"error_summary,omitempty"`
}

type pageJSON[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

// listOperations handles GET /api/operations.
func (h *auditHandler) listOperations(w http.ResponseWriter, r *http.Request) {
	criteria := &scrambridge.ListOperationsCriteria{
		From:      queryTime(r, "startTime"),
		To:        queryTime(r, "endTime"),
		Principal: r.URL.Query().Get("principal"),
		OpType:    scrambridge.OpType(r.URL.Query().Get("opType")),
		Result:    scrambridge.OpResult(r.URL.Query().Get("result")),
		Page:      max(queryInt(r, "page", 0), 0),
		Size:      clampPageSize(queryInt(r, "size", defaultPageSize)),
	}

	ops, total, err := h.operations.ListOperations(r.Context(), criteria)
	if err != nil {
		h.logger.Error("list operations", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list operations")
		return
	}

	items := make([]operationJSON, 0, len(ops))
	for i := range ops {
		items = append(items, operationJSON{
			OccurredAt:    ops[i].OccurredAt,
			ID:            ops[i].ID,
			CorrelationID: ops[i].CorrelationID,
			Realm:         ops[i].Realm,
			ClusterID:     ops[i].ClusterID,
			Principal:     ops[i].Principal,
			OpType:        string(ops[i].OpType),
			Mechanism:     string(ops[i].Mechanism),
			Result:        string(ops[i].Result),
			ErrorCode:     ops[i].ErrorCode,
			ErrorMessage:  ops[i].ErrorMessage,
			DurationMS:    ops[i].DurationMS,
			RetryCount:    ops[i].RetryCount,
		})
	}
	writeJSON(w, h.logger, http.StatusOK, pageJSON[operationJSON]{
		Items: items, Total: total, Page: criteria.Page, Size: criteria.Size,
	})
}

// listBatches handles GET /api/batches.
func (h *auditHandler) listBatches(w http.ResponseWriter, r *http.Request) {
	criteria := &scrambridge.ListBatchesCriteria{
		From:   queryTime(r, "startTime"),
		To:     queryTime(r, "endTime"),
		Source: scrambridge.BatchSource(r.URL.Query().Get("source")),
		Page:   max(queryInt(r, "page", 0), 0),
		Size:   clampPageSize(queryInt(r, "size", defaultPageSize)),
	}

	batches, total, err := h.batches.ListBatches(r.Context(), criteria)
	if err != nil {
		h.logger.Error("list batches", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "failed to list batches")
		return
	}

	items := make([]batchJSON, 0, len(batches))
	for i := range batches {
		items = append(items, batchJSON{
			StartedAt:     batches[i].StartedAt,
			FinishedAt:    batches[i].FinishedAt,
			DurationMS:    batches[i].DurationMS,
			ID:            batches[i].ID,
			CorrelationID: batches[i].CorrelationID,
			Source:        string(batches[i].Source),
			ItemsTotal:    batches[i].ItemsTotal,
			ItemsSuccess:  batches[i].ItemsSuccess,
			ItemsError:    batches[i].ItemsError,
			ErrorSummary:  batches[i].ErrorSummary,
		})
	}
	writeJSON(w, h.logger, http.StatusOK, pageJSON[batchJSON]{
		Items: items, Total: total, Page: criteria.Page, Size: criteria.Size,
	})
}

// summary handles GET /api/summary: operation rates and latency over the
// last hour plus store usage.
func (h *auditHandler) summary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := h.now().UTC().Add(-time.Hour)

	stats, err := h.operations.Stats(ctx, since)
	if err != nil {
		h.logger.Error("operation stats", slog.Any("error", err))
		writeError(w, h.logger, http.StatusInternalServerError, "failed to aggregate operations")
		return
	}

	errorRate := 0.0
	if stats.Total > 0 {
		errorRate = float64(stats.Errors) / float64(stats.Total)
	}

	status := h.syncer.Status()
	resp := map[string]any{
		"ops_last_hour":     stats.Total,
		"errors_last_hour":  stats.Errors,
		"error_rate":        errorRate,
		"p95_duration_ms":   stats.P95DurationMS,
		"p99_duration_ms":   stats.P99DurationMS,
		"queue_backlog":     h.backlog(),
		"reconcile_running": status.Running,
	}
	if status.CurrentCorrelationID != "" {
		resp["current_correlation_id"] = status.CurrentCorrelationID
	}

	if state, err := h.retention.Policy(ctx); err == nil {
		resp["approx_db_bytes"] = state.ApproxDBBytes
		resp["total_purged_records"] = state.TotalPurgedRecords
	} else {
		h.logger.Error("retention policy probe", slog.Any("error", err))
	}

	writeJSON(w, h.logger, http.StatusOK, resp)
}

func clampPageSize(size int) int {
	if size < 1 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}
