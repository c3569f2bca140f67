package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// Backend is all services and associated parameters required to construct a Handler.
type Backend struct {
	Now              func() time.Time
	SyncService      scrambridge.SyncService
	RetentionService scrambridge.RetentionService
	OperationStore   scrambridge.OperationStore
	BatchStore       scrambridge.BatchStore
	Ingress          EventIngress
	Backlog          func() int
	Probes           []ReadinessProbe
	Reg              *prometheus.Registry
	Logger           *slog.Logger
}

// Handler is a collection of all the service handlers.
type Handler struct {
	*http.ServeMux
}

// NewHandler initialize dependencies and returns router with attached routes.
func NewHandler(b *Backend) (*Handler, error) {
	mux := http.NewServeMux()

	recoverMw := newRecoverMw(b.Reg, b.Logger.With(
		slog.String("middleware", "recover"),
	))

	prometheusMw := newPrometheusMW(b.Reg, b.Now)

	chain := func(handler http.HandlerFunc) http.HandlerFunc {
		handler = recoverMw.recover(handler)
		handler = prometheusMw.recordLatency(handler)
		return handler
	}

	eventHandler := newEventHandler(b.Ingress, b.Logger.With(
		slog.String("handler", "event"),
	))
	mux.HandleFunc("POST /api/kc/events", chain(eventHandler.ingestEvent))

	reconcileHandler := newReconcileHandler(b.SyncService, b.Logger.With(
		slog.String("handler", "reconcile"),
	))
	mux.HandleFunc("POST /api/reconcile/trigger", chain(reconcileHandler.trigger))
	mux.HandleFunc("GET /api/reconcile/status", chain(reconcileHandler.status))

	auditHandler := newAuditHandler(
		b.OperationStore,
		b.BatchStore,
		b.RetentionService,
		b.SyncService,
		b.Backlog,
		b.Now,
		b.Logger.With(slog.String("handler", "audit")),
	)
	mux.HandleFunc("GET /api/summary", chain(auditHandler.summary))
	mux.HandleFunc("GET /api/operations", chain(auditHandler.listOperations))
	mux.HandleFunc("GET /api/batches", chain(auditHandler.listBatches))

	retentionHandler := newRetentionHandler(b.RetentionService, b.Logger.With(
		slog.String("handler", "retention"),
	))
	mux.HandleFunc("GET /api/config/retention", chain(retentionHandler.getPolicy))
	mux.HandleFunc("PUT /api/config/retention", chain(retentionHandler.updatePolicy))

	healthHandler := newHealthHandler(b.Probes, b.Logger.With(
		slog.String("handler", "health"),
	))
	mux.HandleFunc("GET /health", healthHandler.alive)
	mux.HandleFunc("GET /healthz", healthHandler.alive)
	mux.HandleFunc("GET /readyz", chain(healthHandler.ready))

	mux.Handle("GET /metrics", promhttp.HandlerFor(b.Reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &Handler{ServeMux: mux}, nil
}
