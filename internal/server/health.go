package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Dependency state strings reported by the readiness endpoint.
const (
	stateUp          = "UP"
	stateDown        = "DOWN"
	stateCircuitOpen = "CIRCUIT_OPEN"
)

// readinessProbeTimeout bounds one dependency probe.
const readinessProbeTimeout = 5 * time.Second

// ReadinessProbe checks one downstream dependency.
type ReadinessProbe struct {
	// Check returns an error when the dependency is unreachable.
	Check func(ctx context.Context) error
	// BreakerState reports the circuit state, "" when the dependency has
	// no breaker.
	BreakerState func() string
	Name         string
}

// healthHandler serves the liveness and readiness endpoints.
type healthHandler struct {
	probes []ReadinessProbe
	logger *slog.Logger
}

// newHealthHandler is a constructor of the health handler.
func newHealthHandler(probes []ReadinessProbe, logger *slog.Logger) *healthHandler {
	return &healthHandler{probes: probes, logger: logger}
}

// alive handles GET /health and GET /healthz.
func (h *healthHandler) alive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// ready handles GET /readyz: 200 only when every dependency probe
// passes, 503 otherwise, with the per-dependency state in the body.
func (h *healthHandler) ready(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]string, len(h.probes))
	allUp := true

	for _, probe := range h.probes {
		if probe.BreakerState != nil && probe.BreakerState() == stateCircuitOpen {
			states[probe.Name] = stateCircuitOpen
			allUp = false
			continue
		}

		probeCtx, cancel := context.WithTimeout(r.Context(), readinessProbeTimeout)
		err := probe.Check(probeCtx)
		cancel()
		if err != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("dependency", probe.Name),
				slog.Any("error", err))
			states[probe.Name] = stateDown
			allUp = false
			continue
		}
		states[probe.Name] = stateUp
	}

	status := http.StatusOK
	overall := "ready"
	if !allUp {
		status = http.StatusServiceUnavailable
		overall = "not ready"
	}
	writeJSON(w, h.logger, status, map[string]any{
		"status":       overall,
		"dependencies": states,
	})
}
