// Package worker provides the background timers of the bridge: the
// periodic reconciliation and the retention purge.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// ReconcileWorker triggers a full reconciliation cycle on a fixed
// interval.
type ReconcileWorker struct {
	syncer   scrambridge.SyncService
	logger   *slog.Logger
	stopCh   chan struct{}
	interval time.Duration
	mu       sync.Mutex
	running  bool
}

// NewReconcileWorker creates a new periodic reconciliation worker.
func NewReconcileWorker(syncer scrambridge.SyncService, interval time.Duration, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		syncer:   syncer,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins triggering reconciliations in the background. The first
// cycle runs immediately.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("reconcile worker started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconcile worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			w.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

// Stop stops the reconcile worker.
func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopCh)
	w.running = false
}

func (w *ReconcileWorker) reconcile(ctx context.Context) {
	_, err := w.syncer.Reconcile(ctx, scrambridge.SourcePeriodic)
	if err != nil && !errors.Is(err, scrambridge.ErrReconcileRunning) {
		w.logger.Error("periodic reconciliation failed", slog.Any("error", err))
	}
}
