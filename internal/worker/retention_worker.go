package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// RetentionWorker runs the retention purge on a fixed interval.
type RetentionWorker struct {
	retention scrambridge.RetentionService
	logger    *slog.Logger
	stopCh    chan struct{}
	interval  time.Duration
	mu        sync.Mutex
	running   bool
}

// NewRetentionWorker creates a new retention purge worker.
func NewRetentionWorker(retention scrambridge.RetentionService, interval time.Duration, logger *slog.Logger) *RetentionWorker {
	return &RetentionWorker{
		retention: retention,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins purging in the background.
func (w *RetentionWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("retention worker started", slog.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopped")
			return
		case <-ticker.C:
			if err := w.retention.Purge(ctx); err != nil {
				w.logger.Error("retention purge failed", slog.Any("error", err))
			}
		}
	}
}

// Stop stops the retention worker.
func (w *RetentionWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	close(w.stopCh)
	w.running = false
}
