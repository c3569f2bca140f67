// Package retention enforces the audit store retention policy: an age
// axis and a size axis, both optional, applied by a periodic purge.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

const (
	// purgeTimeout bounds one purge pass.
	purgeTimeout = 60 * time.Second
	// sizeTargetRatio is how far below the byte limit the size purge
	// drives the store, to avoid purging on every pass.
	sizeTargetRatio = 0.9
	// maxSizePasses bounds the delete-and-remeasure loop.
	maxSizePasses = 20
	// minDeleteBatch is the smallest number of rows removed per pass.
	minDeleteBatch = 100
)

// Config contains the retention settings read from the environment.
// Unset limits leave the stored policy untouched.
type Config struct {
	MaxBytes   *int64 `env:"RETENTION_MAX_BYTES"`
	MaxAgeDays *int   `env:"RETENTION_MAX_AGE_DAYS"`
}

// Service owns the purge loop and the policy surface. Implements
// scrambridge.RetentionService.
type Service struct {
	store      scrambridge.RetentionStore
	operations scrambridge.OperationStore
	logger     *slog.Logger
	now        func() time.Time
	running    atomic.Bool
}

// NewService is a constructor of the retention service. When cfg carries
// limits from the environment they override the stored policy once at
// startup.
func NewService(
	ctx context.Context,
	cfg *Config,
	store scrambridge.RetentionStore,
	operations scrambridge.OperationStore,
	logger *slog.Logger,
) (*Service, error) {
	s := &Service{
		store:      store,
		operations: operations,
		logger:     logger,
		now:        time.Now,
	}

	if cfg != nil && (cfg.MaxBytes != nil || cfg.MaxAgeDays != nil) {
		req := &scrambridge.UpdateRetentionRequest{MaxBytes: cfg.MaxBytes, MaxAgeDays: cfg.MaxAgeDays}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("retention: environment policy: %w", err)
		}
		state, err := store.GetState(ctx)
		if err != nil {
			return nil, fmt.Errorf("retention: read state: %w", err)
		}
		maxBytes, maxAgeDays := state.MaxBytes, state.MaxAgeDays
		if cfg.MaxBytes != nil {
			maxBytes = cfg.MaxBytes
		}
		if cfg.MaxAgeDays != nil {
			maxAgeDays = cfg.MaxAgeDays
		}
		if err := store.UpdatePolicy(ctx, maxBytes, maxAgeDays); err != nil {
			return nil, fmt.Errorf("retention: apply environment policy: %w", err)
		}
	}

	return s, nil
}

// Policy returns the stored state with a fresh size probe.
func (s *Service) Policy(ctx context.Context) (*scrambridge.RetentionState, error) {
	state, err := s.store.GetState(ctx)
	if err != nil {
		return nil, err
	}
	if size, err := s.store.DBSizeBytes(ctx); err == nil {
		state.ApproxDBBytes = size
	}
	return state, nil
}

// UpdatePolicy validates and stores a new policy, returning the
// resulting state.
func (s *Service) UpdatePolicy(ctx context.Context, req *scrambridge.UpdateRetentionRequest) (*scrambridge.RetentionState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePolicy(ctx, req.MaxBytes, req.MaxAgeDays); err != nil {
		return nil, err
	}
	return s.Policy(ctx)
}

// Purge applies the age axis and then the size axis once. Concurrent
// purges coalesce into a no-op.
func (s *Service) Purge(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	state, err := s.store.GetState(ctx)
	if err != nil {
		return fmt.Errorf("retention: read state: %w", err)
	}

	// A null limit disables an axis; zero is an active limit that keeps
	// nothing (age 0 cuts at now, size 0 drains every deletable row).
	var purged int64
	if state.MaxAgeDays != nil {
		cutoff := s.now().UTC().AddDate(0, 0, -*state.MaxAgeDays)
		n, err := s.operations.DeleteBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("retention: age purge: %w", err)
		}
		purged += n
	}

	if state.MaxBytes != nil {
		n, err := s.purgeBySize(ctx, *state.MaxBytes)
		if err != nil {
			return fmt.Errorf("retention: size purge: %w", err)
		}
		purged += n
	}

	size, err := s.store.DBSizeBytes(ctx)
	if err != nil {
		return fmt.Errorf("retention: size probe: %w", err)
	}

	if purged > 0 {
		if err := s.store.Reclaim(ctx); err != nil {
			s.logger.Warn("retention: reclaim failed", slog.Any("error", err))
		}
		// Remeasure after reclaim so the recorded size reflects the file.
		if reclaimed, err := s.store.DBSizeBytes(ctx); err == nil {
			size = reclaimed
		}
		s.logger.Info("retention purge removed rows",
			slog.Int64("purged", purged),
			slog.Int64("db_bytes", size))
	}

	if err := s.store.RecordPurge(ctx, purged, size, s.now().UTC()); err != nil {
		return fmt.Errorf("retention: record purge: %w", err)
	}
	return nil
}

// purgeBySize deletes oldest rows until the store drops below the target
// share of the byte limit. The batch size is estimated from the average
// row footprint so one pass usually suffices.
func (s *Service) purgeBySize(ctx context.Context, maxBytes int64) (int64, error) {
	size, err := s.store.DBSizeBytes(ctx)
	if err != nil {
		return 0, err
	}
	if size <= maxBytes {
		return 0, nil
	}

	target := int64(float64(maxBytes) * sizeTargetRatio)
	var purged int64
	for pass := 0; pass < maxSizePasses && size > target; pass++ {
		rows, err := s.operations.CountOperations(ctx)
		if err != nil {
			return purged, err
		}
		if rows == 0 {
			break
		}

		avgRowBytes := size / rows
		if avgRowBytes < 1 {
			avgRowBytes = 1
		}
		batch := (size - target) / avgRowBytes
		if batch < minDeleteBatch {
			batch = minDeleteBatch
		}

		n, err := s.operations.DeleteOldest(ctx, batch)
		if err != nil {
			return purged, err
		}
		if n == 0 {
			// Remaining rows belong to in-progress batches.
			break
		}
		purged += n

		if size, err = s.store.DBSizeBytes(ctx); err != nil {
			return purged, err
		}
	}
	return purged, nil
}
