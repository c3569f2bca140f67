package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// RetentionStore implements scrambridge.RetentionStore over the singleton
// retention_state row.
type RetentionStore struct {
	db  ExtendedDB
	now func() time.Time
}

// NewRetentionStore is a constructor of RetentionStore.
func NewRetentionStore(db ExtendedDB, now func() time.Time) *RetentionStore {
	return &RetentionStore{db: db, now: now}
}

// GetState returns the current retention state row.
func (s *RetentionStore) GetState(ctx context.Context) (*scrambridge.RetentionState, error) {
	const query = `
		SELECT max_bytes, max_age_days, approx_db_bytes,
			last_purge_at, total_purged_records, updated_at
		FROM retention_state
		WHERE id = 1
	`

	var (
		state       scrambridge.RetentionState
		maxBytes    sql.NullInt64
		maxAgeDays  sql.NullInt64
		lastPurgeAt sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query).Scan(
		&maxBytes,
		&maxAgeDays,
		&state.ApproxDBBytes,
		&lastPurgeAt,
		&state.TotalPurgedRecords,
		&state.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("sqlite: get retention state: %w", err)
	}

	if maxBytes.Valid {
		v := maxBytes.Int64
		state.MaxBytes = &v
	}
	if maxAgeDays.Valid {
		v := int(maxAgeDays.Int64)
		state.MaxAgeDays = &v
	}
	if lastPurgeAt.Valid {
		t := lastPurgeAt.Time
		state.LastPurgeAt = &t
	}

	return &state, nil
}

// UpdatePolicy replaces the policy axes of the singleton row.
func (s *RetentionStore) UpdatePolicy(ctx context.Context, maxBytes *int64, maxAgeDays *int) error {
	const query = `
		UPDATE retention_state
		SET max_bytes = ?, max_age_days = ?, updated_at = ?
		WHERE id = 1
	`

	return withWriteRetry(ctx, func(ctx context.Context) error {
		var mb sql.NullInt64
		if maxBytes != nil {
			mb = sql.NullInt64{Int64: *maxBytes, Valid: true}
		}
		var mad sql.NullInt64
		if maxAgeDays != nil {
			mad = sql.NullInt64{Int64: int64(*maxAgeDays), Valid: true}
		}
		if _, err := s.db.ExecContext(ctx, query, mb, mad, s.now().UTC()); err != nil {
			return fmt.Errorf("sqlite: update retention policy: %w", err)
		}
		return nil
	})
}

// RecordPurge updates purge bookkeeping after rows were removed.
func (s *RetentionStore) RecordPurge(ctx context.Context, purged, approxBytes int64, at time.Time) error {
	const query = `
		UPDATE retention_state
		SET approx_db_bytes = ?,
			last_purge_at = ?,
			total_purged_records = total_purged_records + ?,
			updated_at = ?
		WHERE id = 1
	`

	return withWriteRetry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, approxBytes, at.UTC(), purged, s.now().UTC()); err != nil {
			return fmt.Errorf("sqlite: record purge: %w", err)
		}
		return nil
	})
}

// DBSizeBytes reports page_count * page_size of the database file.
func (s *RetentionStore) DBSizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("sqlite: pragma page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("sqlite: pragma page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// Reclaim returns freed pages to the filesystem after a purge.
func (s *RetentionStore) Reclaim(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		// auto_vacuum may be off for stores created by older versions.
		if _, vacErr := s.db.ExecContext(ctx, `VACUUM`); vacErr != nil {
			return fmt.Errorf("sqlite: reclaim space: %w", vacErr)
		}
	}
	return nil
}
