package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// BatchStore implements scrambridge.BatchStore.
type BatchStore struct {
	db  ExtendedDB
	now func() time.Time
}

// NewBatchStore is a constructor of BatchStore.
func NewBatchStore(db ExtendedDB, now func() time.Time) *BatchStore {
	return &BatchStore{db: db, now: now}
}

// CreateBatch inserts a new in-progress batch and sets b.ID.
func (s *BatchStore) CreateBatch(ctx context.Context, b *scrambridge.SyncBatch) error {
	const query = `
		INSERT INTO sync_batch (
			correlation_id, started_at, source, items_total,
			items_success, items_error, error_summary)
		VALUES (?, ?, ?, ?, 0, 0, NULL)
	`

	return withWriteRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(
			ctx,
			query,
			b.CorrelationID,
			b.StartedAt.UTC(),
			string(b.Source),
			b.ItemsTotal,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert batch: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: get last insert id: %w", err)
		}
		b.ID = id
		return nil
	})
}

// CompleteBatch sets the final counts, finished_at and duration of the
// batch identified by correlationID.
func (s *BatchStore) CompleteBatch(ctx context.Context, correlationID string, success, errs int, errorSummary string) error {
	const query = `
		UPDATE sync_batch
		SET finished_at = ?,
			duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
			items_success = ?,
			items_error = ?,
			error_summary = ?
		WHERE correlation_id = ? AND finished_at IS NULL
	`

	return withWriteRetry(ctx, func(ctx context.Context) error {
		finishedAt := s.now().UTC()
		result, err := s.db.ExecContext(
			ctx,
			query,
			finishedAt,
			finishedAt,
			success,
			errs,
			nullString(errorSummary),
			correlationID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: complete batch: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("sqlite: complete batch: no in-progress batch with correlation id %q", correlationID)
		}
		return nil
	})
}

// GetBatch returns the batch with the given correlation ID.
func (s *BatchStore) GetBatch(ctx context.Context, correlationID string) (*scrambridge.SyncBatch, error) {
	const query = `
		SELECT
			id, correlation_id, started_at, finished_at, source,
			items_total, items_success, items_error, duration_ms, error_summary
		FROM sync_batch
		WHERE correlation_id = ?
	`

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, scrambridge.Classify(scrambridge.ClassNotFound,
				fmt.Errorf("batch %q not found", correlationID))
		}
		return nil, fmt.Errorf("sqlite: get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns one page of batches plus the total count.
func (s *BatchStore) ListBatches(
	ctx context.Context,
	criteria *scrambridge.ListBatchesCriteria,
) ([]scrambridge.SyncBatch, int, error) {
	var (
		conditions []string
		args       []any
	)

	if criteria.From != nil {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, criteria.From.UTC())
	}
	if criteria.To != nil {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, criteria.To.UTC())
	}
	if criteria.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, string(criteria.Source))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM sync_batch %s`, whereClause)

	var totalCount int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count batches: %w", err)
	}

	size := criteria.Size
	if size <= 0 {
		size = 50
	}
	page := criteria.Page
	if page < 0 {
		page = 0
	}

	paginationArgs := make([]any, len(args), len(args)+2)
	copy(paginationArgs, args)
	paginationArgs = append(paginationArgs, size, page*size)

	query := fmt.Sprintf(`
		SELECT
			id, correlation_id, started_at, finished_at, source,
			items_total, items_success, items_error, duration_ms, error_summary
		FROM sync_batch
		%s
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	rows, err := s.db.QueryContext(ctx, query, paginationArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: query batches: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var batches []scrambridge.SyncBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan batch: %w", err)
		}
		batches = append(batches, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: iterate batches, rows.err: %w", err)
	}

	return batches, totalCount, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*scrambridge.SyncBatch, error) {
	var (
		b            scrambridge.SyncBatch
		finishedAt   sql.NullTime
		durationMS   sql.NullInt64
		errorSummary sql.NullString
	)
	if err := row.Scan(
		&b.ID,
		&b.CorrelationID,
		&b.StartedAt,
		&finishedAt,
		&b.Source,
		&b.ItemsTotal,
		&b.ItemsSuccess,
		&b.ItemsError,
		&durationMS,
		&errorSummary,
	); err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		b.FinishedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		b.DurationMS = &d
	}
	b.ErrorSummary = errorSummary.String

	return &b, nil
}
