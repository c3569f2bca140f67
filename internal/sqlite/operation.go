package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// OperationStore implements scrambridge.OperationStore.
type OperationStore struct {
	db ExtendedDB
}

// NewOperationStore is a constructor of OperationStore.
func NewOperationStore(db ExtendedDB) *OperationStore {
	return &OperationStore{db: db}
}

const insertOperationQuery = `
	INSERT INTO sync_operation (
		correlation_id, occurred_at, realm, cluster_id, principal,
		op_type, mechanism, result, error_code, error_message,
		duration_ms, retry_count, acl_resource, acl_operation)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// RecordOperation inserts a single operation row, retrying once on failure.
func (s *OperationStore) RecordOperation(ctx context.Context, op *scrambridge.SyncOperation) error {
	return withWriteRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, insertOperationQuery, operationArgs(op)...)
		if err != nil {
			return fmt.Errorf("sqlite: insert operation: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("sqlite: get last insert id: %w", err)
		}
		op.ID = id
		return nil
	})
}

// RecordOperations inserts all rows in a single transaction.
func (s *OperationStore) RecordOperations(ctx context.Context, ops []scrambridge.SyncOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return withWriteRetry(ctx, func(ctx context.Context) (err error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin operations tx: %w", err)
		}
		defer func() {
			if err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					err = fmt.Errorf("%w (rollback: %w)", err, rbErr)
				}
			}
		}()

		stmt, err := tx.PrepareContext(ctx, insertOperationQuery)
		if err != nil {
			return fmt.Errorf("sqlite: prepare insert operation: %w", err)
		}
		defer stmt.Close()

		for i := range ops {
			if _, err = stmt.ExecContext(ctx, operationArgs(&ops[i])...); err != nil {
				return fmt.Errorf("sqlite: insert operation for %q: %w", ops[i].Principal, err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit operations tx: %w", err)
		}
		return nil
	})
}

func operationArgs(op *scrambridge.SyncOperation) []any {
	return []any{
		op.CorrelationID,
		op.OccurredAt.UTC(),
		op.Realm,
		op.ClusterID,
		op.Principal,
		string(op.OpType),
		nullString(string(op.Mechanism)),
		string(op.Result),
		nullString(op.ErrorCode),
		nullString(op.ErrorMessage),
		op.DurationMS,
		op.RetryCount,
		nullString(op.ACLResource),
		nullString(op.ACLOperation),
	}
}

// ListOperations returns one page of operations plus the total count.
func (s *OperationStore) ListOperations(
	ctx context.Context,
	criteria *scrambridge.ListOperationsCriteria,
) ([]scrambridge.SyncOperation, int, error) {
	var (
		conditions []string
		args       []any
	)

	if criteria.From != nil {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, criteria.From.UTC())
	}
	if criteria.To != nil {
		conditions = append(conditions, "occurred_at <= ?")
		args = append(args, criteria.To.UTC())
	}
	if criteria.Principal != "" {
		conditions = append(conditions, "principal = ?")
		args = append(args, criteria.Principal)
	}
	if criteria.OpType != "" {
		conditions = append(conditions, "op_type = ?")
		args = append(args, string(criteria.OpType))
	}
	if criteria.Result != "" {
		conditions = append(conditions, "result = ?")
		args = append(args, string(criteria.Result))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM sync_operation %s`, whereClause)

	var totalCount int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count operations: %w", err)
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
			id, correlation_id, occurred_at, realm, cluster_id, principal,
			op_type, mechanism, result, error_code, error_message,
			duration_ms, retry_count, acl_resource, acl_operation
		FROM sync_operation
		%s
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)

	rows, err := s.db.QueryContext(ctx, query, paginationArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: query operations: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var ops []scrambridge.SyncOperation
	for rows.Next() {
		var (
			op           scrambridge.SyncOperation
			mechanism    sql.NullString
			errorCode    sql.NullString
			errorMessage sql.NullString
			aclResource  sql.NullString
			aclOperation sql.NullString
		)
		if err := rows.Scan(
			&op.ID,
			&op.CorrelationID,
			&op.OccurredAt,
			&op.Realm,
			&op.ClusterID,
			&op.Principal,
			&op.OpType,
			&mechanism,
			&op.Result,
			&errorCode,
			&errorMessage,
			&op.DurationMS,
			&op.RetryCount,
			&aclResource,
			&aclOperation,
		); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan operation: %w", err)
		}

		op.Mechanism = scrambridge.Mechanism(mechanism.String)
		op.ErrorCode = errorCode.String
		op.ErrorMessage = errorMessage.String
		op.ACLResource = aclResource.String
		op.ACLOperation = aclOperation.String

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: iterate operations, rows.err: %w", err)
	}

	return ops, totalCount, nil
}

// Stats aggregates operations recorded at or after since.
func (s *OperationStore) Stats(ctx context.Context, since time.Time) (*scrambridge.OperationStats, error) {
	const countsQuery = `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN result = 'ERROR' THEN 1 ELSE 0 END), 0)
		FROM sync_operation
		WHERE occurred_at >= ?
	`

	stats := &scrambridge.OperationStats{}
	if err := s.db.QueryRowContext(ctx, countsQuery, since.UTC()).
		Scan(&stats.Total, &stats.Errors); err != nil {
		return nil, fmt.Errorf("sqlite: operation stats counts: %w", err)
	}

	if stats.Total == 0 {
		return stats, nil
	}

	p95, err := s.durationPercentile(ctx, since, stats.Total, 0.95)
	if err != nil {
		return nil, err
	}
	p99, err := s.durationPercentile(ctx, since, stats.Total, 0.99)
	if err != nil {
		return nil, err
	}
	stats.P95DurationMS = p95
	stats.P99DurationMS = p99

	return stats, nil
}

// durationPercentile picks the duration at the given rank of the ordered
// set. The offset is computed in Go since sqlite has no percentile builtin.
func (s *OperationStore) durationPercentile(ctx context.Context, since time.Time, total int64, q float64) (int64, error) {
	offset := int64(float64(total)*q) - 1
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT duration_ms
		FROM sync_operation
		WHERE occurred_at >= ?
		ORDER BY duration_ms ASC
		LIMIT 1 OFFSET ?
	`

	var v int64
	if err := s.db.QueryRowContext(ctx, query, since.UTC(), offset).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlite: duration percentile: %w", err)
	}
	return v, nil
}

// DeleteBefore removes operations older than cutoff. Rows of in-progress
// batches are never deleted regardless of age.
func (s *OperationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM sync_operation
		WHERE occurred_at < ?
		AND correlation_id NOT IN (
			SELECT correlation_id FROM sync_batch WHERE finished_at IS NULL
		)
	`

	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete operations before cutoff: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return affected, nil
}

// DeleteOldest removes up to limit of the oldest operations, skipping
// rows of in-progress batches.
func (s *OperationStore) DeleteOldest(ctx context.Context, limit int64) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	const query = `
		DELETE FROM sync_operation
		WHERE id IN (
			SELECT id FROM sync_operation
			WHERE correlation_id NOT IN (
				SELECT correlation_id FROM sync_batch WHERE finished_at IS NULL
			)
			ORDER BY occurred_at ASC, id ASC
			LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, limit)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete oldest operations: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return affected, nil
}

// CountOperations returns the total number of operation rows.
func (s *OperationStore) CountOperations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operation`).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count operations: %w", err)
	}
	return count, nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
