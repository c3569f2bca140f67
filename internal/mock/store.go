package mock

import (
	"context"
	"time"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// OperationStore is a mock implementation of scrambridge.OperationStore.
type OperationStore struct {
	RecordOperationFn  func(ctx context.Context, op *scrambridge.SyncOperation) error
	RecordOperationsFn func(ctx context.Context, ops []scrambridge.SyncOperation) error
	ListOperationsFn   func(ctx context.Context, criteria *scrambridge.ListOperationsCriteria) ([]scrambridge.SyncOperation, int, error)
	StatsFn            func(ctx context.Context, since time.Time) (*scrambridge.OperationStats, error)
	DeleteBeforeFn     func(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldestFn     func(ctx context.Context, limit int64) (int64, error)
	CountOperationsFn  func(ctx context.Context) (int64, error)
}

func (m *OperationStore) RecordOperation(ctx context.Context, op *scrambridge.SyncOperation) error {
	return m.RecordOperationFn(ctx, op)
}

func (m *OperationStore) RecordOperations(ctx context.Context, ops []scrambridge.SyncOperation) error {
	return m.RecordOperationsFn(ctx, ops)
}

func (m *OperationStore) ListOperations(
	ctx context.Context,
	criteria *scrambridge.ListOperationsCriteria,
) ([]scrambridge.SyncOperation, int, error) {
	return m.ListOperationsFn(ctx, criteria)
}

func (m *OperationStore) Stats(ctx context.Context, since time.Time) (*scrambridge.OperationStats, error) {
	return m.StatsFn(ctx, since)
}

func (m *OperationStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.DeleteBeforeFn(ctx, cutoff)
}

func (m *OperationStore) DeleteOldest(ctx context.Context, limit int64) (int64, error) {
	return m.DeleteOldestFn(ctx, limit)
}

func (m *OperationStore) CountOperations(ctx context.Context) (int64, error) {
	return m.CountOperationsFn(ctx)
}

// BatchStore is a mock implementation of scrambridge.BatchStore.
type BatchStore struct {
	CreateBatchFn   func(ctx context.Context, b *scrambridge.SyncBatch) error
	CompleteBatchFn func(ctx context.Context, correlationID string, success, errs int, errorSummary string) error
	GetBatchFn      func(ctx context.Context, correlationID string) (*scrambridge.SyncBatch, error)
	ListBatchesFn   func(ctx context.Context, criteria *scrambridge.ListBatchesCriteria) ([]scrambridge.SyncBatch, int, error)
}

func (m *BatchStore) CreateBatch(ctx context.Context, b *scrambridge.SyncBatch) error {
	return m.CreateBatchFn(ctx, b)
}

func (m *BatchStore) CompleteBatch(ctx context.Context, correlationID string, success, errs int, errorSummary string) error {
	return m.CompleteBatchFn(ctx, correlationID, success, errs, errorSummary)
}

func (m *BatchStore) GetBatch(ctx context.Context, correlationID string) (*scrambridge.SyncBatch, error) {
	return m.GetBatchFn(ctx, correlationID)
}

func (m *BatchStore) ListBatches(
	ctx context.Context,
	criteria *scrambridge.ListBatchesCriteria,
) ([]scrambridge.SyncBatch, int, error) {
	return m.ListBatchesFn(ctx, criteria)
}

// RetentionStore is a mock implementation of scrambridge.RetentionStore.
type RetentionStore struct {
	GetStateFn     func(ctx context.Context) (*scrambridge.RetentionState, error)
	UpdatePolicyFn func(ctx context.Context, maxBytes *int64, maxAgeDays *int) error
	RecordPurgeFn  func(ctx context.Context, purged, approxBytes int64, at time.Time) error
	DBSizeBytesFn  func(ctx context.Context) (int64, error)
	ReclaimFn      func(ctx context.Context) error
}

func (m *RetentionStore) GetState(ctx context.Context) (*scrambridge.RetentionState, error) {
	return m.GetStateFn(ctx)
}

func (m *RetentionStore) UpdatePolicy(ctx context.Context, maxBytes *int64, maxAgeDays *int) error {
	return m.UpdatePolicyFn(ctx, maxBytes, maxAgeDays)
}

func (m *RetentionStore) RecordPurge(ctx context.Context, purged, approxBytes int64, at time.Time) error {
	return m.RecordPurgeFn(ctx, purged, approxBytes, at)
}

func (m *RetentionStore) DBSizeBytes(ctx context.Context) (int64, error) {
	return m.DBSizeBytesFn(ctx)
}

func (m *RetentionStore) Reclaim(ctx context.Context) error {
	return m.ReclaimFn(ctx)
}
