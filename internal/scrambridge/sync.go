// Package scrambridge contains the domain model of the identity
// synchronization bridge: audit records, reconciliation plans, webhook
// events and the interfaces implemented by storage and downstream clients.
package scrambridge

import (
	"context"
	"time"
)

// OpType classifies a single synchronization operation.
type OpType string

const (
	OpScramUpsert OpType = "SCRAM_UPSERT"
	OpScramDelete OpType = "SCRAM_DELETE"
	OpACLCreate   OpType = "ACL_CREATE"
	OpACLDelete   OpType = "ACL_DELETE"
)

// OpResult is the terminal outcome of a single operation.
type OpResult string

const (
	ResultSuccess OpResult = "SUCCESS"
	ResultError   OpResult = "ERROR"
	ResultSkipped OpResult = "SKIPPED"
)

// BatchSource identifies what started a reconciliation batch.
type BatchSource string

const (
	SourcePeriodic BatchSource = "PERIODIC"
	SourceManual   BatchSource = "MANUAL"
	SourceWebhook  BatchSource = "WEBHOOK"
)

// SyncOperation is one principal-level attempt within a batch.
// Rows are immutable once recorded.
type SyncOperation struct {
	OccurredAt    time.Time
	CorrelationID string
	Realm         string
	ClusterID     string
	Principal     string
	OpType        OpType
	Mechanism     Mechanism
	Result        OpResult
	ErrorCode     string
	ErrorMessage  string
	ACLResource   string
	ACLOperation  string
	ID            int64
	DurationMS    int64
	RetryCount    int
}

// SyncBatch groups the operations of one reconciliation or event cycle
// under a single correlation ID.
type SyncBatch struct {
	StartedAt     time.Time
	FinishedAt    *time.Time
	DurationMS    *int64
	CorrelationID string
	Source        BatchSource
	ErrorSummary  string
	ID            int64
	ItemsTotal    int
	ItemsSuccess  int
	ItemsError    int
}

// InProgress reports whether the batch has not been completed yet.
func (b *SyncBatch) InProgress() bool { return b.FinishedAt == nil }

// ListOperationsCriteria filters and paginates operation queries.
type ListOperationsCriteria struct {
	From      *time.Time
	To        *time.Time
	Principal string
	OpType    OpType
	Result    OpResult
	Page      int
	Size      int
}

// ListBatchesCriteria filters and paginates batch queries.
type ListBatchesCriteria struct {
	From   *time.Time
	To     *time.Time
	Source BatchSource
	Page   int
	Size   int
}

// OperationStats is an aggregate over recent operations, backing the
// summary endpoint.
type OperationStats struct {
	Total         int64
	Errors        int64
	P95DurationMS int64
	P99DurationMS int64
}

// OperationStore persists principal-level operations.
type OperationStore interface {
	// RecordOperation inserts a single operation row.
	RecordOperation(ctx context.Context, op *SyncOperation) error
	// RecordOperations inserts all rows in one transaction so that the
	// audit of a reconciliation step is atomic.
	RecordOperations(ctx context.Context, ops []SyncOperation) error
	// ListOperations returns one page of operations plus the total count.
	ListOperations(ctx context.Context, criteria *ListOperationsCriteria) ([]SyncOperation, int, error)
	// Stats aggregates operations recorded at or after since.
	Stats(ctx context.Context, since time.Time) (*OperationStats, error)
	// DeleteBefore removes operations older than cutoff, skipping rows
	// that belong to an in-progress batch. Returns the number of rows removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteOldest removes up to limit of the oldest operations, skipping
	// rows that belong to an in-progress batch.
	DeleteOldest(ctx context.Context, limit int64) (int64, error)
	// CountOperations returns the total number of operation rows.
	CountOperations(ctx context.Context) (int64, error)
}

// BatchStore persists reconciliation batches.
type BatchStore interface {
	// CreateBatch inserts a new in-progress batch and sets b.ID.
	CreateBatch(ctx context.Context, b *SyncBatch) error
	// CompleteBatch sets the final counts, finished_at and duration of the
	// batch identified by correlationID.
	CompleteBatch(ctx context.Context, correlationID string, success, errs int, errorSummary string) error
	// GetBatch returns the batch with the given correlation ID.
	GetBatch(ctx context.Context, correlationID string) (*SyncBatch, error)
	// ListBatches returns one page of batches plus the total count.
	ListBatches(ctx context.Context, criteria *ListBatchesCriteria) ([]SyncBatch, int, error)
}

// SyncPlan is the corrective mutation set computed by the diff engine.
// Immutable after construction.
type SyncPlan struct {
	Upserts []User
	Deletes []string
	DryRun  bool
}

// Empty reports whether the plan carries no mutations.
func (p *SyncPlan) Empty() bool { return len(p.Upserts) == 0 && len(p.Deletes) == 0 }

// ReconcileStatus is the externally visible state of the orchestrator.
type ReconcileStatus struct {
	CurrentCorrelationID string
	Running              bool
}

// ReconcileResult summarizes one finished reconciliation cycle.
type ReconcileResult struct {
	CorrelationID string
	ItemsTotal    int
	ItemsSuccess  int
	ItemsError    int
	DurationMS    int64
}

// SyncService drives full and targeted reconciliation cycles.
type SyncService interface {
	// Reconcile runs one full diff cycle. It returns ErrReconcileRunning
	// when another cycle holds the running flag.
	Reconcile(ctx context.Context, source BatchSource) (*ReconcileResult, error)
	// ApplyEvent runs a targeted cycle for the principal referenced by the
	// parsed webhook event.
	ApplyEvent(ctx context.Context, ev *ParsedEvent) error
	// Status reports whether a cycle is running and its correlation ID.
	Status() ReconcileStatus
}
