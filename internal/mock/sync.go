package mock

import (
	"context"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// SyncService is a mock implementation of scrambridge.SyncService.
type SyncService struct {
	ReconcileFn  func(ctx context.Context, source scrambridge.BatchSource) (*scrambridge.ReconcileResult, error)
	ApplyEventFn func(ctx context.Context, ev *scrambridge.ParsedEvent) error
	StatusFn     func() scrambridge.ReconcileStatus
}

func (m *SyncService) Reconcile(ctx context.Context, source scrambridge.BatchSource) (*scrambridge.ReconcileResult, error) {
	return m.ReconcileFn(ctx, source)
}

func (m *SyncService) ApplyEvent(ctx context.Context, ev *scrambridge.ParsedEvent) error {
	return m.ApplyEventFn(ctx, ev)
}

func (m *SyncService) Status() scrambridge.ReconcileStatus {
	return m.StatusFn()
}

// RetentionService is a mock implementation of scrambridge.RetentionService.
type RetentionService struct {
	PolicyFn       func(ctx context.Context) (*scrambridge.RetentionState, error)
	UpdatePolicyFn func(ctx context.Context, req *scrambridge.UpdateRetentionRequest) (*scrambridge.RetentionState, error)
	PurgeFn        func(ctx context.Context) error
}

func (m *RetentionService) Policy(ctx context.Context) (*scrambridge.RetentionState, error) {
	return m.PolicyFn(ctx)
}

func (m *RetentionService) UpdatePolicy(ctx context.Context, req *scrambridge.UpdateRetentionRequest) (*scrambridge.RetentionState, error) {
	return m.UpdatePolicyFn(ctx, req)
}

func (m *RetentionService) Purge(ctx context.Context) error {
	return m.PurgeFn(ctx)
}
