package mock

import (
	"context"

	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

// ScramAdmin is a mock implementation of scrambridge.ScramAdmin.
type ScramAdmin struct {
	DescribeCredentialsFn func(ctx context.Context) (map[string][]scrambridge.Mechanism, error)
	AlterCredentialsFn    func(ctx context.Context, upserts []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error)
	HealthyFn             func(ctx context.Context) error
}

func (m *ScramAdmin) DescribeCredentials(ctx context.Context) (map[string][]scrambridge.Mechanism, error) {
	return m.DescribeCredentialsFn(ctx)
}

func (m *ScramAdmin) AlterCredentials(
	ctx context.Context,
	upserts []scrambridge.Upsertion,
	deletes []scrambridge.Deletion,
) (map[string]scrambridge.AlterResult, error) {
	return m.AlterCredentialsFn(ctx, upserts, deletes)
}

func (m *ScramAdmin) Healthy(ctx context.Context) error {
	return m.HealthyFn(ctx)
}

func (m *ScramAdmin) Close() {}
