package sync_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/vk-rv/scrambridge/internal/metrics"
	"github.com/vk-rv/scrambridge/internal/mock"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
	syncsvc "github.com/vk-rv/scrambridge/internal/svc/sync"
)

type fixture struct {
	directory *mock.Directory
	admin     *mock.ScramAdmin
	ops       *mock.OperationStore
	batches   *mock.BatchStore
	retention *mock.RetentionService

	recorded    chan []scrambridge.SyncOperation
	completed   chan batchCompletion
	created     chan *scrambridge.SyncBatch
	purgeCalled chan struct{}
}

type batchCompletion struct {
	correlationID string
	summary       string
	success       int
	errs          int
}

func newFixture() *fixture {
	f := &fixture{
		recorded:    make(chan []scrambridge.SyncOperation, 4),
		completed:   make(chan batchCompletion, 4),
		created:     make(chan *scrambridge.SyncBatch, 4),
		purgeCalled: make(chan struct{}, 4),
	}
	f.directory = &mock.Directory{}
	f.admin = &mock.ScramAdmin{}
	f.ops = &mock.OperationStore{
		RecordOperationsFn: func(_ context.Context, ops []scrambridge.SyncOperation) error {
			f.recorded <- ops
			return nil
		},
		RecordOperationFn: func(_ context.Context, op *scrambridge.SyncOperation) error {
			f.recorded <- []scrambridge.SyncOperation{*op}
			return nil
		},
	}
	f.batches = &mock.BatchStore{
		CreateBatchFn: func(_ context.Context, b *scrambridge.SyncBatch) error {
			f.created <- b
			return nil
		},
		CompleteBatchFn: func(_ context.Context, correlationID string, success, errs int, summary string) error {
			f.completed <- batchCompletion{
				correlationID: correlationID,
				success:       success,
				errs:          errs,
				summary:       summary,
			}
			return nil
		},
	}
	f.retention = &mock.RetentionService{
		PurgeFn: func(_ context.Context) error {
			f.purgeCalled <- struct{}{}
			return nil
		},
	}
	return f
}

func (f *fixture) service(t *testing.T, cfg *syncsvc.Config) *syncsvc.Service {
	t.Helper()

	svc, err := syncsvc.NewService(cfg, "production", "default",
		f.directory, f.admin, f.ops, f.batches, f.retention,
		metrics.New(prometheus.NewRegistry()), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return svc
}

func defaultConfig() *syncsvc.Config {
	return &syncsvc.Config{
		AlwaysUpsert: true,
		Mechanisms:   []string{"SCRAM-SHA-512"},
		Iterations:   4096,
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  syncsvc.Config
	}{
		{name: "no mechanisms", cfg: syncsvc.Config{Iterations: 4096}},
		{name: "unknown mechanism", cfg: syncsvc.Config{Mechanisms: []string{"SCRAM-SHA-1"}, Iterations: 4096}},
		{name: "iterations below minimum", cfg: syncsvc.Config{Mechanisms: []string{"SCRAM-SHA-512"}, Iterations: 1024}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture()
			_, err := syncsvc.NewService(&tt.cfg, "production", "default",
				f.directory, f.admin, f.ops, f.batches, f.retention,
				metrics.New(prometheus.NewRegistry()), slog.New(slog.DiscardHandler))
			require.Error(t, err)
		})
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.FetchAllUsersFn = func(_ context.Context, realm string) ([]scrambridge.User, error) {
		require.Equal(t, "production", realm)
		return []scrambridge.User{
			{ID: "1", Username: "alice", Enabled: true},
			{ID: "2", Username: "bob", Enabled: true},
		}, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{
			"alice": {scrambridge.MechanismSHA512},
			"stale": {scrambridge.MechanismSHA512},
		}, nil
	}

	var altered struct {
		upserts []scrambridge.Upsertion
		deletes []scrambridge.Deletion
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, upserts []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		altered.upserts = upserts
		altered.deletes = deletes
		return map[string]scrambridge.AlterResult{}, nil
	}

	svc := f.service(t, defaultConfig())

	result, err := svc.Reconcile(t.Context(), scrambridge.SourceManual)
	require.NoError(t, err)
	require.Equal(t, 3, result.ItemsTotal)
	require.Equal(t, 3, result.ItemsSuccess)
	require.Zero(t, result.ItemsError)
	require.NotEmpty(t, result.CorrelationID)

	require.Len(t, altered.upserts, 2)
	for _, u := range altered.upserts {
		require.Equal(t, scrambridge.MechanismSHA512, u.Mechanism)
		require.Equal(t, int32(4096), u.Iterations)
		require.NotEmpty(t, u.Salt)
		require.NotEmpty(t, u.SaltedPassword)
	}
	require.Equal(t, []scrambridge.Deletion{
		{Principal: "stale", Mechanism: scrambridge.MechanismSHA512},
	}, altered.deletes)

	batch := <-f.created
	require.Equal(t, result.CorrelationID, batch.CorrelationID)
	require.Equal(t, scrambridge.SourceManual, batch.Source)
	require.Equal(t, 3, batch.ItemsTotal)

	done := <-f.completed
	require.Equal(t, result.CorrelationID, done.correlationID)
	require.Equal(t, 3, done.success)
	require.Zero(t, done.errs)
	require.Empty(t, done.summary)

	ops := <-f.recorded
	require.Len(t, ops, 3)
	for _, op := range ops {
		require.Equal(t, result.CorrelationID, op.CorrelationID)
		require.Equal(t, "default", op.ClusterID)
		require.Equal(t, scrambridge.ResultSuccess, op.Result)
	}

	select {
	case <-f.purgeCalled:
	case <-time.After(5 * time.Second):
		t.Fatal("retention purge was not triggered")
	}

	status := svc.Status()
	require.False(t, status.Running)
	require.Empty(t, status.CurrentCorrelationID)
}

func TestReconcileSkipsConvergedPrincipals(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.FetchAllUsersFn = func(_ context.Context, _ string) ([]scrambridge.User, error) {
		return []scrambridge.User{
			{ID: "1", Username: "alice", Enabled: true},
			{ID: "2", Username: "bob", Enabled: true},
		}, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{
			"alice": {scrambridge.MechanismSHA512},
		}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, upserts []scrambridge.Upsertion, _ []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		require.Len(t, upserts, 1)
		require.Equal(t, "bob", upserts[0].Principal)
		return map[string]scrambridge.AlterResult{}, nil
	}

	cfg := defaultConfig()
	cfg.AlwaysUpsert = false
	svc := f.service(t, cfg)

	result, err := svc.Reconcile(t.Context(), scrambridge.SourcePeriodic)
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsTotal)
	require.Equal(t, 2, result.ItemsSuccess)

	ops := <-f.recorded
	require.Len(t, ops, 2)

	byPrincipal := make(map[string]scrambridge.OpResult, len(ops))
	for _, op := range ops {
		byPrincipal[op.Principal] = op.Result
	}
	require.Equal(t, scrambridge.ResultSkipped, byPrincipal["alice"])
	require.Equal(t, scrambridge.ResultSuccess, byPrincipal["bob"])

	<-f.purgeCalled
}

func TestReconcileCountsPrincipalsOnceAcrossMechanisms(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.FetchAllUsersFn = func(_ context.Context, _ string) ([]scrambridge.User, error) {
		return []scrambridge.User{
			{ID: "1", Username: "alice", Enabled: true},
			{ID: "2", Username: "bob", Enabled: true},
			{ID: "3", Username: "carol", Enabled: true},
		}, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{
			"stale": {scrambridge.MechanismSHA256, scrambridge.MechanismSHA512},
		}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, upserts []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		// Two credentials per user plus both observed stale mechanisms.
		require.Len(t, upserts, 6)
		require.Len(t, deletes, 2)
		return map[string]scrambridge.AlterResult{
			"bob": {
				Err:          errors.New("resource not found"),
				ErrorCode:    "NOT_FOUND",
				ErrorMessage: "resource not found",
			},
		}, nil
	}

	cfg := defaultConfig()
	cfg.Mechanisms = []string{"SCRAM-SHA-256", "SCRAM-SHA-512"}
	svc := f.service(t, cfg)

	result, err := svc.Reconcile(t.Context(), scrambridge.SourceManual)
	require.NoError(t, err)
	require.Equal(t, 4, result.ItemsTotal)
	require.Equal(t, 3, result.ItemsSuccess)
	require.Equal(t, 1, result.ItemsError)
	require.LessOrEqual(t, result.ItemsSuccess+result.ItemsError, result.ItemsTotal)

	done := <-f.completed
	require.Equal(t, 3, done.success)
	require.Equal(t, 1, done.errs)

	// The audit trail still carries one row per mechanism.
	ops := <-f.recorded
	require.Len(t, ops, 8)
	errorRows := 0
	for _, op := range ops {
		if op.Result == scrambridge.ResultError {
			require.Equal(t, "bob", op.Principal)
			errorRows++
		}
	}
	require.Equal(t, 2, errorRows)

	<-f.purgeCalled
}

func TestReconcileRejectsConcurrentCycle(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})

	f := newFixture()
	f.directory.FetchAllUsersFn = func(ctx context.Context, _ string) ([]scrambridge.User, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, _ []scrambridge.Upsertion, _ []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		return map[string]scrambridge.AlterResult{}, nil
	}

	svc := f.service(t, defaultConfig())

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Reconcile(context.WithoutCancel(t.Context()), scrambridge.SourceManual)
		firstDone <- err
	}()

	<-started
	require.True(t, svc.Status().Running)

	_, err := svc.Reconcile(t.Context(), scrambridge.SourcePeriodic)
	require.ErrorIs(t, err, scrambridge.ErrReconcileRunning)

	close(release)
	require.NoError(t, <-firstDone)
	<-f.purgeCalled
}

func TestReconcileFetchFailure(t *testing.T) {
	t.Parallel()

	cause := scrambridge.Classify(scrambridge.ClassTransient, errors.New("connection refused"))

	f := newFixture()
	f.directory.FetchAllUsersFn = func(_ context.Context, _ string) ([]scrambridge.User, error) {
		return nil, cause
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{}, nil
	}

	svc := f.service(t, defaultConfig())

	result, err := svc.Reconcile(t.Context(), scrambridge.SourceManual)
	require.ErrorIs(t, err, cause)
	require.NotNil(t, result)
	require.NotEmpty(t, result.CorrelationID)

	batch := <-f.created
	require.Equal(t, result.CorrelationID, batch.CorrelationID)
	require.Zero(t, batch.ItemsTotal)

	done := <-f.completed
	require.Zero(t, done.success)
	require.Contains(t, done.summary, "fetch users")
	require.Contains(t, done.summary, "connection refused")
}

func TestReconcileRecordsPerPrincipalErrors(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.FetchAllUsersFn = func(_ context.Context, _ string) ([]scrambridge.User, error) {
		return []scrambridge.User{
			{ID: "1", Username: "alice", Enabled: true},
			{ID: "2", Username: "bob", Enabled: true},
		}, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, _ []scrambridge.Upsertion, _ []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		return map[string]scrambridge.AlterResult{
			"bob": {
				Err:          errors.New("resource not found"),
				ErrorCode:    "NOT_FOUND",
				ErrorMessage: "resource not found",
			},
		}, nil
	}

	svc := f.service(t, defaultConfig())

	result, err := svc.Reconcile(t.Context(), scrambridge.SourceManual)
	require.NoError(t, err)
	require.Equal(t, 2, result.ItemsTotal)
	require.Equal(t, 1, result.ItemsSuccess)
	require.Equal(t, 1, result.ItemsError)

	ops := <-f.recorded
	require.Len(t, ops, 2)
	for _, op := range ops {
		if op.Principal == "bob" {
			require.Equal(t, scrambridge.ResultError, op.Result)
			require.Equal(t, "NOT_FOUND", op.ErrorCode)
		} else {
			require.Equal(t, scrambridge.ResultSuccess, op.Result)
		}
	}

	<-f.purgeCalled
}

func TestApplyEventUpsert(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.UserByIDFn = func(_ context.Context, id string) (*scrambridge.User, error) {
		require.Equal(t, "8f14e45f", id)
		return &scrambridge.User{ID: id, Username: "alice", Enabled: true}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, upserts []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		require.Len(t, upserts, 1)
		require.Equal(t, "alice", upserts[0].Principal)
		require.Empty(t, deletes)
		return map[string]scrambridge.AlterResult{}, nil
	}

	svc := f.service(t, defaultConfig())

	err := svc.ApplyEvent(t.Context(), &scrambridge.ParsedEvent{
		CorrelationID: "evt-1",
		Realm:         "production",
		Action:        scrambridge.ActionUpsert,
		ResourceType:  scrambridge.ResourceUser,
		UserID:        "8f14e45f",
	})
	require.NoError(t, err)

	batch := <-f.created
	require.Equal(t, scrambridge.SourceWebhook, batch.Source)
	require.Equal(t, 1, batch.ItemsTotal)

	done := <-f.completed
	require.Equal(t, 1, done.success)
	require.Zero(t, done.errs)

	ops := <-f.recorded
	require.Len(t, ops, 1)
	require.Equal(t, scrambridge.OpScramUpsert, ops[0].OpType)
	require.Equal(t, "alice", ops[0].Principal)
}

func TestApplyEventDisabledUserBecomesDelete(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.UserByIDFn = func(_ context.Context, id string) (*scrambridge.User, error) {
		return &scrambridge.User{ID: id, Username: "alice", Enabled: false}, nil
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{
			"alice": {scrambridge.MechanismSHA256, scrambridge.MechanismSHA512},
		}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, upserts []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		require.Empty(t, upserts)
		require.ElementsMatch(t, []scrambridge.Deletion{
			{Principal: "alice", Mechanism: scrambridge.MechanismSHA256},
			{Principal: "alice", Mechanism: scrambridge.MechanismSHA512},
		}, deletes)
		return map[string]scrambridge.AlterResult{}, nil
	}

	svc := f.service(t, defaultConfig())

	err := svc.ApplyEvent(t.Context(), &scrambridge.ParsedEvent{
		CorrelationID: "evt-2",
		Action:        scrambridge.ActionUpsert,
		ResourceType:  scrambridge.ResourceUser,
		UserID:        "8f14e45f",
	})
	require.NoError(t, err)

	ops := <-f.recorded
	require.Len(t, ops, 2)
	for _, op := range ops {
		require.Equal(t, scrambridge.OpScramDelete, op.OpType)
	}
}

func TestApplyEventDeletedUserUsesLastKnownUsername(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{
			"alice": {scrambridge.MechanismSHA512},
		}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, _ []scrambridge.Upsertion, deletes []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		require.Equal(t, []scrambridge.Deletion{
			{Principal: "alice", Mechanism: scrambridge.MechanismSHA512},
		}, deletes)
		return map[string]scrambridge.AlterResult{}, nil
	}

	svc := f.service(t, defaultConfig())

	err := svc.ApplyEvent(t.Context(), &scrambridge.ParsedEvent{
		CorrelationID: "evt-3",
		Action:        scrambridge.ActionDelete,
		ResourceType:  scrambridge.ResourceUser,
		UserID:        "8f14e45f",
		Username:      "alice",
	})
	require.NoError(t, err)

	done := <-f.completed
	require.Equal(t, 1, done.success)
}

func TestApplyEventDeletedClientFallsBackToConvention(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.directory.ServiceAccountUserFn = func(_ context.Context, clientID string) (*scrambridge.User, error) {
		return nil, scrambridge.Classify(scrambridge.ClassNotFound,
			errors.New("client not found"))
	}
	f.admin.DescribeCredentialsFn = func(_ context.Context) (map[string][]scrambridge.Mechanism, error) {
		return map[string][]scrambridge.Mechanism{}, nil
	}

	svc := f.service(t, defaultConfig())

	err := svc.ApplyEvent(t.Context(), &scrambridge.ParsedEvent{
		CorrelationID: "evt-4",
		Action:        scrambridge.ActionUpsert,
		ResourceType:  scrambridge.ResourceClient,
		ClientID:      "Billing-API",
	})
	require.NoError(t, err)

	ops := <-f.recorded
	require.Len(t, ops, 1)
	require.Equal(t, "service-account-billing-api", ops[0].Principal)
	require.Equal(t, scrambridge.OpScramDelete, ops[0].OpType)
	require.Equal(t, scrambridge.ResultSkipped, ops[0].Result)
}

func TestApplyEventTransientAlterFailureIsReturned(t *testing.T) {
	t.Parallel()

	cause := scrambridge.Classify(scrambridge.ClassTransient, errors.New("broker unavailable"))

	f := newFixture()
	f.directory.UserByIDFn = func(_ context.Context, id string) (*scrambridge.User, error) {
		return &scrambridge.User{ID: id, Username: "alice", Enabled: true}, nil
	}
	f.admin.AlterCredentialsFn = func(_ context.Context, _ []scrambridge.Upsertion, _ []scrambridge.Deletion) (map[string]scrambridge.AlterResult, error) {
		return nil, cause
	}

	svc := f.service(t, defaultConfig())

	err := svc.ApplyEvent(t.Context(), &scrambridge.ParsedEvent{
		CorrelationID: "evt-5",
		Action:        scrambridge.ActionUpsert,
		ResourceType:  scrambridge.ResourceUser,
		UserID:        "8f14e45f",
	})
	require.ErrorIs(t, err, cause)
	require.True(t, scrambridge.Retriable(err))

	done := <-f.completed
	require.Zero(t, done.success)
	require.Equal(t, 1, done.errs)
	require.NotEmpty(t, done.summary)
}
