package retention_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk-rv/scrambridge/internal/mock"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
	"github.com/vk-rv/scrambridge/internal/svc/retention"
)

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func stateStore(state *scrambridge.RetentionState, sizeBytes int64) *mock.RetentionStore {
	return &mock.RetentionStore{
		GetStateFn: func(_ context.Context) (*scrambridge.RetentionState, error) {
			copied := *state
			return &copied, nil
		},
		DBSizeBytesFn: func(_ context.Context) (int64, error) {
			return sizeBytes, nil
		},
		RecordPurgeFn: func(_ context.Context, _, _ int64, _ time.Time) error {
			return nil
		},
		ReclaimFn: func(_ context.Context) error { return nil },
	}
}

func TestNewServiceAppliesEnvironmentPolicy(t *testing.T) {
	t.Parallel()

	t.Run("overrides only the set axes", func(t *testing.T) {
		t.Parallel()

		store := stateStore(&scrambridge.RetentionState{
			MaxBytes:   int64Ptr(scrambridge.DefaultRetentionMaxBytes),
			MaxAgeDays: intPtr(scrambridge.DefaultRetentionMaxAgeDays),
		}, 0)

		var gotBytes *int64
		var gotDays *int
		store.UpdatePolicyFn = func(_ context.Context, maxBytes *int64, maxAgeDays *int) error {
			gotBytes, gotDays = maxBytes, maxAgeDays
			return nil
		}

		_, err := retention.NewService(t.Context(), &retention.Config{
			MaxAgeDays: intPtr(7),
		}, store, &mock.OperationStore{}, slog.New(slog.DiscardHandler))
		require.NoError(t, err)

		require.NotNil(t, gotBytes)
		require.Equal(t, scrambridge.DefaultRetentionMaxBytes, *gotBytes)
		require.NotNil(t, gotDays)
		require.Equal(t, 7, *gotDays)
	})

	t.Run("no environment limits leave the stored policy untouched", func(t *testing.T) {
		t.Parallel()

		store := &mock.RetentionStore{}

		_, err := retention.NewService(t.Context(), &retention.Config{},
			store, &mock.OperationStore{}, slog.New(slog.DiscardHandler))
		require.NoError(t, err)
	})

	t.Run("rejects out-of-bounds limits", func(t *testing.T) {
		t.Parallel()

		store := &mock.RetentionStore{}

		_, err := retention.NewService(t.Context(), &retention.Config{
			MaxAgeDays: intPtr(scrambridge.MaxRetentionAgeDays + 1),
		}, store, &mock.OperationStore{}, slog.New(slog.DiscardHandler))
		require.Error(t, err)
	})
}

func TestUpdatePolicy(t *testing.T) {
	t.Parallel()

	t.Run("stores and returns the new state", func(t *testing.T) {
		t.Parallel()

		state := &scrambridge.RetentionState{
			MaxBytes:   int64Ptr(1 << 20),
			MaxAgeDays: intPtr(7),
		}
		store := stateStore(state, 4096)
		store.UpdatePolicyFn = func(_ context.Context, maxBytes *int64, maxAgeDays *int) error {
			state.MaxBytes, state.MaxAgeDays = maxBytes, maxAgeDays
			return nil
		}

		svc, err := retention.NewService(t.Context(), nil, store,
			&mock.OperationStore{}, slog.New(slog.DiscardHandler))
		require.NoError(t, err)

		got, err := svc.UpdatePolicy(t.Context(), &scrambridge.UpdateRetentionRequest{
			MaxBytes: int64Ptr(2 << 20),
		})
		require.NoError(t, err)
		require.Equal(t, int64(2<<20), *got.MaxBytes)
		require.Nil(t, got.MaxAgeDays)
		require.Equal(t, int64(4096), got.ApproxDBBytes)
	})

	t.Run("rejects invalid requests before touching the store", func(t *testing.T) {
		t.Parallel()

		svc, err := retention.NewService(t.Context(), nil, &mock.RetentionStore{},
			&mock.OperationStore{}, slog.New(slog.DiscardHandler))
		require.NoError(t, err)

		_, err = svc.UpdatePolicy(t.Context(), &scrambridge.UpdateRetentionRequest{
			MaxBytes: int64Ptr(-1),
		})
		require.Error(t, err)
	})
}

func TestPurgeAgeAxis(t *testing.T) {
	t.Parallel()

	store := stateStore(&scrambridge.RetentionState{MaxAgeDays: intPtr(30)}, 8192)

	var recordedPurged int64
	store.RecordPurgeFn = func(_ context.Context, purged, approxBytes int64, _ time.Time) error {
		recordedPurged = purged
		require.Equal(t, int64(8192), approxBytes)
		return nil
	}

	var cutoff time.Time
	ops := &mock.OperationStore{
		DeleteBeforeFn: func(_ context.Context, c time.Time) (int64, error) {
			cutoff = c
			return 42, nil
		},
	}

	svc, err := retention.NewService(t.Context(), nil, store, ops, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, svc.Purge(t.Context()))
	require.Equal(t, int64(42), recordedPurged)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), cutoff, time.Minute)
}

func TestPurgeSizeAxis(t *testing.T) {
	t.Parallel()

	// 1 MiB limit, 2 MiB store with 2048 rows of ~1 KiB each. One pass
	// deleting down to 90% of the limit should suffice.
	const limit = int64(1 << 20)

	size := int64(2 << 20)
	store := stateStore(&scrambridge.RetentionState{MaxBytes: int64Ptr(limit)}, 0)
	store.DBSizeBytesFn = func(_ context.Context) (int64, error) { return size, nil }

	reclaimed := false
	store.ReclaimFn = func(_ context.Context) error {
		reclaimed = true
		return nil
	}

	var deleted int64
	ops := &mock.OperationStore{
		CountOperationsFn: func(_ context.Context) (int64, error) {
			return 2048, nil
		},
		DeleteOldestFn: func(_ context.Context, batch int64) (int64, error) {
			deleted += batch
			size = batch * 1024 / 2 // shrink below the target
			return batch, nil
		},
	}

	svc, err := retention.NewService(t.Context(), nil, store, ops, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, svc.Purge(t.Context()))
	require.Positive(t, deleted)
	require.True(t, reclaimed)
}

func TestPurgeSizeAxisStopsWhenNothingDeletable(t *testing.T) {
	t.Parallel()

	store := stateStore(&scrambridge.RetentionState{MaxBytes: int64Ptr(1024)}, 4096)

	ops := &mock.OperationStore{
		CountOperationsFn: func(_ context.Context) (int64, error) { return 10, nil },
		DeleteOldestFn: func(_ context.Context, _ int64) (int64, error) {
			// Every remaining row belongs to an in-progress batch.
			return 0, nil
		},
	}

	svc, err := retention.NewService(t.Context(), nil, store, ops, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, svc.Purge(t.Context()))
}

func TestPurgeSkipsUnlimitedAxes(t *testing.T) {
	t.Parallel()

	store := stateStore(&scrambridge.RetentionState{}, 4096)

	recorded := false
	store.RecordPurgeFn = func(_ context.Context, purged, _ int64, _ time.Time) error {
		recorded = true
		require.Zero(t, purged)
		return nil
	}

	svc, err := retention.NewService(t.Context(), nil, store,
		&mock.OperationStore{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, svc.Purge(t.Context()))
	require.True(t, recorded)
}

func TestPurgeZeroLimitsKeepNothing(t *testing.T) {
	t.Parallel()

	size := int64(4096)
	store := stateStore(&scrambridge.RetentionState{
		MaxBytes:   int64Ptr(0),
		MaxAgeDays: intPtr(0),
	}, 0)
	store.DBSizeBytesFn = func(_ context.Context) (int64, error) { return size, nil }

	var recordedPurged int64
	store.RecordPurgeFn = func(_ context.Context, purged, _ int64, _ time.Time) error {
		recordedPurged = purged
		return nil
	}

	var cutoff time.Time
	ops := &mock.OperationStore{
		DeleteBeforeFn: func(_ context.Context, c time.Time) (int64, error) {
			cutoff = c
			return 2, nil
		},
		CountOperationsFn: func(_ context.Context) (int64, error) { return 4, nil },
		DeleteOldestFn: func(_ context.Context, _ int64) (int64, error) {
			size = 0
			return 4, nil
		},
	}

	svc, err := retention.NewService(t.Context(), nil, store, ops, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, svc.Purge(t.Context()))
	// Age 0 cuts at now, size 0 drains every deletable row.
	require.WithinDuration(t, time.Now().UTC(), cutoff, time.Minute)
	require.Equal(t, int64(6), recordedPurged)
}

func TestPurgeCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})

	store := stateStore(&scrambridge.RetentionState{}, 0)
	store.GetStateFn = func(_ context.Context) (*scrambridge.RetentionState, error) {
		close(entered)
		<-release
		return &scrambridge.RetentionState{}, nil
	}

	svc, err := retention.NewService(t.Context(), nil, store,
		&mock.OperationStore{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- svc.Purge(context.WithoutCancel(t.Context()))
	}()

	<-entered
	// The overlapping call coalesces into a no-op without touching the store.
	require.NoError(t, svc.Purge(t.Context()))

	close(release)
	require.NoError(t, <-firstDone)
}

func TestPurgePropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("database is locked")
	store := &mock.RetentionStore{
		GetStateFn: func(_ context.Context) (*scrambridge.RetentionState, error) {
			return nil, cause
		},
	}

	svc, err := retention.NewService(t.Context(), nil, store,
		&mock.OperationStore{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	err = svc.Purge(t.Context())
	require.ErrorIs(t, err, cause)
}
