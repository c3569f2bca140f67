package sqlite_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
	"github.com/vk-rv/scrambridge/internal/sqlite"
)

func TestCreateBatch(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := sqlite.NewBatchStore(db, time.Now)

	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO sync_batch (
			correlation_id, started_at, source, items_total,
			items_success, items_error, error_summary)
		VALUES (?, ?, ?, ?, 0, 0, NULL)
	`)).
		WithArgs("corr-1", startedAt, "PERIODIC", 150).
		WillReturnResult(sqlmock.NewResult(3, 1))

	batch := &scrambridge.SyncBatch{
		CorrelationID: "corr-1",
		StartedAt:     startedAt,
		Source:        scrambridge.SourcePeriodic,
		ItemsTotal:    150,
	}
	require.NoError(t, store.CreateBatch(t.Context(), batch))
	require.Equal(t, int64(3), batch.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBatch(t *testing.T) {
	t.Parallel()

	finishedAt := time.Date(2025, 3, 12, 10, 5, 0, 0, time.UTC)
	now := func() time.Time { return finishedAt }

	query := regexp.QuoteMeta(`
		UPDATE sync_batch
		SET finished_at = ?,
			duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER),
			items_success = ?,
			items_error = ?,
			error_summary = ?
		WHERE correlation_id = ? AND finished_at IS NULL
	`)

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := sqlite.NewBatchStore(db, now)

		mock.ExpectExec(query).
			WithArgs(finishedAt, finishedAt, 148, 2, "2 principals failed", "corr-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.CompleteBatch(t.Context(), "corr-1", 148, 2, "2 principals failed"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no in-progress batch", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := sqlite.NewBatchStore(db, now)

		for range 2 {
			mock.ExpectExec(query).
				WithArgs(finishedAt, finishedAt, 0, 0, nil, "corr-gone").
				WillReturnResult(sqlmock.NewResult(0, 0))
		}

		err = store.CompleteBatch(t.Context(), "corr-gone", 0, 0, "")
		require.ErrorContains(t, err, `no in-progress batch with correlation id "corr-gone"`)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetBatch(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	finishedAt := startedAt.Add(5 * time.Minute)

	columns := []string{
		"id", "correlation_id", "started_at", "finished_at", "source",
		"items_total", "items_success", "items_error", "duration_ms", "error_summary",
	}

	query := regexp.QuoteMeta(`
		SELECT
			id, correlation_id, started_at, finished_at, source,
			items_total, items_success, items_error, duration_ms, error_summary
		FROM sync_batch
		WHERE correlation_id = ?
	`)

	t.Run("completed batch", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := sqlite.NewBatchStore(db, time.Now)

		mock.ExpectQuery(query).
			WithArgs("corr-1").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(3, "corr-1", startedAt, finishedAt, "MANUAL", 150, 148, 2, 300000, "2 principals failed"))

		batch, err := store.GetBatch(t.Context(), "corr-1")
		require.NoError(t, err)
		require.Equal(t, int64(3), batch.ID)
		require.Equal(t, scrambridge.SourceManual, batch.Source)
		require.Equal(t, 150, batch.ItemsTotal)
		require.Equal(t, 148, batch.ItemsSuccess)
		require.Equal(t, 2, batch.ItemsError)
		require.NotNil(t, batch.FinishedAt)
		require.Equal(t, finishedAt, *batch.FinishedAt)
		require.NotNil(t, batch.DurationMS)
		require.Equal(t, int64(300000), *batch.DurationMS)
		require.Equal(t, "2 principals failed", batch.ErrorSummary)
		require.False(t, batch.InProgress())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("in-progress batch has nil finished fields", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := sqlite.NewBatchStore(db, time.Now)

		mock.ExpectQuery(query).
			WithArgs("corr-2").
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(4, "corr-2", startedAt, nil, "WEBHOOK", 1, 0, 0, nil, nil))

		batch, err := store.GetBatch(t.Context(), "corr-2")
		require.NoError(t, err)
		require.Nil(t, batch.FinishedAt)
		require.Nil(t, batch.DurationMS)
		require.Empty(t, batch.ErrorSummary)
		require.True(t, batch.InProgress())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		store := sqlite.NewBatchStore(db, time.Now)

		mock.ExpectQuery(query).
			WithArgs("corr-missing").
			WillReturnRows(sqlmock.NewRows(columns))

		batch, err := store.GetBatch(t.Context(), "corr-missing")
		require.Nil(t, batch)
		require.Equal(t, scrambridge.ClassNotFound, scrambridge.ClassOf(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListBatches(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "correlation_id", "started_at", "finished_at", "source",
		"items_total", "items_success", "items_error", "duration_ms", "error_summary",
	}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := sqlite.NewBatchStore(db, time.Now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM sync_batch WHERE source = ?`)).
		WithArgs("PERIODIC").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(2))

	mock.ExpectQuery(`SELECT\s+id, correlation_id, started_at, finished_at, source,\s+items_total, items_success, items_error, duration_ms, error_summary\s+FROM sync_batch\s+WHERE source = \?\s+ORDER BY started_at DESC, id DESC\s+LIMIT \? OFFSET \?`).
		WithArgs("PERIODIC", 50, 0).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(2, "corr-2", startedAt.Add(time.Hour), nil, "PERIODIC", 10, 0, 0, nil, nil).
			AddRow(1, "corr-1", startedAt, startedAt.Add(time.Minute), "PERIODIC", 10, 10, 0, 60000, nil))

	batches, total, err := store.ListBatches(t.Context(), &scrambridge.ListBatchesCriteria{
		Source: scrambridge.SourcePeriodic,
	})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, batches, 2)
	require.Equal(t, "corr-2", batches[0].CorrelationID)
	require.True(t, batches[0].InProgress())
	require.Equal(t, "corr-1", batches[1].CorrelationID)
	require.False(t, batches[1].InProgress())
	require.NoError(t, mock.ExpectationsWereMet())
}
