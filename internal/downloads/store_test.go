package downloads

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/database/dbtest"
)

var t0 = time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))

	job, err := store.Create(ctx, StateTarget("SP", "APPS"), t0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "state:SP:APPS", job.TargetKey)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CARNumber)

	require.NoError(t, store.MarkRunning(ctx, job.ID, t0.Add(time.Second)))
	require.NoError(t, store.IncrementRetry(ctx, job.ID))
	require.NoError(t, store.MarkCompleted(ctx, job.ID, "/data/SP_APPS.zip", 2048, t0.Add(time.Minute)))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.FilePath)
	assert.Equal(t, "/data/SP_APPS.zip", *got.FilePath)
	require.NotNil(t, got.FileSize)
	assert.EqualValues(t, 2048, *got.FileSize)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, t0.Add(time.Second), *got.StartedAt)
	assert.Equal(t, t0.Add(time.Minute), *got.CompletedAt)
}

func TestStoreTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))

	job, err := store.Create(ctx, CARTarget("SP-3538709-4861E981046E49BC81720C879459E554"), t0)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, job.ID, "boom", t0))

	assert.True(t, errors.Is(store.MarkRunning(ctx, job.ID, t0), ErrInvalidTransition))
	assert.True(t, errors.Is(store.MarkCompleted(ctx, job.ID, "/x.zip", 1, t0), ErrInvalidTransition))
	assert.True(t, errors.Is(store.MarkFailed(ctx, job.ID, "again", t0), ErrInvalidTransition))
	assert.True(t, errors.Is(store.IncrementRetry(ctx, job.ID), ErrInvalidTransition))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", *got.ErrorMessage)
	assert.Nil(t, got.FilePath)
	assert.Nil(t, got.FileSize)
}

func TestStoreCompletedRequiresRunning(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))

	job, err := store.Create(ctx, StateTarget("MG", "APPS"), t0)
	require.NoError(t, err)
	assert.True(t, errors.Is(store.MarkCompleted(ctx, job.ID, "/x.zip", 1, t0), ErrInvalidTransition))
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(dbtest.New(t))

	_, err := store.Get(context.Background(), 99)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
	assert.True(t, errors.Is(store.MarkRunning(context.Background(), 99, t0), apperror.ErrNotFound))
}

func TestStoreListAndFilters(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))

	var ids []int64
	for i, polygon := range []string{"APPS", "LEGAL_RESERVE", "HYDROGRAPHY"} {
		job, err := store.Create(ctx, StateTarget("SP", polygon), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	require.NoError(t, store.MarkRunning(ctx, ids[0], t0))

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	page, err := store.List(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	running, err := store.List(ctx, ListFilter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[0], running[0].ID)

	pending, err := store.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)

	active, err := store.FindActive(ctx, "state:SP:APPS")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, ids[0], active.ID)

	none, err := store.FindActive(ctx, "state:RJ:APPS")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStoreLatestForTarget(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))
	key := "state:SP:APPS"

	first, err := store.Create(ctx, StateTarget("SP", "APPS"), t0)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, first.ID, t0))
	require.NoError(t, store.MarkCompleted(ctx, first.ID, "/a.zip", 10, t0))
	second, err := store.Create(ctx, StateTarget("SP", "APPS"), t0.Add(time.Hour))
	require.NoError(t, err)

	latest, err := store.LatestForTarget(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	completed, err := store.LatestCompleted(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, completed.ID)

	missing, err := store.LatestForTarget(ctx, "car:nothing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dbtest.New(t))

	for i, size := range []int64{1024 * 1024, 512 * 1024} {
		job, err := store.Create(ctx, StateTarget("SP", []string{"APPS", "LEGAL_RESERVE"}[i]), t0)
		require.NoError(t, err)
		require.NoError(t, store.MarkRunning(ctx, job.ID, t0))
		require.NoError(t, store.MarkCompleted(ctx, job.ID, "/f.zip", size, t0))
	}
	failed, err := store.Create(ctx, StateTarget("RJ", "APPS"), t0)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, failed.ID, "x", t0))
	_, err = store.Create(ctx, StateTarget("MG", "APPS"), t0)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.TotalJobs)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 0, stats.Running)
	assert.EqualValues(t, 1536*1024, stats.TotalSizeBytes)
	assert.Equal(t, 1.5, stats.TotalSizeMB)
}

func TestStoreStatsEmpty(t *testing.T) {
	stats, err := NewStore(dbtest.New(t)).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *stats)
}

func TestStoreCreatePropagatesDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO download_jobs").WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).Create(context.Background(), StateTarget("SP", "APPS"), t0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create download job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreStatsPropagatesDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM download_jobs").WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
