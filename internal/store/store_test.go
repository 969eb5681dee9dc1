package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/wipeworks/wiped/internal/model"
	"github.com/wipeworks/wiped/internal/store"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "wiped.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestCurrentJob(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := open(t)

	_, err := s.CurrentJob(ctx)
	require.ErrorIs(t, err, model.ErrNotFound)

	created := time.Date(2025, 10, 1, 12, 0, 0, 123, time.UTC)
	rec := model.JobRecord{
		ID:        "job-1",
		Kind:      model.JobKindWipe,
		Target:    "/dev/sdb",
		Method:    model.WipeMethodRandom,
		Status:    model.JobStatusQueued,
		CreatedAt: created,
		Owner:     "4242:boot:1000",
	}
	require.NoError(t, s.CreateJob(ctx, rec))

	got, err := s.CurrentJob(ctx)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	t.Run("conflict while active", func(t *testing.T) {
		other := rec
		other.ID = "job-2"
		require.ErrorIs(t, s.CreateJob(ctx, other), model.ErrConflict)
	})

	t.Run("progress", func(t *testing.T) {
		started := created.Add(time.Second)
		rec.Status = model.JobStatusRunning
		rec.StartedAt = &started
		require.NoError(t, s.UpdateJob(ctx, rec))

		rec.Progress = 55
		require.NoError(t, s.SaveProgress(ctx, rec))
		got, err := s.CurrentJob(ctx)
		require.NoError(t, err)
		require.Equal(t, rec, got)

		last, err := s.LastProgress(ctx, model.JobKindWipe)
		require.NoError(t, err)
		require.Equal(t, 55, last)
		_, err = s.LastProgress(ctx, model.JobKindFactoryReset)
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("finish", func(t *testing.T) {
		finished := created.Add(time.Minute)
		code := 0
		rec.Status = model.JobStatusSucceeded
		rec.Progress = 100
		rec.FinishedAt = &finished
		rec.ExitCode = &code
		require.NoError(t, s.UpdateJob(ctx, rec))
		got, err := s.CurrentJob(ctx)
		require.NoError(t, err)
		require.Equal(t, rec, got)
	})

	t.Run("stale id", func(t *testing.T) {
		stale := rec
		stale.ID = "job-0"
		require.ErrorIs(t, s.UpdateJob(ctx, stale), model.ErrNotFound)
		require.ErrorIs(t, s.SaveProgress(ctx, stale), model.ErrNotFound)
		require.ErrorIs(t, s.DeleteJob(ctx, stale.ID), model.ErrNotFound)
	})

	t.Run("finished job is replaced", func(t *testing.T) {
		next := model.JobRecord{
			ID:        "job-3",
			Kind:      model.JobKindFactoryReset,
			Status:    model.JobStatusQueued,
			CreatedAt: created,
		}
		require.NoError(t, s.CreateJob(ctx, next))
		got, err := s.CurrentJob(ctx)
		require.NoError(t, err)
		require.Equal(t, next, got)

		require.NoError(t, s.DeleteJob(ctx, next.ID))
		_, err = s.CurrentJob(ctx)
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestCertificate(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := open(t)

	_, err := s.Certificate(ctx, model.JobKindWipe)
	require.ErrorIs(t, err, model.ErrNotFound)

	// a progress only row has no certificate yet
	require.NoError(t, s.CreateJob(ctx, model.JobRecord{ID: "j", Kind: model.JobKindWipe, Status: model.JobStatusRunning, Progress: 10}))
	require.NoError(t, s.SaveProgress(ctx, model.JobRecord{ID: "j", Kind: model.JobKindWipe, Progress: 10}))
	_, err = s.Certificate(ctx, model.JobKindWipe)
	require.ErrorIs(t, err, model.ErrNotFound)

	first := model.FailedCertificate("spawn error")
	require.NoError(t, s.SaveCertificate(ctx, model.JobKindWipe, first))
	got, err := s.Certificate(ctx, model.JobKindWipe)
	require.NoError(t, err)
	require.Equal(t, first, got)

	second := model.Certificate{Status: model.CertificateSucceeded, Details: map[string]string{"device": "/dev/sdb"}}
	require.NoError(t, s.SaveCertificate(ctx, model.JobKindWipe, second))
	got, err = s.Certificate(ctx, model.JobKindWipe)
	require.NoError(t, err)
	require.Equal(t, second, got)

	// certificate upsert keeps the progress
	last, err := s.LastProgress(ctx, model.JobKindWipe)
	require.NoError(t, err)
	require.Equal(t, 10, last)

	_, err = s.Certificate(ctx, model.JobKindFactoryReset)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestReopen(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "wiped.db")

	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, model.JobRecord{ID: "j", Kind: model.JobKindFactoryReset, Status: model.JobStatusRunning}))
	require.NoError(t, s.Close())

	s, err = store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	rec, err := s.CurrentJob(ctx)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusRunning, rec.Status)
}

func TestConflictAcrossConnections(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	dbPath := filepath.Join(t.TempDir(), "wiped.db")

	// two stores on one file stand for two wiped processes
	var stores []*store.Store
	for range 2 {
		s, err := store.Open(ctx, dbPath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, s.Close())
		})
		stores = append(stores, s)
	}

	rec := model.JobRecord{
		ID:        "job-1",
		Kind:      model.JobKindWipe,
		Status:    model.JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, stores[0].CreateJob(ctx, rec))

	other := rec
	other.ID = "job-2"
	other.Kind = model.JobKindFactoryReset
	require.ErrorIs(t, stores[1].CreateJob(ctx, other), model.ErrConflict)

	got, err := stores[1].CurrentJob(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", got.ID)
}
