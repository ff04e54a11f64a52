package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, st store.Store, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		return tx.CreateJob(ctx, job)
	}))
}

func seedBatch(t *testing.T, st store.Store, batch *models.Batch) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		return tx.CreateBatch(ctx, batch)
	}))
}

func baseJob(id string, state models.JobState) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:             id,
		OrgID:          "qg",
		AppVersionID:   "v1",
		TestPath:       "suites/a.spec",
		Target:         models.TargetEmulator,
		Priority:       5,
		Timeout:        time.Minute,
		State:          state,
		SubmittedAt:    now,
		StateChangedAt: now,
	}
}

func TestCancelPendingJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ix := queueindex.New()
	svc := NewJobService(st, ix)

	job := baseJob("j1", models.JobStatePending)
	seedJob(t, st, job)
	ix.Upsert(job)

	out, err := svc.Cancel(ctx, "j1", "not needed")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, out.State)
	require.NotNil(t, out.Result)
	assert.Equal(t, models.FailureCancelled, out.Result.ErrorKind)
	assert.Equal(t, 0, ix.Len())
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewJobService(st, queueindex.New())

	seedJob(t, st, baseJob("done", models.JobStateSucceeded))

	_, err := svc.Cancel(ctx, "done", "too late")
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestCancelMissingJob(t *testing.T) {
	ctx := context.Background()
	svc := NewJobService(store.NewMemory(), queueindex.New())

	_, err := svc.Cancel(ctx, "ghost", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCancelBatchedJobClosesEmptyBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewJobService(st, queueindex.New())

	batchID := "b1"
	job := baseJob("j1", models.JobStateBatched)
	job.BatchID = &batchID
	seedJob(t, st, job)
	seedBatch(t, st, &models.Batch{
		ID:           batchID,
		OrgID:        "qg",
		AppVersionID: "v1",
		Target:       models.TargetEmulator,
		MemberJobIDs: []string{"j1"},
		Priority:     5,
		State:        models.BatchStatePending,
		SealedAt:     time.Now().UTC(),
	})

	out, err := svc.Cancel(ctx, "j1", "scope cut")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, out.State)

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStateDone, batch.State)

		// A close straight from PENDING has no member transition inside
		// the batch machine to carry it, so it writes its own entry.
		entries, err := tx.AuditForEntity(ctx, models.EntityBatch, batchID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, string(models.BatchStatePending), entries[0].FromState)
		assert.Equal(t, string(models.BatchStateDone), entries[0].ToState)
		return nil
	}))
}

func TestCancelRunningJobOnlyFlags(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewJobService(st, queueindex.New())

	batchID := "b1"
	agentID := "a1"
	job := baseJob("j1", models.JobStateRunning)
	job.BatchID = &batchID
	seedJob(t, st, job)
	seedBatch(t, st, &models.Batch{
		ID:           batchID,
		OrgID:        "qg",
		AppVersionID: "v1",
		Target:       models.TargetEmulator,
		MemberJobIDs: []string{"j1"},
		Priority:     5,
		State:        models.BatchStateRunning,
		AgentID:      &agentID,
		SealedAt:     time.Now().UTC(),
	})

	out, err := svc.Cancel(ctx, "j1", "user abort")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, out.State, "running job stays running until the agent reports")
	assert.True(t, out.CancelRequested)

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatch(ctx, batchID)
		require.NoError(t, err)
		assert.True(t, batch.CancelRequested)
		return nil
	}))
}

func TestJobAuditTrail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewJobService(st, queueindex.New())

	job := baseJob("j1", models.JobStatePending)
	seedJob(t, st, job)
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		return tx.AppendAudit(ctx, store.Audit(models.EntityJob, "j1",
			"", string(models.JobStatePending), models.ActorAPI, "submitted"))
	}))

	entries, err := svc.Audit(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "submitted", entries[0].Cause)

	_, err = svc.Audit(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}
