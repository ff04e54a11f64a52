package batcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T, cfg *config.Config) (*Batcher, store.Store, *queueindex.Index, chan struct{}) {
	t.Helper()
	st := store.NewMemory()
	ix := queueindex.New()
	schedWake := make(chan struct{}, 1)
	return New(st, ix, cfg, nil, schedWake), st, ix, schedWake
}

func submitted(t *testing.T, st store.Store, ix *queueindex.Index, job *models.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		return tx.CreateJob(ctx, job)
	}))
	ix.Upsert(job)
}

func testJob(id string, priority int, age time.Duration) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:             id,
		OrgID:          "qg",
		AppVersionID:   "v1",
		TestPath:       "suites/" + id + ".spec",
		Target:         models.TargetEmulator,
		Priority:       priority,
		Timeout:        time.Minute,
		State:          models.JobStatePending,
		SubmittedAt:    now.Add(-age),
		StateChangedAt: now.Add(-age),
	}
}

func onlyBatch(t *testing.T, st store.Store) *models.Batch {
	t.Helper()
	ctx := context.Background()
	var batch *models.Batch
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		batches, err := tx.BatchesByState(ctx, models.BatchStatePending)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		batch = batches[0]
		return nil
	}))
	return batch
}

func TestSealOnFullBatch(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 3
	cfg.MaxBatchWait = time.Hour // only the size condition can fire
	cfg.UrgentThreshold = 10
	b, st, ix, schedWake := newHarness(t, cfg)

	for i := 0; i < 3; i++ {
		submitted(t, st, ix, testJob(fmt.Sprintf("j%d", i), 5, 0))
	}
	require.NoError(t, b.Pass(context.Background()))

	batch := onlyBatch(t, st)
	assert.Len(t, batch.MemberJobIDs, 3)
	assert.Equal(t, 5, batch.Priority)
	assert.Equal(t, 0, ix.Len(), "sealed members leave the index")

	select {
	case <-schedWake:
	default:
		t.Fatal("expected scheduler wake after seal")
	}

	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		for _, id := range batch.MemberJobIDs {
			job, err := tx.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.JobStateBatched, job.State)
			require.NotNil(t, job.BatchID)
			assert.Equal(t, batch.ID, *job.BatchID)
		}
		entries, err := tx.AuditForEntity(ctx, models.EntityBatch, batch.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		return nil
	}))
}

func TestUndersizedGroupWaitsOutTheWindow(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 10
	cfg.MaxBatchWait = time.Minute
	cfg.UrgentThreshold = 10
	b, st, ix, _ := newHarness(t, cfg)

	submitted(t, st, ix, testJob("young", 5, time.Second))
	require.NoError(t, b.Pass(context.Background()))
	assert.Equal(t, 1, ix.Len(), "young undersized group must not seal")

	submitted(t, st, ix, testJob("old", 5, 2*time.Minute))
	require.NoError(t, b.Pass(context.Background()))

	batch := onlyBatch(t, st)
	assert.Len(t, batch.MemberJobIDs, 2, "window expiry seals the whole group")
}

func TestUrgentJobSealsImmediately(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 10
	cfg.MaxBatchWait = time.Hour
	cfg.UrgentThreshold = 9
	b, st, ix, _ := newHarness(t, cfg)

	submitted(t, st, ix, testJob("urgent", 9, 0))
	require.NoError(t, b.Pass(context.Background()))

	batch := onlyBatch(t, st)
	assert.Equal(t, []string{"urgent"}, batch.MemberJobIDs)
	assert.Equal(t, 9, batch.Priority)
}

func TestIncompatibleDevicesSplitGroups(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 10
	cfg.MaxBatchWait = 0 // everything seals on sight
	cfg.UrgentThreshold = 10
	b, st, ix, _ := newHarness(t, cfg)

	android := testJob("android", 5, time.Second)
	android.DeviceRequirements = models.DeviceRequirements{Platform: "android"}
	ios := testJob("ios", 5, time.Second)
	ios.DeviceRequirements = models.DeviceRequirements{Platform: "ios"}
	submitted(t, st, ix, android)
	submitted(t, st, ix, ios)

	require.NoError(t, b.Pass(context.Background()))

	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		batches, err := tx.BatchesByState(ctx, models.BatchStatePending)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.NotEqual(t, batches[0].DeviceRequirements.Platform, batches[1].DeviceRequirements.Platform)
		return nil
	}))
}

func TestSealIntersectsDeviceRequirements(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 10
	cfg.MaxBatchWait = 0
	cfg.UrgentThreshold = 10
	b, st, ix, _ := newHarness(t, cfg)

	wide := testJob("wide", 5, time.Second)
	wide.DeviceRequirements = models.DeviceRequirements{Platform: "android", MinOSVersion: "12"}
	narrow := testJob("narrow", 5, time.Second)
	narrow.DeviceRequirements = models.DeviceRequirements{MinOSVersion: "13", MaxOSVersion: "15"}
	submitted(t, st, ix, wide)
	submitted(t, st, ix, narrow)

	require.NoError(t, b.Pass(context.Background()))

	batch := onlyBatch(t, st)
	require.Len(t, batch.MemberJobIDs, 2)
	assert.Equal(t, "android", batch.DeviceRequirements.Platform)
	assert.Equal(t, "13", batch.DeviceRequirements.MinOSVersion)
	assert.Equal(t, "15", batch.DeviceRequirements.MaxOSVersion)
}

func TestSealSkipsJobsCancelledSinceSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 2
	cfg.UrgentThreshold = 10
	b, st, ix, _ := newHarness(t, cfg)
	ctx := context.Background()

	keep := testJob("keep", 5, 2*time.Minute)
	gone := testJob("gone", 5, 2*time.Minute)
	submitted(t, st, ix, keep)
	submitted(t, st, ix, gone)

	// Cancel one member behind the index's back.
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, "gone")
		require.NoError(t, err)
		job.State = models.JobStateCancelled
		return tx.UpdateJob(ctx, job)
	}))

	require.NoError(t, b.Pass(ctx))

	batch := onlyBatch(t, st)
	assert.Equal(t, []string{"keep"}, batch.MemberJobIDs)
}

func TestRetryBackoffWithholdsJob(t *testing.T) {
	cfg := config.Default()
	cfg.MaxBatchSize = 1
	b, st, ix, _ := newHarness(t, cfg)

	job := testJob("backing-off", 5, time.Minute)
	nb := time.Now().UTC().Add(time.Hour)
	job.NotBefore = &nb
	submitted(t, st, ix, job)

	require.NoError(t, b.Pass(context.Background()))

	ctx := context.Background()
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		batches, err := tx.BatchesByState(ctx, models.BatchStatePending)
		require.NoError(t, err)
		assert.Empty(t, batches)
		return nil
	}))
}
