package services

import (
	"context"
	"errors"
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

func validSubmit() SubmitInput {
	return SubmitInput{
		OrgID:        "qg",
		AppVersionID: "app-1.2.3",
		TestPath:     "suites/login.spec",
		Target:       models.TargetEmulator,
		Priority:     5,
		Timeout:      5 * time.Minute,
		RetryBudget:  2,
	}
}

func newIntake(t *testing.T) (*IntakeService, store.Store, *queueindex.Index, chan struct{}) {
	t.Helper()
	st := store.NewMemory()
	ix := queueindex.New()
	wake := make(chan struct{}, 1)
	return NewIntakeService(st, ix, config.Default(), wake), st, ix, wake
}

func TestSubmitPersistsIndexesAndWakes(t *testing.T) {
	ctx := context.Background()
	svc, st, ix, wake := newIntake(t)

	receipt, err := svc.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.NotNil(t, receipt.Job)
	assert.Equal(t, models.JobStatePending, receipt.Job.State)
	assert.Equal(t, 1, receipt.QueuePosition)
	assert.False(t, receipt.Deduplicated)
	assert.Equal(t, 1, ix.Len())

	select {
	case <-wake:
	default:
		t.Fatal("expected batcher wake")
	}

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, receipt.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatePending, job.State)

		entries, err := tx.AuditForEntity(ctx, models.EntityJob, job.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, string(models.JobStatePending), entries[0].ToState)
		assert.Equal(t, models.ActorAPI, entries[0].Actor)
		return nil
	}))
}

func TestSubmitValidationCollectsAllFailures(t *testing.T) {
	ctx := context.Background()
	svc, _, ix, _ := newIntake(t)

	in := SubmitInput{
		Target:      "mainframe",
		Priority:    0,
		Timeout:     -time.Second,
		RetryBudget: 7,
	}
	_, err := svc.Submit(ctx, in)
	require.Error(t, err)
	require.True(t, IsValidationError(err))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	for _, want := range []string{"org_id", "app_version_id", "test_path", "target", "priority", "timeout_ms", "retry_budget"} {
		assert.True(t, fields[want], "missing failure for %s", want)
	}
	assert.Equal(t, 0, ix.Len(), "rejected submit must not index")
}

func TestSubmitTimeoutCeiling(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newIntake(t)

	in := validSubmit()
	in.Timeout = 31 * time.Minute
	_, err := svc.Submit(ctx, in)
	require.True(t, IsValidationError(err))
}

func TestSubmitDedupReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	svc, _, ix, _ := newIntake(t)

	in := validSubmit()
	in.ClientRequestID = "req-42"

	first, err := svc.Submit(ctx, in)
	require.NoError(t, err)

	second, err := svc.Submit(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 1, ix.Len(), "dedup hit must not create a second job")
}

func TestSubmitBackpressure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ix := queueindex.New()
	cfg := config.Default()
	cfg.MaxBacklog = 2
	svc := NewIntakeService(st, ix, cfg, nil)

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			b := &models.Batch{
				ID:           fmt.Sprintf("b%d", i),
				OrgID:        "qg",
				AppVersionID: "v1",
				Target:       models.TargetEmulator,
				MemberJobIDs: []string{fmt.Sprintf("j%d", i)},
				Priority:     5,
				State:        models.BatchStatePending,
				SealedAt:     now,
			}
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := svc.Submit(ctx, validSubmit())
	assert.True(t, errors.Is(err, ErrBackpressure))
}
