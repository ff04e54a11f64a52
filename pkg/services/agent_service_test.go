package services

import (
	"context"
	"testing"
	"time"

	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emulatorCaps() models.AgentCapabilities {
	return models.AgentCapabilities{
		Target:    models.TargetEmulator,
		Platform:  "android",
		OSVersion: "14",
	}
}

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()
	svc := NewAgentService(store.NewMemory(), config.Default(), nil)

	agent, err := svc.Register(ctx, emulatorCaps(), 2)
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, models.AgentStatusOnline, agent.Status)
	assert.Equal(t, 2, agent.MaxConcurrentBatches)
}

func TestRegisterAgentValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewAgentService(store.NewMemory(), config.Default(), nil)

	_, err := svc.Register(ctx, models.AgentCapabilities{Target: "toaster"}, 0)
	require.True(t, IsValidationError(err))
}

func TestHeartbeatExtendsLeasesMonotonically(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := config.Default()
	svc := NewAgentService(st, cfg, nil)

	agent, err := svc.Register(ctx, emulatorCaps(), 1)
	require.NoError(t, err)

	farLease := time.Now().UTC().Add(10 * time.Minute)
	nearLease := time.Now().UTC().Add(time.Second)
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		a.CurrentBatchIDs = []string{"b-far", "b-near"}
		require.NoError(t, tx.UpdateAgent(ctx, a))

		for id, lease := range map[string]time.Time{"b-far": farLease, "b-near": nearLease} {
			l := lease
			b := &models.Batch{
				ID:           id,
				OrgID:        "qg",
				AppVersionID: "v1",
				Target:       models.TargetEmulator,
				MemberJobIDs: []string{"j-" + id},
				Priority:     5,
				State:        models.BatchStateRunning,
				AgentID:      &agent.ID,
				SealedAt:     time.Now().UTC(),
			}
			b.LeaseExpiresAt = &l
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))

	_, err = svc.Heartbeat(ctx, agent.ID, models.AgentStatusBusy, nil)
	require.NoError(t, err)

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		far, err := tx.GetBatch(ctx, "b-far")
		require.NoError(t, err)
		assert.Equal(t, farLease.Unix(), far.LeaseExpiresAt.Unix(), "lease must never move backwards")

		near, err := tx.GetBatch(ctx, "b-near")
		require.NoError(t, err)
		assert.True(t, near.LeaseExpiresAt.After(nearLease), "short lease must be extended")
		return nil
	}))
}

func TestHeartbeatReportsCancelSignals(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := NewAgentService(st, config.Default(), nil)

	agent, err := svc.Register(ctx, emulatorCaps(), 1)
	require.NoError(t, err)

	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		a.CurrentBatchIDs = []string{"b1"}
		require.NoError(t, tx.UpdateAgent(ctx, a))
		return tx.CreateBatch(ctx, &models.Batch{
			ID:              "b1",
			OrgID:           "qg",
			AppVersionID:    "v1",
			Target:          models.TargetEmulator,
			MemberJobIDs:    []string{"j1"},
			Priority:        5,
			State:           models.BatchStateRunning,
			AgentID:         &agent.ID,
			CancelRequested: true,
			SealedAt:        time.Now().UTC(),
		})
	}))

	ack, err := svc.Heartbeat(ctx, agent.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ack.CancelBatchIDs)

	// A batch the agent reports but the registry does not know about must
	// also be signalled for teardown.
	ack, err = svc.Heartbeat(ctx, agent.ID, "", []string{"b1", "forgotten"})
	require.NoError(t, err)
	assert.Contains(t, ack.CancelBatchIDs, "forgotten")
}

func TestPollReturnsAssignedBatchWithMembers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	wake := make(chan struct{}, 1)
	svc := NewAgentService(st, config.Default(), wake)

	agent, err := svc.Register(ctx, emulatorCaps(), 1)
	require.NoError(t, err)
	<-wake

	assignment, _, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, assignment, "nothing bound yet")

	batchID := "b1"
	require.NoError(t, st.Tx(ctx, func(tx store.Tx) error {
		job := baseJob("j1", models.JobStateBatched)
		job.BatchID = &batchID
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.CreateBatch(ctx, &models.Batch{
			ID:           batchID,
			OrgID:        "qg",
			AppVersionID: "v1",
			Target:       models.TargetEmulator,
			MemberJobIDs: []string{"j1"},
			Priority:     5,
			State:        models.BatchStateAssigned,
			AgentID:      &agent.ID,
			SealedAt:     now,
			AssignedAt:   &now,
		}); err != nil {
			return err
		}
		a, err := tx.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		a.CurrentBatchIDs = []string{batchID}
		return tx.UpdateAgent(ctx, a)
	}))

	assignment, cancels, err := svc.Poll(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, batchID, assignment.Batch.ID)
	require.Len(t, assignment.Jobs, 1)
	assert.Equal(t, "j1", assignment.Jobs[0].ID)
	assert.Empty(t, cancels)
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	svc := NewAgentService(store.NewMemory(), config.Default(), nil)

	agent, err := svc.Register(ctx, emulatorCaps(), 1)
	require.NoError(t, err)

	drained, err := svc.Drain(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusDraining, drained.Status)
}
