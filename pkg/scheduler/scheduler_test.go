package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, st store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, st.Tx(context.Background(), func(tx store.Tx) error {
		return fn(tx)
	}))
}

func pendingBatch(id, org string, priority int, oldest time.Time) *models.Batch {
	return &models.Batch{
		ID:                id,
		OrgID:             org,
		AppVersionID:      "v1",
		Target:            models.TargetEmulator,
		MemberJobIDs:      []string{"job-" + id},
		Priority:          priority,
		State:             models.BatchStatePending,
		OldestSubmittedAt: oldest,
		SealedAt:          oldest,
		StateChangedAt:    oldest,
	}
}

func memberJob(id, batchID string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:             id,
		OrgID:          "qg",
		AppVersionID:   "v1",
		TestPath:       "suites/x.spec",
		Target:         models.TargetEmulator,
		Priority:       5,
		Timeout:        time.Minute,
		State:          models.JobStateBatched,
		BatchID:        &batchID,
		SubmittedAt:    now,
		StateChangedAt: now,
	}
}

func onlineAgent(id string, capacity int) *models.Agent {
	now := time.Now().UTC()
	return &models.Agent{
		ID: id,
		Capabilities: models.AgentCapabilities{
			Target:   models.TargetEmulator,
			Platform: "android",
		},
		MaxConcurrentBatches: capacity,
		Status:               models.AgentStatusOnline,
		LastHeartbeatAt:      now,
		RegisteredAt:         now,
	}
}

func getBatch(t *testing.T, st store.Store, id string) *models.Batch {
	t.Helper()
	var batch *models.Batch
	seed(t, st, func(tx store.Tx) error {
		var err error
		batch, err = tx.GetBatch(context.Background(), id)
		return err
	})
	return batch
}

func TestAssignsBestBatchToLeastLoadedAgent(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		for _, b := range []*models.Batch{
			pendingBatch("low", "qg", 3, now),
			pendingBatch("high", "qg", 8, now),
		} {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
			if err := tx.CreateJob(ctx, memberJob("job-"+b.ID, b.ID)); err != nil {
				return err
			}
		}
		idle := onlineAgent("idle", 2)
		busy := onlineAgent("busy", 2)
		busy.CurrentBatchIDs = []string{"elsewhere"}
		if err := tx.CreateAgent(ctx, idle); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, busy)
	})

	require.NoError(t, s.Pass(ctx))

	high := getBatch(t, st, "high")
	require.Equal(t, models.BatchStateAssigned, high.State)
	require.NotNil(t, high.AgentID)
	assert.Equal(t, "idle", *high.AgentID, "least loaded agent wins")
	assert.NotNil(t, high.LeaseExpiresAt)
	assert.NotNil(t, high.AssignedAt)

	// Both batches fit within total capacity, so the low one goes too.
	low := getBatch(t, st, "low")
	assert.Equal(t, models.BatchStateAssigned, low.State)
	assert.Equal(t, int64(2), s.Total())
}

func TestNoEligibleAgentLeavesBatchPending(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		b := pendingBatch("b1", "qg", 5, now)
		b.DeviceRequirements = models.DeviceRequirements{Platform: "ios"}
		if err := tx.CreateBatch(ctx, b); err != nil {
			return err
		}
		if err := tx.CreateJob(ctx, memberJob("job-b1", "b1")); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, onlineAgent("android-only", 1))
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStatePending, getBatch(t, st, "b1").State)
}

func TestStaleAgentIsSkipped(t *testing.T) {
	st := store.NewMemory()
	cfg := config.Default()
	s := New(st, cfg, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		if err := tx.CreateBatch(ctx, pendingBatch("b1", "qg", 5, now)); err != nil {
			return err
		}
		if err := tx.CreateJob(ctx, memberJob("job-b1", "b1")); err != nil {
			return err
		}
		stale := onlineAgent("stale", 1)
		stale.LastHeartbeatAt = now.Add(-2 * cfg.AgentLivenessWindow)
		return tx.CreateAgent(ctx, stale)
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStatePending, getBatch(t, st, "b1").State)
}

func TestOrgRoundRobinSharesCapacity(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		// Org A floods the queue; org B has one batch at the same
		// priority.
		for i := 0; i < 3; i++ {
			b := pendingBatch(fmt.Sprintf("a%d", i), "org-a", 5, now)
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
			if err := tx.CreateJob(ctx, memberJob("job-"+b.ID, b.ID)); err != nil {
				return err
			}
		}
		b := pendingBatch("b0", "org-b", 5, now)
		if err := tx.CreateBatch(ctx, b); err != nil {
			return err
		}
		if err := tx.CreateJob(ctx, memberJob("job-b0", "b0")); err != nil {
			return err
		}
		// Two slots total: the tie-break must give one to each org.
		return tx.CreateAgent(ctx, onlineAgent("a1", 2))
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStateAssigned, getBatch(t, st, "b0").State,
		"equal-priority orgs share capacity")
}

func TestRotationStopsHighPriorityMonopoly(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		// Org A sustains top priority; org B sits far below it. Rotation
		// still hands org B one of the two slots.
		for _, b := range []*models.Batch{
			pendingBatch("a0", "org-a", 9, now),
			pendingBatch("a1", "org-a", 9, now),
			pendingBatch("b0", "org-b", 3, now),
		} {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
			if err := tx.CreateJob(ctx, memberJob("job-"+b.ID, b.ID)); err != nil {
				return err
			}
		}
		return tx.CreateAgent(ctx, onlineAgent("a1", 2))
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStateAssigned, getBatch(t, st, "b0").State,
		"the low-priority org still gets its turn")
	aAssigned := 0
	for _, id := range []string{"a0", "a1"} {
		if getBatch(t, st, id).State == models.BatchStateAssigned {
			aAssigned++
		}
	}
	assert.Equal(t, 1, aAssigned)
}

func TestBatchWithOnlyTerminalMembersCloses(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		if err := tx.CreateBatch(ctx, pendingBatch("b1", "qg", 5, now)); err != nil {
			return err
		}
		job := memberJob("job-b1", "b1")
		job.State = models.JobStateCancelled
		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		return tx.CreateAgent(ctx, onlineAgent("a1", 1))
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStateDone, getBatch(t, st, "b1").State)
	assert.Equal(t, int64(0), s.Total(), "closing an empty batch is not a dispatch")

	seed(t, st, func(tx store.Tx) error {
		entries, err := tx.AuditForEntity(context.Background(), models.EntityBatch, "b1")
		require.NoError(t, err)
		require.Len(t, entries, 1, "the PENDING to DONE shortcut is audited")
		assert.Equal(t, string(models.BatchStateDone), entries[0].ToState)
		return nil
	})
}

func TestEffectivePriorityAgeBonusBreaksTie(t *testing.T) {
	st := store.NewMemory()
	s := New(st, config.Default(), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, st, func(tx store.Tx) error {
		aged := pendingBatch("aged", "qg", 5, now.Add(-10*time.Minute))
		fresh := pendingBatch("fresh", "qg", 5, now)
		for _, b := range []*models.Batch{fresh, aged} {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
			if err := tx.CreateJob(ctx, memberJob("job-"+b.ID, b.ID)); err != nil {
				return err
			}
		}
		return tx.CreateAgent(ctx, onlineAgent("a1", 1))
	})

	require.NoError(t, s.Pass(ctx))
	assert.Equal(t, models.BatchStateAssigned, getBatch(t, st, "aged").State)
	assert.Equal(t, models.BatchStatePending, getBatch(t, st, "fresh").State)
}
