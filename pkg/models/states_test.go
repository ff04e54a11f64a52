package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidJobTransition(t *testing.T) {
	legal := []struct{ from, to JobState }{
		{JobStatePending, JobStateBatched},
		{JobStatePending, JobStateCancelled},
		{JobStateBatched, JobStateRunning},
		{JobStateBatched, JobStatePending}, // lease lost, retry
		{JobStateRunning, JobStateSucceeded},
		{JobStateRunning, JobStateFailed},
		{JobStateRunning, JobStateCancelled},
		{JobStateRunning, JobStatePending}, // lease lost, retry
	}
	for _, tr := range legal {
		assert.True(t, ValidJobTransition(tr.from, tr.to), "%s -> %s should be legal", tr.from, tr.to)
	}

	illegal := []struct{ from, to JobState }{
		{JobStatePending, JobStateRunning},
		{JobStatePending, JobStateSucceeded},
		{JobStateSucceeded, JobStatePending},
		{JobStateFailed, JobStateRunning},
		{JobStateCancelled, JobStateBatched},
	}
	for _, tr := range illegal {
		assert.False(t, ValidJobTransition(tr.from, tr.to), "%s -> %s should be illegal", tr.from, tr.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, JobStateSucceeded.Terminal())
	assert.True(t, JobStateFailed.Terminal())
	assert.True(t, JobStateCancelled.Terminal())
	assert.False(t, JobStatePending.Terminal())
	assert.False(t, JobStateRunning.Terminal())

	assert.True(t, BatchStateDone.Terminal())
	assert.True(t, BatchStateFailed.Terminal())
	assert.False(t, BatchStateAssigned.Terminal())
}

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, FailureAgentLost.Retryable())
	assert.True(t, FailureInfrastructure.Retryable())
	assert.False(t, FailureTestFailure.Retryable())
	assert.False(t, FailureTimeout.Retryable())
	assert.False(t, FailureCancelled.Retryable())
}

func TestBatchEffectivePriority(t *testing.T) {
	now := time.Now()

	t.Run("priority dominates age", func(t *testing.T) {
		young := &Batch{Priority: 5, OldestSubmittedAt: now}
		old := &Batch{Priority: 4, OldestSubmittedAt: now.Add(-24 * time.Hour)}
		assert.Greater(t, young.EffectivePriority(now), old.EffectivePriority(now))
	})

	t.Run("age bonus is one point per minute", func(t *testing.T) {
		b := &Batch{Priority: 3, OldestSubmittedAt: now.Add(-5 * time.Minute)}
		assert.Equal(t, int64(3*PriorityScale+5), b.EffectivePriority(now))
	})

	t.Run("age bonus is capped", func(t *testing.T) {
		b := &Batch{Priority: 3, OldestSubmittedAt: now.Add(-1000 * time.Hour)}
		assert.Equal(t, int64(3*PriorityScale+MaxAgeBonus), b.EffectivePriority(now))
	})
}

func TestJobEligible(t *testing.T) {
	now := time.Now()
	job := &Job{State: JobStatePending}
	assert.True(t, job.Eligible(now))

	batched := &Job{State: JobStateBatched}
	assert.False(t, batched.Eligible(now))

	cancelRequested := &Job{State: JobStatePending, CancelRequested: true}
	assert.False(t, cancelRequested.Eligible(now))

	future := now.Add(time.Minute)
	backingOff := &Job{State: JobStatePending, NotBefore: &future}
	assert.False(t, backingOff.Eligible(now))
	assert.True(t, backingOff.Eligible(future))
}

func TestAgentEligibleFor(t *testing.T) {
	now := time.Now()
	window := 90 * time.Second
	batch := &Batch{
		Target:             TargetEmulator,
		DeviceRequirements: DeviceRequirements{Platform: "android"},
	}
	agent := &Agent{
		Status:               AgentStatusOnline,
		Capabilities:         AgentCapabilities{Target: TargetEmulator, Platform: "android"},
		MaxConcurrentBatches: 1,
		LastHeartbeatAt:      now,
	}

	assert.True(t, agent.EligibleFor(batch, now, window))

	full := agent.Clone()
	full.CurrentBatchIDs = []string{"b1"}
	assert.False(t, full.EligibleFor(batch, now, window))

	stale := agent.Clone()
	stale.LastHeartbeatAt = now.Add(-2 * window)
	assert.False(t, stale.EligibleFor(batch, now, window))

	draining := agent.Clone()
	draining.Status = AgentStatusDraining
	assert.False(t, draining.EligibleFor(batch, now, window))

	wrongPlatform := agent.Clone()
	wrongPlatform.Capabilities.Platform = "ios"
	assert.False(t, wrongPlatform.EligibleFor(batch, now, window))
}
