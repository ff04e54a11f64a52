package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/store"
)

// Assignment is the payload a poll returns when a batch is bound to the
// agent: the batch plus its live member jobs in sealed order.
type Assignment struct {
	Batch *models.Batch
	Jobs  []*models.Job
}

// HeartbeatAck tells the agent which of its batches it should stop
// working on.
type HeartbeatAck struct {
	Status         models.AgentStatus
	CancelBatchIDs []string
}

// AgentService is the agent registry: identity, capabilities, liveness,
// and the poll path agents fetch assignments through.
type AgentService struct {
	store store.Store
	cfg   *config.Config
	// wake pokes the scheduler so a fresh poller gets work on its next
	// poll rather than after the next tick.
	wake chan<- struct{}
}

// NewAgentService creates an AgentService. wake is the scheduler's wake
// channel; sends are non-blocking.
func NewAgentService(st store.Store, cfg *config.Config, wake chan<- struct{}) *AgentService {
	return &AgentService{store: st, cfg: cfg, wake: wake}
}

// Register durably records a new agent and returns it.
func (s *AgentService) Register(ctx context.Context, caps models.AgentCapabilities, maxConcurrent int) (*models.Agent, error) {
	ve := &ValidationError{}
	if !models.ValidTarget(caps.Target) {
		ve.add("capabilities.target", fmt.Sprintf("unknown target %q", caps.Target))
	}
	if caps.Target != models.TargetBrowserStack && caps.Platform == "" {
		ve.add("capabilities.platform", "must not be empty")
	}
	if maxConcurrent < 1 {
		ve.add("max_concurrent_batches", "must be >= 1")
	}
	if err := ve.errOrNil(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:                   uuid.New().String(),
		Capabilities:         caps,
		MaxConcurrentBatches: maxConcurrent,
		Status:               models.AgentStatusOnline,
		LastHeartbeatAt:      now,
		RegisteredAt:         now,
	}
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		return tx.CreateAgent(ctx, agent)
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	slog.Info("Agent registered",
		"agent_id", agent.ID, "target", caps.Target,
		"platform", caps.Platform, "max_concurrent", maxConcurrent)
	notify(s.wake)
	return agent, nil
}

// Heartbeat refreshes liveness, applies the agent-reported status, and
// extends the leases of batches the agent holds. The ack carries cancel
// signals for batches the agent should abandon.
func (s *AgentService) Heartbeat(ctx context.Context, agentID string, status models.AgentStatus, reportedBatchIDs []string) (*HeartbeatAck, error) {
	now := time.Now().UTC()
	ack := &HeartbeatAck{}
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		ack.CancelBatchIDs = nil
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}

		agent.LastHeartbeatAt = now
		switch status {
		case models.AgentStatusOnline, models.AgentStatusBusy, models.AgentStatusDraining:
			agent.Status = status
		case "":
			// Keep current status; a bare heartbeat only proves liveness.
			if agent.Status == models.AgentStatusOffline {
				agent.Status = models.AgentStatusOnline
			}
		default:
			return fmt.Errorf("%w: agents may not report status %q", ErrConflict, status)
		}
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		// Extend leases on batches the registry believes the agent holds;
		// lease_expires_at only moves forward.
		for _, batchID := range agent.CurrentBatchIDs {
			batch, err := tx.GetBatch(ctx, batchID)
			if err != nil {
				continue
			}
			if batch.AgentID == nil || *batch.AgentID != agentID {
				continue
			}
			if batch.State == models.BatchStateAssigned || batch.State == models.BatchStateRunning {
				lease := now.Add(s.cfg.Lease)
				if batch.LeaseExpiresAt == nil || batch.LeaseExpiresAt.Before(lease) {
					batch.LeaseExpiresAt = &lease
					if err := tx.UpdateBatch(ctx, batch); err != nil {
						return err
					}
				}
			}
		}

		ack.CancelBatchIDs, err = s.cancelSignals(ctx, tx, agent, reportedBatchIDs)
		if err != nil {
			return err
		}
		ack.Status = agent.Status
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return ack, nil
}

// cancelSignals collects batch ids the agent should stop executing:
// cancel-requested batches plus anything the agent reports holding that
// the registry considers closed (reclaimed, timed out).
func (s *AgentService) cancelSignals(ctx context.Context, tx store.Tx, agent *models.Agent, reportedBatchIDs []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	signal := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, batchID := range agent.CurrentBatchIDs {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			continue
		}
		if batch.CancelRequested {
			signal(batchID)
		}
	}
	for _, batchID := range reportedBatchIDs {
		if agent.HoldsBatch(batchID) {
			continue
		}
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			signal(batchID) // unknown to the registry: stop it
			continue
		}
		if batch.State.Terminal() || batch.AgentID == nil || *batch.AgentID != agent.ID {
			signal(batchID)
		}
	}
	return out, nil
}

// Poll returns the oldest assignment bound to the agent that it has not
// claimed yet, or nil when there is none. Polling also counts as a
// liveness signal and pokes the scheduler.
func (s *AgentService) Poll(ctx context.Context, agentID string) (*Assignment, []string, error) {
	notify(s.wake)

	now := time.Now().UTC()
	var assignment *Assignment
	var cancelIDs []string
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		assignment = nil
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		agent.LastHeartbeatAt = now
		if agent.Status == models.AgentStatusOffline {
			agent.Status = models.AgentStatusOnline
		}
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}

		cancelIDs, err = s.cancelSignals(ctx, tx, agent, nil)
		if err != nil {
			return err
		}

		for _, batchID := range agent.CurrentBatchIDs {
			batch, err := tx.GetBatch(ctx, batchID)
			if err != nil {
				continue
			}
			if batch.State != models.BatchStateAssigned || batch.CancelRequested {
				continue
			}
			jobs, err := liveMembers(ctx, tx, batch)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				continue
			}
			assignment = &Assignment{Batch: batch, Jobs: jobs}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	return assignment, cancelIDs, nil
}

// Drain flips an agent to DRAINING: it keeps its current batches but
// receives no new assignments.
func (s *AgentService) Drain(ctx context.Context, agentID string) (*models.Agent, error) {
	var agent *models.Agent
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		agent, err = tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		agent.Status = models.AgentStatusDraining
		return tx.UpdateAgent(ctx, agent)
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	slog.Info("Agent draining", "agent_id", agentID)
	return agent, nil
}

// liveMembers returns the batch's non-terminal member jobs in sealed
// order, which is the order the agent must receive.
func liveMembers(ctx context.Context, tx store.Tx, batch *models.Batch) ([]*models.Job, error) {
	var out []*models.Job
	for _, id := range batch.MemberJobIDs {
		job, err := tx.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
