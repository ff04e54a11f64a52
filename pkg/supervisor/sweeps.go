package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/store"
)

// SweepLeases reclaims batches whose agents went silent past the lease.
// Members with budget left go back to PENDING with backoff; the rest
// fail as AGENT_LOST. The holding agent is marked OFFLINE when its
// heartbeat is also stale. Exported so recovery and tests can invoke a
// sweep directly.
func (s *Supervisor) SweepLeases(ctx context.Context, now time.Time) error {
	var expired []*models.Batch
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.LeaseExpiredBatches(ctx, now)
		return err
	})
	if err != nil {
		return err
	}

	for _, stale := range expired {
		if err := s.reclaim(ctx, stale.ID, now); err != nil {
			return fmt.Errorf("reclaim batch %s: %w", stale.ID, err)
		}
	}
	return s.sweepStaleAgents(ctx, now)
}

// sweepStaleAgents flips agents whose heartbeat fell outside the
// liveness window to OFFLINE, including idle ones holding no batches.
func (s *Supervisor) sweepStaleAgents(ctx context.Context, now time.Time) error {
	return s.store.Tx(ctx, func(tx store.Tx) error {
		agents, err := tx.ListAgents(ctx)
		if err != nil {
			return err
		}
		for _, agent := range agents {
			if agent.Status == models.AgentStatusOffline || agent.Alive(now, s.cfg.AgentLivenessWindow) {
				continue
			}
			agent.Status = models.AgentStatusOffline
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return err
			}
			slog.Info("Agent marked offline", "agent_id", agent.ID,
				"last_heartbeat_at", agent.LastHeartbeatAt)
		}
		return nil
	})
}

// reclaim processes a single lease-expired batch in one transaction.
func (s *Supervisor) reclaim(ctx context.Context, batchID string, now time.Time) error {
	var requeued []*models.Job
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		requeued = nil
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		// Re-check: the agent may have reported between the snapshot and
		// this transaction.
		if batch.State != models.BatchStateAssigned && batch.State != models.BatchStateRunning {
			return nil
		}
		if batch.LeaseExpiresAt == nil || batch.LeaseExpiresAt.After(now) {
			return nil
		}

		for _, id := range batch.MemberJobIDs {
			job, err := tx.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if job.State.Terminal() {
				continue
			}
			switch {
			case job.CancelRequested:
				if err := s.finishReclaimed(ctx, tx, job, models.JobStateCancelled,
					models.FailureCancelled, "cancelled while agent was lost", now); err != nil {
					return err
				}
			case job.Attempt < job.RetryBudget:
				job, err := s.requeue(ctx, tx, job, models.FailureAgentLost, "lease expired", now)
				if err != nil {
					return err
				}
				requeued = append(requeued, job)
			default:
				if err := s.finishReclaimed(ctx, tx, job, models.JobStateFailed,
					models.FailureAgentLost, "lease expired, retry budget exhausted", now); err != nil {
					return err
				}
			}
		}

		from := batch.State
		batch.State = models.BatchStateFailed
		batch.StateChangedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batch.ID,
			string(from), string(models.BatchStateFailed), models.ActorSystem,
			"lease expired")); err != nil {
			return err
		}

		if batch.AgentID != nil {
			agent, err := tx.GetAgent(ctx, *batch.AgentID)
			if err == nil {
				agent.RemoveBatch(batch.ID)
				if !agent.Alive(now, s.cfg.AgentLivenessWindow) && agent.Status != models.AgentStatusOffline {
					agent.Status = models.AgentStatusOffline
				}
				if err := tx.UpdateAgent(ctx, agent); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(requeued) > 0 {
		for _, job := range requeued {
			s.index.Upsert(job)
		}
		notify(s.batcherWake)
	}
	slog.Warn("Batch reclaimed after lease expiry",
		"batch_id", batchID, "requeued", len(requeued))
	return nil
}

// SweepDeadlines fails RUNNING batches past their execution deadline.
// Timed-out members are never retried: timeouts reproduce, so burning
// the retry budget on them only delays the verdict. The batch is
// flagged cancel-requested so the agent tears the run down on its next
// poll or heartbeat.
func (s *Supervisor) SweepDeadlines(ctx context.Context, now time.Time) error {
	var overdue []*models.Batch
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		overdue, err = tx.DeadlineExceededBatches(ctx, now)
		return err
	})
	if err != nil {
		return err
	}

	for _, stale := range overdue {
		if err := s.timeOut(ctx, stale.ID, now); err != nil {
			return fmt.Errorf("time out batch %s: %w", stale.ID, err)
		}
	}
	return nil
}

func (s *Supervisor) timeOut(ctx context.Context, batchID string, now time.Time) error {
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.State != models.BatchStateRunning {
			return nil
		}
		if batch.Deadline == nil || batch.Deadline.After(now) {
			return nil
		}

		for _, id := range batch.MemberJobIDs {
			job, err := tx.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if job.State.Terminal() {
				continue
			}
			if err := s.finishReclaimed(ctx, tx, job, models.JobStateFailed,
				models.FailureTimeout, "batch deadline exceeded", now); err != nil {
				return err
			}
		}

		batch.State = models.BatchStateFailed
		batch.CancelRequested = true
		batch.StateChangedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batch.ID,
			string(models.BatchStateRunning), string(models.BatchStateFailed),
			models.ActorSystem, "deadline exceeded")); err != nil {
			return err
		}

		if batch.AgentID != nil {
			agent, err := tx.GetAgent(ctx, *batch.AgentID)
			if err == nil {
				agent.RemoveBatch(batch.ID)
				if err := tx.UpdateAgent(ctx, agent); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Warn("Batch timed out", "batch_id", batchID)
	return nil
}

// finishReclaimed writes a system-caused terminal transition.
func (s *Supervisor) finishReclaimed(ctx context.Context, tx store.Tx, job *models.Job, to models.JobState, kind models.FailureKind, cause string, now time.Time) error {
	from := job.State
	job.State = to
	job.StateChangedAt = now
	job.FinishedAt = &now
	job.Result = &models.JobResult{
		ErrorKind:    kind,
		ErrorMessage: cause,
	}
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
		string(from), string(to), models.ActorSystem, cause))
}

func (s *Supervisor) purgeDedup(ctx context.Context) error {
	var purged int
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		purged, err = tx.PurgeDedup(ctx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	if purged > 0 {
		slog.Debug("Dedup entries purged", "count", purged)
	}
	return nil
}
