// Package supervisor owns the lifecycle of dispatched batches: the
// claim/progress/report operations agents call, plus the background
// sweeps that reclaim lost work and enforce execution deadlines. Every
// transition it makes goes through the store transactionally with an
// audit record.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
)

// ReportInput is the agent's per-job outcome payload.
type ReportInput struct {
	Success      bool
	Counts       models.Counts
	ArtifactsURI string
	ErrorKind    models.FailureKind
	ErrorMessage string
}

// Supervisor drives batch execution from claim to completion.
type Supervisor struct {
	store store.Store
	index *queueindex.Index
	cfg   *config.Config

	// batcherWake is poked when a reclaim puts jobs back in the queue.
	batcherWake chan<- struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor.
func New(st store.Store, index *queueindex.Index, cfg *config.Config, batcherWake chan<- struct{}) *Supervisor {
	return &Supervisor{
		store:       st,
		index:       index,
		cfg:         cfg,
		batcherWake: batcherWake,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("Supervisor started", "sweep_interval", s.cfg.SweepInterval)
}

// Stop terminates the sweep loop and waits for the in-flight sweep.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("Supervisor stopped")
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	// Dedup purge is housekeeping, not correctness; once a minute is
	// plenty.
	purge := time.NewTicker(time.Minute)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if err := s.SweepLeases(ctx, now); err != nil {
				slog.Error("Lease sweep failed", "error", err)
			}
			if err := s.SweepDeadlines(ctx, now); err != nil {
				slog.Error("Deadline sweep failed", "error", err)
			}
		case <-purge.C:
			if err := s.purgeDedup(ctx); err != nil {
				slog.Error("Dedup purge failed", "error", err)
			}
		}
	}
}

// Recover runs both sweeps once. Called at startup so work orphaned by
// a crash is reclaimed before the API starts taking traffic.
func (s *Supervisor) Recover(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.SweepLeases(ctx, now); err != nil {
		return fmt.Errorf("lease sweep: %w", err)
	}
	if err := s.SweepDeadlines(ctx, now); err != nil {
		return fmt.Errorf("deadline sweep: %w", err)
	}
	return nil
}

// Claim transitions an assigned batch to RUNNING for the claiming
// agent. The deadline is fixed at claim time from the members' largest
// timeout. A repeated claim by the same agent is a no-op returning the
// current batch; any other mismatch is a conflict.
func (s *Supervisor) Claim(ctx context.Context, batchID, agentID string) (*models.Batch, error) {
	now := time.Now().UTC()
	var out *models.Batch
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.AgentID == nil || *batch.AgentID != agentID {
			return fmt.Errorf("%w: batch %s is not assigned to agent %s", services.ErrConflict, batchID, agentID)
		}
		if batch.State == models.BatchStateRunning {
			out = batch // retried claim
			return nil
		}
		if batch.State != models.BatchStateAssigned {
			return fmt.Errorf("%w: batch %s is %s, not claimable", services.ErrConflict, batchID, batch.State)
		}

		var maxTimeout time.Duration
		for _, id := range batch.MemberJobIDs {
			job, err := tx.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if job.State.Terminal() {
				continue
			}
			if job.Timeout > maxTimeout {
				maxTimeout = job.Timeout
			}
			job.State = models.JobStateRunning
			job.StartedAt = &now
			job.StateChangedAt = now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
		}

		batch.State = models.BatchStateRunning
		batch.StartedAt = &now
		deadline := now.Add(maxTimeout)
		batch.Deadline = &deadline
		lease := now.Add(s.cfg.Lease)
		batch.LeaseExpiresAt = &lease
		batch.StateChangedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}

		if err := tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batchID,
			string(models.BatchStateAssigned), string(models.BatchStateRunning),
			models.ActorAgent, fmt.Sprintf("claimed by agent %s", agentID))); err != nil {
			return err
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	slog.Info("Batch claimed", "batch_id", batchID, "agent_id", agentID)
	return out, nil
}

// Progress records a best-effort progress note for a running member job
// and refreshes the batch lease. Progress on a job that already reached
// a terminal state is dropped silently.
func (s *Supervisor) Progress(ctx context.Context, batchID, agentID, jobID string, p models.JobProgress) error {
	now := time.Now().UTC()
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.State != models.BatchStateRunning || batch.AgentID == nil || *batch.AgentID != agentID {
			return fmt.Errorf("%w: batch %s is not running for agent %s", services.ErrConflict, batchID, agentID)
		}
		if !batch.HasMember(jobID) {
			return fmt.Errorf("%w: job %s is not a member of batch %s", services.ErrConflict, jobID, batchID)
		}

		lease := now.Add(s.cfg.Lease)
		if batch.LeaseExpiresAt == nil || batch.LeaseExpiresAt.Before(lease) {
			batch.LeaseExpiresAt = &lease
			if err := tx.UpdateBatch(ctx, batch); err != nil {
				return err
			}
		}

		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		cp := p
		job.Progress = &cp
		return tx.UpdateJob(ctx, job)
	})
	return mapErr(err)
}

// Report records a member job's terminal outcome. Reports are
// idempotent per (batch, job): repeating a report that matches the
// recorded outcome is a no-op, a repeat for a job already re-queued out
// of the batch is a no-op, and a contradictory report is a conflict. A
// retryable failure with budget left re-queues the job instead of
// finishing it.
// When the last member settles the batch closes as DONE and leaves the
// agent's plate.
func (s *Supervisor) Report(ctx context.Context, batchID, agentID, jobID string, in ReportInput) (*models.Job, error) {
	now := time.Now().UTC()
	var out *models.Job
	var requeued *models.Job
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		requeued = nil
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.AgentID == nil || *batch.AgentID != agentID {
			return fmt.Errorf("%w: batch %s is not assigned to agent %s", services.ErrConflict, batchID, agentID)
		}
		if !batch.HasMember(jobID) {
			return fmt.Errorf("%w: job %s is not a member of batch %s", services.ErrConflict, jobID, batchID)
		}

		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			// Duplicate delivery of the recorded outcome is accepted even
			// after the batch closed; a contradictory report is not.
			if job.Result != nil && job.Result.Success == in.Success && job.Result.ErrorKind == failureKind(job, in) {
				out = job
				return nil
			}
			return fmt.Errorf("%w: job %s already finished as %s", services.ErrConflict, jobID, job.State)
		}
		if job.BatchID == nil || *job.BatchID != batchID {
			// An earlier report (or a lease reclaim) already re-queued the
			// job out of this batch. A repeat delivery keeps that
			// first-write outcome instead of burning another attempt.
			out = job
			return nil
		}
		if batch.State != models.BatchStateRunning {
			return fmt.Errorf("%w: batch %s is %s, reports need a running batch", services.ErrConflict, batchID, batch.State)
		}

		kind := failureKind(job, in)
		if !in.Success && kind.Retryable() && job.Attempt < job.RetryBudget && !job.CancelRequested {
			requeued, err = s.requeue(ctx, tx, job, kind, in.ErrorMessage, now)
			if err != nil {
				return err
			}
			out = requeued
		} else {
			if err := s.finish(ctx, tx, job, in, kind, now); err != nil {
				return err
			}
			out = job
		}

		closed, err := services.CloseBatchIfDone(ctx, tx, batch, now)
		if err != nil {
			return err
		}
		if closed {
			agent, err := tx.GetAgent(ctx, agentID)
			if err != nil {
				return err
			}
			if agent.HoldsBatch(batchID) {
				agent.RemoveBatch(batchID)
				if err := tx.UpdateAgent(ctx, agent); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}

	if requeued != nil {
		s.index.Upsert(requeued)
		notify(s.batcherWake)
	}
	return out, nil
}

// finish writes the terminal transition for a reported job.
func (s *Supervisor) finish(ctx context.Context, tx store.Tx, job *models.Job, in ReportInput, kind models.FailureKind, now time.Time) error {
	from := job.State
	var to models.JobState
	var cause string
	switch {
	case in.Success:
		to = models.JobStateSucceeded
		cause = "reported success"
	case kind == models.FailureCancelled:
		to = models.JobStateCancelled
		cause = "cancelled during execution"
	default:
		to = models.JobStateFailed
		cause = fmt.Sprintf("reported failure (%s)", kind)
	}

	job.State = to
	job.StateChangedAt = now
	job.FinishedAt = &now
	job.Result = &models.JobResult{
		Success:      in.Success,
		Counts:       in.Counts,
		ArtifactsURI: in.ArtifactsURI,
		ErrorMessage: in.ErrorMessage,
	}
	if !in.Success {
		job.Result.ErrorKind = kind
	}
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
		string(from), string(to), models.ActorAgent, cause))
}

// requeue sends a retryably-failed job back to PENDING with backoff.
// The current batch keeps the job's id in its member list but the job
// no longer points at it, so the batch can close without it.
func (s *Supervisor) requeue(ctx context.Context, tx store.Tx, job *models.Job, kind models.FailureKind, msg string, now time.Time) (*models.Job, error) {
	from := job.State
	job.Attempt++
	job.State = models.JobStatePending
	job.BatchID = nil
	job.Progress = nil
	job.StartedAt = nil
	nb := now.Add(s.cfg.RetryDelay(job.Attempt))
	job.NotBefore = &nb
	job.StateChangedAt = now
	if err := tx.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	err := tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
		string(from), string(models.JobStatePending), models.ActorSystem,
		fmt.Sprintf("retry %d/%d after %s: %s", job.Attempt, job.RetryBudget, kind, msg)))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// failureKind normalizes the reported failure kind: a cancel-requested
// job reporting failure counts as cancelled, an unlabelled failure as a
// test failure.
func failureKind(job *models.Job, in ReportInput) models.FailureKind {
	if in.Success {
		return ""
	}
	if in.ErrorKind == models.FailureCancelled || (job.CancelRequested && in.ErrorKind == "") {
		return models.FailureCancelled
	}
	if in.ErrorKind == "" {
		return models.FailureTestFailure
	}
	return in.ErrorKind
}

func notify(ch chan<- struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func mapErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return services.ErrNotFound
	}
	return err
}
