package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
)

// JobService answers job queries and drives cancellation.
type JobService struct {
	store store.Store
	index *queueindex.Index
}

// NewJobService creates a JobService.
func NewJobService(st store.Store, index *queueindex.Index) *JobService {
	return &JobService{store: st, index: index}
}

// Get returns the full job record.
func (s *JobService) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return job, nil
}

// List returns a paginated, filtered job listing.
func (s *JobService) List(ctx context.Context, f models.JobFilters) (*models.JobList, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var list *models.JobList
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.ListJobs(ctx, f)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return list, nil
}

// Audit returns the job's audit trail.
func (s *JobService) Audit(ctx context.Context, jobID string) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetJob(ctx, jobID); err != nil {
			return err
		}
		var err error
		entries, err = tx.AuditForEntity(ctx, models.EntityJob, jobID)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return entries, nil
}

// Cancel requests cancellation of a job. A PENDING job (including one
// whose batch has not been assigned yet) transitions to CANCELLED
// immediately. A job already handed to an agent only flags
// cancel-requested; the terminal transition happens when the agent
// reports or the lease expires. Cancelling a terminal job is a conflict.
func (s *JobService) Cancel(ctx context.Context, jobID, reason string) (*models.Job, error) {
	now := time.Now().UTC()
	var out *models.Job
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return fmt.Errorf("%w: job is already %s", ErrConflict, job.State)
		}

		switch job.State {
		case models.JobStatePending:
			if err := s.cancelNow(ctx, tx, job, reason, now); err != nil {
				return err
			}

		case models.JobStateBatched:
			batch, err := tx.GetBatch(ctx, *job.BatchID)
			if err != nil {
				return err
			}
			if batch.State == models.BatchStatePending {
				// Not yet bound to an agent: cancel directly and close
				// the batch if no live member remains.
				if err := s.cancelNow(ctx, tx, job, reason, now); err != nil {
					return err
				}
				if _, err := CloseBatchIfDone(ctx, tx, batch, now); err != nil {
					return err
				}
			} else {
				if err := s.requestCancel(ctx, tx, job, batch, reason, now); err != nil {
					return err
				}
			}

		case models.JobStateRunning:
			batch, err := tx.GetBatch(ctx, *job.BatchID)
			if err != nil {
				return err
			}
			if err := s.requestCancel(ctx, tx, job, batch, reason, now); err != nil {
				return err
			}
		}

		out = job
		return nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	if out.State == models.JobStateCancelled {
		s.index.Remove(out.ID)
	}
	slog.Info("Job cancel processed",
		"job_id", jobID, "state", out.State, "cancel_requested", out.CancelRequested)
	return out, nil
}

// cancelNow performs the immediate PENDING/unassigned-BATCHED → CANCELLED
// transition.
func (s *JobService) cancelNow(ctx context.Context, tx store.Tx, job *models.Job, reason string, now time.Time) error {
	from := job.State
	job.State = models.JobStateCancelled
	job.CancelRequested = true
	job.CancelReason = reason
	job.StateChangedAt = now
	job.FinishedAt = &now
	job.Result = &models.JobResult{
		ErrorKind:    models.FailureCancelled,
		ErrorMessage: reason,
	}
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
		string(from), string(models.JobStateCancelled), models.ActorAPI, "cancelled: "+reason))
}

// requestCancel flags the job and its batch; delivery to the agent rides
// the next poll or heartbeat response.
func (s *JobService) requestCancel(ctx context.Context, tx store.Tx, job *models.Job, batch *models.Batch, reason string, now time.Time) error {
	job.CancelRequested = true
	job.CancelReason = reason
	if err := tx.UpdateJob(ctx, job); err != nil {
		return err
	}
	if !batch.CancelRequested {
		batch.CancelRequested = true
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
	}
	return tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
		string(job.State), string(job.State), models.ActorAPI, "cancel requested: "+reason))
}

// CloseBatchIfDone transitions the batch to DONE when every member has
// settled: reached a terminal state, or been re-queued into a fresh
// batch after a retryable failure. Shared by cancellation, scheduling,
// and result reporting. A close from RUNNING rides along on the member
// transitions' audit records; a close straight from PENDING (every
// member cancelled before any agent saw the batch) is its own event and
// gets its own entry.
func CloseBatchIfDone(ctx context.Context, tx store.Tx, batch *models.Batch, now time.Time) (bool, error) {
	for _, id := range batch.MemberJobIDs {
		member, err := tx.GetJob(ctx, id)
		if err != nil {
			return false, err
		}
		if member.BatchID == nil || *member.BatchID != batch.ID {
			continue // re-queued out of this batch
		}
		if !member.State.Terminal() {
			return false, nil
		}
	}
	from := batch.State
	batch.State = models.BatchStateDone
	batch.StateChangedAt = now
	if err := tx.UpdateBatch(ctx, batch); err != nil {
		return false, err
	}
	if from == models.BatchStatePending {
		if err := tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batch.ID,
			string(from), string(models.BatchStateDone), models.ActorSystem,
			"all members settled before assignment")); err != nil {
			return false, err
		}
	}
	return true, nil
}
