// Package services implements the domain operations behind the API:
// intake, job queries and cancellation, the agent registry, and metrics.
// Services mutate state only through store transactions and update the
// queue index after commit.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
)

// SubmitInput is the domain-level submit payload, already decoded from
// the wire by the handler.
type SubmitInput struct {
	OrgID              string
	AppVersionID       string
	TestPath           string
	Target             models.Target
	DeviceRequirements models.DeviceRequirements
	Priority           int
	Timeout            time.Duration
	RetryBudget        int
	ClientRequestID    string
}

// SubmitReceipt is what intake hands back for an accepted job.
type SubmitReceipt struct {
	Job            *models.Job
	QueuePosition  int
	EstimatedStart time.Time
	// Deduplicated is true when client_request_id matched an earlier
	// submit and the original job was returned.
	Deduplicated bool
}

// IntakeService validates, persists, and indexes new jobs.
type IntakeService struct {
	store store.Store
	index *queueindex.Index
	cfg   *config.Config
	wake  chan<- struct{}
}

// NewIntakeService creates an IntakeService. wake is the batcher's wake
// channel; sends are non-blocking.
func NewIntakeService(st store.Store, index *queueindex.Index, cfg *config.Config, wake chan<- struct{}) *IntakeService {
	return &IntakeService{store: st, index: index, cfg: cfg, wake: wake}
}

// Submit validates the payload, persists a PENDING job with its audit
// entry in one transaction, indexes it, and wakes the batcher. A repeat
// submit with the same client_request_id inside the dedup window returns
// the original job without creating a new one.
func (s *IntakeService) Submit(ctx context.Context, in SubmitInput) (*SubmitReceipt, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:                 uuid.New().String(),
		OrgID:              in.OrgID,
		AppVersionID:       in.AppVersionID,
		TestPath:           in.TestPath,
		Target:             in.Target,
		DeviceRequirements: in.DeviceRequirements,
		Priority:           in.Priority,
		Timeout:            in.Timeout,
		RetryBudget:        in.RetryBudget,
		State:              models.JobStatePending,
		ClientRequestID:    in.ClientRequestID,
		SubmittedAt:        now,
		StateChangedAt:     now,
	}

	var dedupHit *models.Job
	err := s.store.Tx(ctx, func(tx store.Tx) error {
		dedupHit = nil
		if in.ClientRequestID != "" {
			jobID, ok, err := tx.GetDedup(ctx, in.ClientRequestID, now)
			if err != nil {
				return err
			}
			if ok {
				orig, err := tx.GetJob(ctx, jobID)
				if err == nil {
					dedupHit = orig
					return nil
				}
				if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				// Dedup entry outlived its job; fall through and resubmit.
			}
		}

		pending, err := tx.CountBatches(ctx, models.BatchStatePending)
		if err != nil {
			return err
		}
		if pending > s.cfg.MaxBacklog {
			return ErrBackpressure
		}

		if err := tx.CreateJob(ctx, job); err != nil {
			return err
		}
		if in.ClientRequestID != "" {
			if err := tx.PutDedup(ctx, in.ClientRequestID, job.ID, now.Add(s.cfg.DedupTTL)); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, store.Audit(models.EntityJob, job.ID,
			"", string(models.JobStatePending), models.ActorAPI, "submitted"))
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	if dedupHit != nil {
		return &SubmitReceipt{
			Job:            dedupHit,
			QueuePosition:  s.index.Position(dedupHit.ID),
			EstimatedStart: s.estimateStart(dedupHit),
			Deduplicated:   true,
		}, nil
	}

	s.index.Upsert(job)
	notify(s.wake)

	slog.Info("Job submitted",
		"job_id", job.ID, "org_id", job.OrgID,
		"app_version_id", job.AppVersionID, "target", job.Target,
		"priority", job.Priority)

	return &SubmitReceipt{
		Job:            job,
		QueuePosition:  s.index.Position(job.ID),
		EstimatedStart: s.estimateStart(job),
		Deduplicated:   false,
	}, nil
}

func (s *IntakeService) validate(in SubmitInput) error {
	ve := &ValidationError{}
	if in.OrgID == "" {
		ve.add("org_id", "must not be empty")
	}
	if in.AppVersionID == "" {
		ve.add("app_version_id", "must not be empty")
	}
	if in.TestPath == "" {
		ve.add("test_path", "must not be empty")
	}
	if !models.ValidTarget(in.Target) {
		ve.add("target", fmt.Sprintf("unknown target %q", in.Target))
	}
	if in.Priority < 1 || in.Priority > 10 {
		ve.add("priority", "must be in [1,10]")
	}
	if in.Timeout <= 0 {
		ve.add("timeout_ms", "must be positive")
	} else if in.Timeout > s.cfg.TimeoutCeiling {
		ve.add("timeout_ms", fmt.Sprintf("exceeds ceiling of %dms", s.cfg.TimeoutCeiling.Milliseconds()))
	}
	if in.RetryBudget < 0 || in.RetryBudget > 5 {
		ve.add("retry_budget", "must be in [0,5]")
	}
	return ve.errOrNil()
}

// estimateStart is a coarse hint: the batch wait window scaled by the
// job's position within its bucket.
func (s *IntakeService) estimateStart(job *models.Job) time.Time {
	pos := s.index.Position(job.ID)
	if pos < 1 {
		pos = 1
	}
	batchesAhead := (pos - 1) / s.cfg.MaxBatchSize
	return time.Now().UTC().Add(s.cfg.MaxBatchWait * time.Duration(batchesAhead+1))
}

// notify performs a non-blocking send on a wake channel.
func notify(ch chan<- struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// mapStoreError converts store sentinels to service sentinels where the
// distinction matters to callers.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrRevisionConflict), errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}
