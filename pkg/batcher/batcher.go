// Package batcher turns pending jobs into sealed batches. It watches the
// queue index, groups device-compatible jobs per (org, app version,
// target) bucket, and seals a group when it is full, has waited long
// enough, or contains an urgent job.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/store"
)

// Batcher is the background worker that seals batches.
type Batcher struct {
	store store.Store
	index *queueindex.Index
	cfg   *config.Config

	// wake is poked by intake when new jobs arrive.
	wake <-chan struct{}
	// schedWake is poked after a seal so the scheduler runs promptly.
	schedWake chan<- struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Batcher.
func New(st store.Store, index *queueindex.Index, cfg *config.Config, wake <-chan struct{}, schedWake chan<- struct{}) *Batcher {
	return &Batcher{
		store:     st,
		index:     index,
		cfg:       cfg,
		wake:      wake,
		schedWake: schedWake,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the batching loop.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
	slog.Info("Batcher started",
		"max_batch_size", b.cfg.MaxBatchSize,
		"max_batch_wait", b.cfg.MaxBatchWait,
		"urgent_threshold", b.cfg.UrgentThreshold)
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	slog.Info("Batcher stopped")
}

func (b *Batcher) run(ctx context.Context) {
	defer b.wg.Done()

	// The ticker bounds how stale the wait-based seal condition can get;
	// wakes handle the common case.
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-b.wake:
		case <-ticker.C:
		}
		if err := b.Pass(ctx); err != nil {
			slog.Error("Batching pass failed", "error", err)
		}
	}
}

// Pass runs one batching pass over every bucket. Exported so startup
// recovery and tests can drive the batcher synchronously.
func (b *Batcher) Pass(ctx context.Context) error {
	now := time.Now().UTC()
	for _, key := range b.index.Keys() {
		if err := b.passBucket(ctx, key, now); err != nil {
			return fmt.Errorf("bucket %s/%s/%s: %w", key.OrgID, key.AppVersionID, key.Target, err)
		}
	}
	return nil
}

func (b *Batcher) passBucket(ctx context.Context, key queueindex.Key, now time.Time) error {
	remaining := make([]*models.Job, 0)
	for _, job := range b.index.Bucket(key) {
		if job.Eligible(now) {
			remaining = append(remaining, job)
		}
	}

	for len(remaining) > 0 {
		group, rest := b.takeGroup(remaining)
		remaining = rest
		if !b.shouldSeal(group, now) {
			continue
		}
		if err := b.seal(ctx, key, group, now); err != nil {
			return err
		}
	}
	return nil
}

// takeGroup pops a device-compatible group from the head of the
// priority-ordered slice. The head job anchors the group; later jobs
// join when the intersection of requirements stays satisfiable.
func (b *Batcher) takeGroup(jobs []*models.Job) (group, rest []*models.Job) {
	group = []*models.Job{jobs[0]}
	reqs := jobs[0].DeviceRequirements
	for _, job := range jobs[1:] {
		if len(group) < b.cfg.MaxBatchSize && reqs.CompatibleWith(job.DeviceRequirements) {
			reqs = reqs.Intersect(job.DeviceRequirements)
			group = append(group, job)
		} else {
			rest = append(rest, job)
		}
	}
	return group, rest
}

// shouldSeal applies the three seal conditions: the group is full, its
// oldest member has waited out the batch window, or any member is
// urgent.
func (b *Batcher) shouldSeal(group []*models.Job, now time.Time) bool {
	if len(group) >= b.cfg.MaxBatchSize {
		return true
	}
	for _, job := range group {
		if job.Priority >= b.cfg.UrgentThreshold {
			return true
		}
		if now.Sub(job.SubmittedAt) >= b.cfg.MaxBatchWait {
			return true
		}
	}
	return false
}

// seal commits the group as a PENDING batch. Members are re-read inside
// the transaction; anything cancelled or already batched since the index
// snapshot silently drops out.
func (b *Batcher) seal(ctx context.Context, key queueindex.Key, group []*models.Job, now time.Time) error {
	batchID := uuid.New().String()
	var sealed []string

	err := b.store.Tx(ctx, func(tx store.Tx) error {
		sealed = nil
		members := make([]*models.Job, 0, len(group))
		for _, stale := range group {
			job, err := tx.GetJob(ctx, stale.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if job.Eligible(now) {
				members = append(members, job)
			}
		}
		if len(members) == 0 {
			return nil
		}

		batch := &models.Batch{
			ID:                batchID,
			OrgID:             key.OrgID,
			AppVersionID:      key.AppVersionID,
			Target:            key.Target,
			State:             models.BatchStatePending,
			SealedAt:          now,
			StateChangedAt:    now,
			OldestSubmittedAt: members[0].SubmittedAt,
		}
		batch.DeviceRequirements = members[0].DeviceRequirements
		for _, job := range members {
			batch.MemberJobIDs = append(batch.MemberJobIDs, job.ID)
			if job.Priority > batch.Priority {
				batch.Priority = job.Priority
			}
			if job.SubmittedAt.Before(batch.OldestSubmittedAt) {
				batch.OldestSubmittedAt = job.SubmittedAt
			}
			batch.DeviceRequirements = batch.DeviceRequirements.Intersect(job.DeviceRequirements)
		}
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}

		for _, job := range members {
			job.State = models.JobStateBatched
			job.BatchID = &batchID
			job.StateChangedAt = now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
			sealed = append(sealed, job.ID)
		}

		return tx.AppendAudit(ctx, store.Audit(models.EntityBatch, batchID,
			"", string(models.BatchStatePending), models.ActorSystem,
			fmt.Sprintf("sealed with %d jobs", len(members))))
	})
	if err != nil {
		return err
	}
	if len(sealed) == 0 {
		return nil
	}

	for _, id := range sealed {
		b.index.Remove(id)
	}
	notify(b.schedWake)

	slog.Info("Batch sealed",
		"batch_id", batchID, "org_id", key.OrgID,
		"app_version_id", key.AppVersionID, "target", key.Target,
		"members", len(sealed))
	return nil
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
