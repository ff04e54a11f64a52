// Package queueindex keeps an in-memory secondary index of pending jobs
// keyed by (target, app_version_id, org_id) with priority ordering. The
// store is the ground truth; the index reflects committed state only
// (callers update it after their transaction commits) and is rebuilt
// from the store on startup.
package queueindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/store"
)

// Key identifies one pending-job bucket.
type Key struct {
	OrgID        string
	AppVersionID string
	Target       models.Target
}

// KeyFor returns the bucket key for a job.
func KeyFor(job *models.Job) Key {
	return Key{OrgID: job.OrgID, AppVersionID: job.AppVersionID, Target: job.Target}
}

// Index is a thread-safe pending-job index. Buckets are kept sorted by
// (priority DESC, submitted_at ASC, id) so batching reads are cheap.
type Index struct {
	mu      sync.RWMutex
	buckets map[Key][]*models.Job
	byID    map[string]Key
}

// New creates an empty index.
func New() *Index {
	return &Index{
		buckets: make(map[Key][]*models.Job),
		byID:    make(map[string]Key),
	}
}

// Upsert inserts or replaces a pending job. Non-pending jobs are
// removed instead, so callers can feed any committed job through.
func (ix *Index) Upsert(job *models.Job) {
	if job.State != models.JobStatePending {
		ix.Remove(job.ID)
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(job.ID)
	key := KeyFor(job)
	bucket := ix.buckets[key]
	cp := job.Clone()
	at := sort.Search(len(bucket), func(i int) bool { return jobLess(cp, bucket[i]) })
	bucket = append(bucket, nil)
	copy(bucket[at+1:], bucket[at:])
	bucket[at] = cp
	ix.buckets[key] = bucket
	ix.byID[job.ID] = key
}

// Remove drops a job from the index, if present.
func (ix *Index) Remove(jobID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(jobID)
}

func (ix *Index) removeLocked(jobID string) {
	key, ok := ix.byID[jobID]
	if !ok {
		return
	}
	delete(ix.byID, jobID)
	bucket := ix.buckets[key]
	for i, job := range bucket {
		if job.ID == jobID {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(ix.buckets, key)
	} else {
		ix.buckets[key] = bucket
	}
}

// Keys returns a snapshot of all non-empty bucket keys.
func (ix *Index) Keys() []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Key, 0, len(ix.buckets))
	for k := range ix.buckets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OrgID != b.OrgID {
			return a.OrgID < b.OrgID
		}
		if a.AppVersionID != b.AppVersionID {
			return a.AppVersionID < b.AppVersionID
		}
		return a.Target < b.Target
	})
	return out
}

// Bucket returns a copy of the bucket's jobs in priority order.
func (ix *Index) Bucket(key Key) []*models.Job {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	bucket := ix.buckets[key]
	out := make([]*models.Job, len(bucket))
	for i, job := range bucket {
		out[i] = job.Clone()
	}
	return out
}

// Len returns the total number of indexed jobs.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Position returns the 1-based position of a job within its bucket, or
// 0 when the job is not indexed. Used for the submit response's queue
// position hint.
func (ix *Index) Position(jobID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	key, ok := ix.byID[jobID]
	if !ok {
		return 0
	}
	for i, job := range ix.buckets[key] {
		if job.ID == jobID {
			return i + 1
		}
	}
	return 0
}

// Rebuild replaces the index contents with all pending jobs from the
// store. Called on startup before any worker runs.
func (ix *Index) Rebuild(ctx context.Context, st store.Store) error {
	var pending []*models.Job
	err := st.Tx(ctx, func(tx store.Tx) error {
		var err error
		pending, err = tx.JobsByState(ctx, models.JobStatePending)
		return err
	})
	if err != nil {
		return err
	}

	ix.mu.Lock()
	ix.buckets = make(map[Key][]*models.Job)
	ix.byID = make(map[string]Key)
	ix.mu.Unlock()

	for _, job := range pending {
		ix.Upsert(job)
	}
	return nil
}

// jobLess orders jobs by priority DESC, submitted_at ASC, id ASC.
func jobLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

// OldestEligible returns the submission time of the oldest eligible job
// in the bucket, and whether one exists.
func (ix *Index) OldestEligible(key Key, now time.Time) (time.Time, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var oldest time.Time
	found := false
	for _, job := range ix.buckets[key] {
		if !job.Eligible(now) {
			continue
		}
		if !found || job.SubmittedAt.Before(oldest) {
			oldest = job.SubmittedAt
			found = true
		}
	}
	return oldest, found
}
