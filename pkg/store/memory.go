package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
)

// Memory is an in-process Store used by tests and local runs. A single
// mutex serializes transactions; each transaction works on deep copies
// and commits by swapping them in, so a failed transaction leaves no
// trace.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	batches     map[string]*models.Batch
	agents      map[string]*models.Agent
	audit       []*models.AuditEntry
	dedup       map[string]dedupEntry
	nextAuditID int64
}

type dedupEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*models.Job),
		batches: make(map[string]*models.Batch),
		agents:  make(map[string]*models.Agent),
		dedup:   make(map[string]dedupEntry),
	}
}

// Tx implements Store.
func (m *Memory) Tx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		jobs:        cloneMap(m.jobs, (*models.Job).Clone),
		batches:     cloneMap(m.batches, (*models.Batch).Clone),
		agents:      cloneMap(m.agents, (*models.Agent).Clone),
		audit:       append([]*models.AuditEntry(nil), m.audit...),
		dedup:       cloneDedup(m.dedup),
		nextAuditID: m.nextAuditID,
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.jobs = tx.jobs
	m.batches = tx.batches
	m.agents = tx.agents
	m.audit = tx.audit
	m.dedup = tx.dedup
	m.nextAuditID = tx.nextAuditID
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() {}

func cloneMap[V any](src map[string]V, clone func(V) V) map[string]V {
	out := make(map[string]V, len(src))
	for k, v := range src {
		out[k] = clone(v)
	}
	return out
}

func cloneDedup(src map[string]dedupEntry) map[string]dedupEntry {
	out := make(map[string]dedupEntry, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

type memoryTx struct {
	jobs        map[string]*models.Job
	batches     map[string]*models.Batch
	agents      map[string]*models.Agent
	audit       []*models.AuditEntry
	dedup       map[string]dedupEntry
	nextAuditID int64
}

func (t *memoryTx) CreateJob(_ context.Context, job *models.Job) error {
	if _, ok := t.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	if job.Revision == 0 {
		job.Revision = 1
	}
	t.jobs[job.ID] = job.Clone()
	return nil
}

func (t *memoryTx) GetJob(_ context.Context, id string) (*models.Job, error) {
	job, ok := t.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (t *memoryTx) UpdateJob(_ context.Context, job *models.Job) error {
	cur, ok := t.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != job.Revision {
		return ErrRevisionConflict
	}
	job.Revision++
	t.jobs[job.ID] = job.Clone()
	return nil
}

func (t *memoryTx) ListJobs(_ context.Context, f models.JobFilters) (*models.JobList, error) {
	var all []*models.Job
	for _, job := range t.jobs {
		if f.OrgID != "" && job.OrgID != f.OrgID {
			continue
		}
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.AppVersionID != "" && job.AppVersionID != f.AppVersionID {
			continue
		}
		if f.Target != "" && job.Target != f.Target {
			continue
		}
		all = append(all, job.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.Before(all[j].SubmittedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	offset := f.Offset
	if offset > total {
		offset = total
	}
	all = all[offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return &models.JobList{Jobs: all, TotalCount: total, Limit: f.Limit, Offset: f.Offset}, nil
}

func (t *memoryTx) JobsByState(_ context.Context, states ...models.JobState) ([]*models.Job, error) {
	want := make(map[models.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*models.Job
	for _, job := range t.jobs {
		if want[job.State] {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memoryTx) CountJobsByState(context.Context) (map[models.JobState]int, error) {
	out := make(map[models.JobState]int)
	for _, job := range t.jobs {
		out[job.State]++
	}
	return out, nil
}

func (t *memoryTx) CreateBatch(_ context.Context, batch *models.Batch) error {
	if _, ok := t.batches[batch.ID]; ok {
		return ErrDuplicate
	}
	if batch.Revision == 0 {
		batch.Revision = 1
	}
	t.batches[batch.ID] = batch.Clone()
	return nil
}

func (t *memoryTx) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	batch, ok := t.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return batch.Clone(), nil
}

func (t *memoryTx) UpdateBatch(_ context.Context, batch *models.Batch) error {
	cur, ok := t.batches[batch.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != batch.Revision {
		return ErrRevisionConflict
	}
	batch.Revision++
	t.batches[batch.ID] = batch.Clone()
	return nil
}

func (t *memoryTx) BatchesByState(_ context.Context, states ...models.BatchState) ([]*models.Batch, error) {
	want := make(map[models.BatchState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []*models.Batch
	for _, batch := range t.batches {
		if want[batch.State] {
			out = append(out, batch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SealedAt.Equal(out[j].SealedAt) {
			return out[i].SealedAt.Before(out[j].SealedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memoryTx) CountBatches(_ context.Context, state models.BatchState) (int, error) {
	n := 0
	for _, batch := range t.batches {
		if batch.State == state {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) CountBatchesByState(context.Context) (map[models.BatchState]int, error) {
	out := make(map[models.BatchState]int)
	for _, batch := range t.batches {
		out[batch.State]++
	}
	return out, nil
}

func (t *memoryTx) LeaseExpiredBatches(_ context.Context, now time.Time) ([]*models.Batch, error) {
	var out []*models.Batch
	for _, batch := range t.batches {
		if batch.State != models.BatchStateAssigned && batch.State != models.BatchStateRunning {
			continue
		}
		if batch.LeaseExpiresAt != nil && batch.LeaseExpiresAt.Before(now) {
			out = append(out, batch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) DeadlineExceededBatches(_ context.Context, now time.Time) ([]*models.Batch, error) {
	var out []*models.Batch
	for _, batch := range t.batches {
		if batch.State != models.BatchStateRunning {
			continue
		}
		if batch.Deadline != nil && batch.Deadline.Before(now) {
			out = append(out, batch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) CreateAgent(_ context.Context, agent *models.Agent) error {
	if _, ok := t.agents[agent.ID]; ok {
		return ErrDuplicate
	}
	if agent.Revision == 0 {
		agent.Revision = 1
	}
	t.agents[agent.ID] = agent.Clone()
	return nil
}

func (t *memoryTx) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	agent, ok := t.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return agent.Clone(), nil
}

func (t *memoryTx) UpdateAgent(_ context.Context, agent *models.Agent) error {
	cur, ok := t.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != agent.Revision {
		return ErrRevisionConflict
	}
	agent.Revision++
	t.agents[agent.ID] = agent.Clone()
	return nil
}

func (t *memoryTx) ListAgents(context.Context) ([]*models.Agent, error) {
	out := make([]*models.Agent, 0, len(t.agents))
	for _, agent := range t.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	t.nextAuditID++
	entry.ID = t.nextAuditID
	cp := *entry
	t.audit = append(t.audit, &cp)
	return nil
}

func (t *memoryTx) AuditForEntity(_ context.Context, kind, id string) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for _, e := range t.audit {
		if e.EntityKind == kind && e.EntityID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memoryTx) PutDedup(_ context.Context, clientRequestID, jobID string, expiresAt time.Time) error {
	t.dedup[clientRequestID] = dedupEntry{jobID: jobID, expiresAt: expiresAt}
	return nil
}

func (t *memoryTx) GetDedup(_ context.Context, clientRequestID string, now time.Time) (string, bool, error) {
	e, ok := t.dedup[clientRequestID]
	if !ok || e.expiresAt.Before(now) {
		return "", false, nil
	}
	return e.jobID, true, nil
}

func (t *memoryTx) PurgeDedup(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, e := range t.dedup {
		if e.expiresAt.Before(now) {
			delete(t.dedup, k)
			n++
		}
	}
	return n, nil
}
