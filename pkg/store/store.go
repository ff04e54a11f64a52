// Package store is the durable ground truth for jobs, batches, agents,
// the audit log, and the submit dedup cache. All mutations go through
// transactions; in-memory indexes are derived from committed state and
// rebuildable. Two implementations exist: Postgres (production) and
// memory (tests, single process).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/questgrid/dispatch/pkg/models"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRevisionConflict is returned by updates when the row's revision
	// no longer matches the one the caller read (optimistic concurrency).
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrDuplicate is returned by creates when the id already exists.
	ErrDuplicate = errors.New("duplicate id")

	// ErrUnavailable wraps transient store failures that outlived the
	// operation's deadline.
	ErrUnavailable = errors.New("store unavailable")
)

// Store opens transactions against the backing state.
type Store interface {
	// Tx runs fn inside a transaction. fn returning an error rolls the
	// transaction back and propagates the error.
	Tx(ctx context.Context, fn func(tx Tx) error) error

	// Ping reports whether the backing state is reachable.
	Ping(ctx context.Context) error

	Close()
}

// Tx exposes the transactional entity operations. Update methods check
// the entity's Revision against the stored row and bump it on success;
// a mismatch returns ErrRevisionConflict.
type Tx interface {
	// Jobs
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, f models.JobFilters) (*models.JobList, error)
	JobsByState(ctx context.Context, states ...models.JobState) ([]*models.Job, error)
	CountJobsByState(ctx context.Context) (map[models.JobState]int, error)

	// Batches
	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	UpdateBatch(ctx context.Context, batch *models.Batch) error
	BatchesByState(ctx context.Context, states ...models.BatchState) ([]*models.Batch, error)
	CountBatches(ctx context.Context, state models.BatchState) (int, error)
	CountBatchesByState(ctx context.Context) (map[models.BatchState]int, error)
	// LeaseExpiredBatches returns ASSIGNED/RUNNING batches whose lease
	// expired before now.
	LeaseExpiredBatches(ctx context.Context, now time.Time) ([]*models.Batch, error)
	// DeadlineExceededBatches returns RUNNING batches past their deadline.
	DeadlineExceededBatches(ctx context.Context, now time.Time) ([]*models.Batch, error)

	// Agents
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	AuditForEntity(ctx context.Context, kind, id string) ([]*models.AuditEntry, error)

	// Dedup cache for client_request_id
	PutDedup(ctx context.Context, clientRequestID, jobID string, expiresAt time.Time) error
	GetDedup(ctx context.Context, clientRequestID string, now time.Time) (string, bool, error)
	PurgeDedup(ctx context.Context, now time.Time) (int, error)
}

// Audit builds an audit entry for a transition; a small helper so call
// sites stay one line.
func Audit(kind, id, from, to string, actor models.AuditActor, cause string) *models.AuditEntry {
	return &models.AuditEntry{
		EntityKind: kind,
		EntityID:   id,
		FromState:  from,
		ToState:    to,
		Actor:      actor,
		Cause:      cause,
		At:         time.Now().UTC(),
	}
}
