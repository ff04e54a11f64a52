package models

import "time"

// AuditActor identifies who caused a state transition.
type AuditActor string

// Audit actors.
const (
	ActorSystem AuditActor = "system"
	ActorAgent  AuditActor = "agent"
	ActorAPI    AuditActor = "api"
)

// Entity kinds recorded in the audit log.
const (
	EntityJob   = "job"
	EntityBatch = "batch"
)

// AuditEntry is one append-only record of a job or batch state
// transition, committed in the same transaction as the transition
// itself.
type AuditEntry struct {
	ID         int64      `json:"id"`
	EntityKind string     `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	FromState  string     `json:"from_state,omitempty"`
	ToState    string     `json:"to_state"`
	Actor      AuditActor `json:"actor"`
	Cause      string     `json:"cause"`
	At         time.Time  `json:"at"`
}

// Metrics is the orchestrator-wide counter snapshot served by the
// metrics endpoint.
type Metrics struct {
	QueueDepth      int                 `json:"queue_depth"`
	OldestWaitMS    int64               `json:"oldest_pending_wait_ms"`
	PendingBatches  int                 `json:"pending_batches"`
	JobsByState     map[JobState]int    `json:"jobs_by_state"`
	BatchesByState  map[BatchState]int  `json:"batches_by_state"`
	AgentsByStatus  map[AgentStatus]int `json:"agents_by_status"`
	DispatchesTotal int64               `json:"dispatches_total"`
	DispatchRate    float64             `json:"dispatch_rate_per_min"`
}
