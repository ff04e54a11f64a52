// Package models defines the domain records shared by the store, the
// scheduling engine, and the API layer: jobs, batches, agents, audit
// entries, and their state machines.
package models

// Target is the coarse execution channel a job runs on.
type Target string

// Known targets. The set is closed; intake rejects anything else.
const (
	TargetEmulator     Target = "emulator"
	TargetDevice       Target = "device"
	TargetBrowserStack Target = "browserstack"
)

// ValidTarget reports whether t is a member of the closed target set.
func ValidTarget(t Target) bool {
	switch t {
	case TargetEmulator, TargetDevice, TargetBrowserStack:
		return true
	}
	return false
}

// JobState is the lifecycle state of a single job.
type JobState string

// Job states.
const (
	JobStatePending   JobState = "PENDING"
	JobStateBatched   JobState = "BATCHED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// Terminal reports whether s is a terminal job state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// jobTransitions enumerates the legal job state transitions. The only
// backwards edge is the retry re-entry BATCHED/RUNNING → PENDING, which
// always carries an attempt increment.
var jobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateBatched, JobStateCancelled, JobStateFailed},
	JobStateBatched: {JobStateRunning, JobStatePending, JobStateFailed, JobStateCancelled},
	JobStateRunning: {JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStatePending},
}

// ValidJobTransition reports whether from → to is a legal transition.
func ValidJobTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BatchState is the lifecycle state of a batch.
type BatchState string

// Batch states.
const (
	BatchStatePending  BatchState = "PENDING"
	BatchStateAssigned BatchState = "ASSIGNED"
	BatchStateRunning  BatchState = "RUNNING"
	BatchStateDone     BatchState = "DONE"
	BatchStateFailed   BatchState = "FAILED"
)

// Terminal reports whether s is a terminal batch state.
func (s BatchState) Terminal() bool {
	return s == BatchStateDone || s == BatchStateFailed
}

// AgentStatus is the registry's view of an agent.
type AgentStatus string

// Agent statuses. OFFLINE is derived from heartbeat staleness; agents
// report the other three.
const (
	AgentStatusOnline   AgentStatus = "ONLINE"
	AgentStatusBusy     AgentStatus = "BUSY"
	AgentStatusOffline  AgentStatus = "OFFLINE"
	AgentStatusDraining AgentStatus = "DRAINING"
)

// FailureKind classifies a terminal job failure.
type FailureKind string

// Failure kinds.
const (
	FailureTestFailure    FailureKind = "TEST_FAILURE"
	FailureTimeout        FailureKind = "TIMEOUT"
	FailureAgentLost      FailureKind = "AGENT_LOST"
	FailureInfrastructure FailureKind = "INFRASTRUCTURE"
	FailureCancelled      FailureKind = "CANCELLED"
)

// Retryable reports whether a failure of this kind consumes retry budget
// and re-enters the queue. TEST_FAILURE and TIMEOUT are terminal.
func (k FailureKind) Retryable() bool {
	return k == FailureAgentLost || k == FailureInfrastructure
}
