package models

import "time"

// Agent is a registered executor. Agents pull batches via poll; the
// registry tracks identity, capabilities, liveness, and current load.
// Agent ⇄ Batch references are by id only; joins go through the store.
type Agent struct {
	ID                   string
	Capabilities         AgentCapabilities
	MaxConcurrentBatches int
	CurrentBatchIDs      []string
	Status               AgentStatus
	LastHeartbeatAt      time.Time
	RegisteredAt         time.Time
	Revision             int64
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	out := *a
	out.CurrentBatchIDs = append([]string(nil), a.CurrentBatchIDs...)
	return &out
}

// Alive reports whether the agent heartbeated within the liveness window.
func (a *Agent) Alive(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastHeartbeatAt) <= window
}

// EligibleFor reports whether the agent can receive the batch right now:
// online and alive, spare capacity, and capabilities inside the batch's
// device predicate.
func (a *Agent) EligibleFor(b *Batch, now time.Time, livenessWindow time.Duration) bool {
	if a.Status != AgentStatusOnline || !a.Alive(now, livenessWindow) {
		return false
	}
	if len(a.CurrentBatchIDs) >= a.MaxConcurrentBatches {
		return false
	}
	return b.DeviceRequirements.SatisfiedBy(a.Capabilities, b.Target)
}

// HoldsBatch reports whether batchID is in the agent's current set.
func (a *Agent) HoldsBatch(batchID string) bool {
	for _, id := range a.CurrentBatchIDs {
		if id == batchID {
			return true
		}
	}
	return false
}

// RemoveBatch drops batchID from the agent's current set, if present.
func (a *Agent) RemoveBatch(batchID string) {
	out := a.CurrentBatchIDs[:0]
	for _, id := range a.CurrentBatchIDs {
		if id != batchID {
			out = append(out, id)
		}
	}
	a.CurrentBatchIDs = out
}
