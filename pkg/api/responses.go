package api

import (
	"time"

	"github.com/questgrid/dispatch/pkg/models"
	"github.com/questgrid/dispatch/pkg/services"
)

type submitResponse struct {
	JobID          string    `json:"job_id"`
	State          string    `json:"state"`
	QueuePosition  int       `json:"queue_position"`
	EstimatedStart time.Time `json:"estimated_start"`
	Deduplicated   bool      `json:"deduplicated,omitempty"`
}

// jobResponse is the wire shape of a job record.
type jobResponse struct {
	ID                 string                    `json:"id"`
	OrgID              string                    `json:"org_id"`
	AppVersionID       string                    `json:"app_version_id"`
	TestPath           string                    `json:"test_path"`
	Target             string                    `json:"target"`
	DeviceRequirements models.DeviceRequirements `json:"device_requirements"`
	Priority           int                       `json:"priority"`
	TimeoutMS          int64                     `json:"timeout_ms"`
	RetryBudget        int                       `json:"retry_budget"`
	State              string                    `json:"state"`
	BatchID            *string                   `json:"batch_id,omitempty"`
	Attempt            int                       `json:"attempt"`
	CancelRequested    bool                      `json:"cancel_requested,omitempty"`
	Progress           *models.JobProgress       `json:"progress,omitempty"`
	Result             *models.JobResult         `json:"result,omitempty"`
	SubmittedAt        time.Time                 `json:"submitted_at"`
	StateChangedAt     time.Time                 `json:"state_changed_at"`
	StartedAt          *time.Time                `json:"started_at,omitempty"`
	FinishedAt         *time.Time                `json:"finished_at,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	return jobResponse{
		ID:                 job.ID,
		OrgID:              job.OrgID,
		AppVersionID:       job.AppVersionID,
		TestPath:           job.TestPath,
		Target:             string(job.Target),
		DeviceRequirements: job.DeviceRequirements,
		Priority:           job.Priority,
		TimeoutMS:          job.Timeout.Milliseconds(),
		RetryBudget:        job.RetryBudget,
		State:              string(job.State),
		BatchID:            job.BatchID,
		Attempt:            job.Attempt,
		CancelRequested:    job.CancelRequested,
		Progress:           job.Progress,
		Result:             job.Result,
		SubmittedAt:        job.SubmittedAt,
		StateChangedAt:     job.StateChangedAt,
		StartedAt:          job.StartedAt,
		FinishedAt:         job.FinishedAt,
	}
}

type jobListResponse struct {
	Jobs       []jobResponse `json:"jobs"`
	TotalCount int           `json:"total_count"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}

type agentResponse struct {
	ID                   string                   `json:"id"`
	Capabilities         models.AgentCapabilities `json:"capabilities"`
	MaxConcurrentBatches int                      `json:"max_concurrent_batches"`
	CurrentBatchIDs      []string                 `json:"current_batch_ids"`
	Status               string                   `json:"status"`
	LastHeartbeatAt      time.Time                `json:"last_heartbeat_at"`
	RegisteredAt         time.Time                `json:"registered_at"`
}

func toAgentResponse(agent *models.Agent) agentResponse {
	ids := agent.CurrentBatchIDs
	if ids == nil {
		ids = []string{}
	}
	return agentResponse{
		ID:                   agent.ID,
		Capabilities:         agent.Capabilities,
		MaxConcurrentBatches: agent.MaxConcurrentBatches,
		CurrentBatchIDs:      ids,
		Status:               string(agent.Status),
		LastHeartbeatAt:      agent.LastHeartbeatAt,
		RegisteredAt:         agent.RegisteredAt,
	}
}

type heartbeatResponse struct {
	Status         string   `json:"status"`
	CancelBatchIDs []string `json:"cancel_batch_ids"`
}

type batchResponse struct {
	ID                 string                    `json:"id"`
	OrgID              string                    `json:"org_id"`
	AppVersionID       string                    `json:"app_version_id"`
	Target             string                    `json:"target"`
	DeviceRequirements models.DeviceRequirements `json:"device_requirements"`
	MemberJobIDs       []string                  `json:"member_job_ids"`
	Priority           int                       `json:"priority"`
	State              string                    `json:"state"`
	AgentID            *string                   `json:"agent_id,omitempty"`
	CancelRequested    bool                      `json:"cancel_requested,omitempty"`
	SealedAt           time.Time                 `json:"sealed_at"`
	AssignedAt         *time.Time                `json:"assigned_at,omitempty"`
	StartedAt          *time.Time                `json:"started_at,omitempty"`
	Deadline           *time.Time                `json:"deadline,omitempty"`
	LeaseExpiresAt     *time.Time                `json:"lease_expires_at,omitempty"`
}

func toBatchResponse(batch *models.Batch) batchResponse {
	return batchResponse{
		ID:                 batch.ID,
		OrgID:              batch.OrgID,
		AppVersionID:       batch.AppVersionID,
		Target:             string(batch.Target),
		DeviceRequirements: batch.DeviceRequirements,
		MemberJobIDs:       batch.MemberJobIDs,
		Priority:           batch.Priority,
		State:              string(batch.State),
		AgentID:            batch.AgentID,
		CancelRequested:    batch.CancelRequested,
		SealedAt:           batch.SealedAt,
		AssignedAt:         batch.AssignedAt,
		StartedAt:          batch.StartedAt,
		Deadline:           batch.Deadline,
		LeaseExpiresAt:     batch.LeaseExpiresAt,
	}
}

// pollResponse carries the assignment when one exists; Batch is null
// otherwise. CancelBatchIDs rides along the same way it does on
// heartbeats.
type pollResponse struct {
	Batch          *batchResponse `json:"batch"`
	Jobs           []jobResponse  `json:"jobs,omitempty"`
	CancelBatchIDs []string       `json:"cancel_batch_ids"`
}

func toPollResponse(a *services.Assignment, cancelIDs []string) pollResponse {
	if cancelIDs == nil {
		cancelIDs = []string{}
	}
	out := pollResponse{CancelBatchIDs: cancelIDs}
	if a == nil {
		return out
	}
	br := toBatchResponse(a.Batch)
	out.Batch = &br
	for _, job := range a.Jobs {
		out.Jobs = append(out.Jobs, toJobResponse(job))
	}
	return out
}
