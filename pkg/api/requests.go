package api

import "github.com/questgrid/dispatch/pkg/models"

// submitRequest is the POST /jobs payload. Durations are millisecond
// integers on the wire.
type submitRequest struct {
	OrgID              string                    `json:"org_id"`
	AppVersionID       string                    `json:"app_version_id"`
	TestPath           string                    `json:"test_path"`
	Target             string                    `json:"target"`
	DeviceRequirements models.DeviceRequirements `json:"device_requirements"`
	Priority           int                       `json:"priority"`
	TimeoutMS          int64                     `json:"timeout_ms"`
	RetryBudget        int                       `json:"retry_budget"`
	ClientRequestID    string                    `json:"client_request_id,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// registerRequest is the POST /agents payload.
type registerRequest struct {
	Capabilities         models.AgentCapabilities `json:"capabilities"`
	MaxConcurrentBatches int                      `json:"max_concurrent_batches"`
}

// heartbeatRequest is the POST /agents/{id}/heartbeat payload. BatchIDs
// is the agent's own view of what it is running, used to detect
// batches the registry has already reclaimed.
type heartbeatRequest struct {
	Status   string   `json:"status,omitempty"`
	BatchIDs []string `json:"batch_ids,omitempty"`
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

type progressRequest struct {
	AgentID        string `json:"agent_id"`
	JobID          string `json:"job_id"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps,omitempty"`
	Message        string `json:"message,omitempty"`
}

// reportRequest is the POST /batches/{id}/report payload: one member
// job's terminal outcome.
type reportRequest struct {
	AgentID      string        `json:"agent_id"`
	JobID        string        `json:"job_id"`
	Success      bool          `json:"success"`
	Counts       models.Counts `json:"counts"`
	ArtifactsURI string        `json:"artifacts_uri,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}
