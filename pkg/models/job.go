package models

import "time"

// Counts summarizes per-job test outcomes reported by the agent.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// JobResult is the terminal outcome of a job. ArtifactsURI is opaque to
// the orchestrator.
type JobResult struct {
	Success      bool        `json:"success"`
	Counts       Counts      `json:"counts"`
	ArtifactsURI string      `json:"artifacts_uri,omitempty"`
	ErrorKind    FailureKind `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// JobProgress is the best-effort progress note an agent sends while a
// member job runs. It may lag behind reality.
type JobProgress struct {
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Job is one submitted test execution request.
type Job struct {
	ID                 string
	OrgID              string
	AppVersionID       string
	TestPath           string
	Target             Target
	DeviceRequirements DeviceRequirements
	Priority           int
	Timeout            time.Duration
	RetryBudget        int

	State   JobState
	BatchID *string
	Attempt int

	ClientRequestID string
	CancelRequested bool
	CancelReason    string

	// NotBefore withholds a retried job from batching until its backoff
	// expires. Nil means immediately eligible.
	NotBefore *time.Time

	Progress *JobProgress
	Result   *JobResult

	SubmittedAt    time.Time
	StateChangedAt time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time

	Revision int64
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	out := *j
	if j.BatchID != nil {
		v := *j.BatchID
		out.BatchID = &v
	}
	if j.NotBefore != nil {
		v := *j.NotBefore
		out.NotBefore = &v
	}
	if j.Progress != nil {
		v := *j.Progress
		out.Progress = &v
	}
	if j.Result != nil {
		v := *j.Result
		out.Result = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.FinishedAt != nil {
		v := *j.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

// Eligible reports whether the job may be batched at the given instant:
// pending, unbatched, not cancel-requested, and past any retry backoff.
func (j *Job) Eligible(now time.Time) bool {
	if j.State != JobStatePending || j.BatchID != nil || j.CancelRequested {
		return false
	}
	return j.NotBefore == nil || !now.Before(*j.NotBefore)
}

// JobFilters selects jobs for listing. Zero values mean "any".
type JobFilters struct {
	OrgID        string
	State        JobState
	AppVersionID string
	Target       Target
	Limit        int
	Offset       int
}

// JobList is a paginated job listing.
type JobList struct {
	Jobs       []*Job
	TotalCount int
	Limit      int
	Offset     int
}
