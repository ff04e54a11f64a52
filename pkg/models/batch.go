package models

import "time"

// PriorityScale is the multiplier applied to base priority when computing
// effective priority, so that priority dominates the age bonus.
const PriorityScale = 1000

// MaxAgeBonus caps the age bonus below one priority level.
const MaxAgeBonus = PriorityScale / 2

// Batch is the unit actually scheduled: a sealed group of compatible jobs
// dispatched together to one agent.
type Batch struct {
	ID           string
	OrgID        string
	AppVersionID string
	Target       Target

	// DeviceRequirements is the intersection of all member predicates,
	// computed at seal time.
	DeviceRequirements DeviceRequirements

	// MemberJobIDs preserves the order members were sealed in; this is the
	// order the agent receives.
	MemberJobIDs []string

	// Priority is the max priority among members at seal time.
	Priority int

	State           BatchState
	AgentID         *string
	CancelRequested bool

	// OldestSubmittedAt is the submission time of the oldest member, used
	// for the age bonus and scheduling tie-breaks.
	OldestSubmittedAt time.Time

	SealedAt       time.Time
	AssignedAt     *time.Time
	StartedAt      *time.Time
	Deadline       *time.Time
	LeaseExpiresAt *time.Time
	StateChangedAt time.Time

	Revision int64
}

// EffectivePriority is the scheduling score: base priority scaled by
// PriorityScale plus an age bonus of one point per minute waited, capped
// at MaxAgeBonus so priority always dominates but aging prevents
// starvation.
func (b *Batch) EffectivePriority(now time.Time) int64 {
	age := int64(now.Sub(b.OldestSubmittedAt).Seconds())
	if age < 0 {
		age = 0
	}
	bonus := age / 60
	if bonus > MaxAgeBonus {
		bonus = MaxAgeBonus
	}
	return int64(b.Priority)*PriorityScale + bonus
}

// Clone returns a deep copy of the batch.
func (b *Batch) Clone() *Batch {
	out := *b
	out.MemberJobIDs = append([]string(nil), b.MemberJobIDs...)
	if b.AgentID != nil {
		v := *b.AgentID
		out.AgentID = &v
	}
	for _, p := range []**time.Time{&out.AssignedAt, &out.StartedAt, &out.Deadline, &out.LeaseExpiresAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return &out
}

// HasMember reports whether jobID is a member of the batch.
func (b *Batch) HasMember(jobID string) bool {
	for _, id := range b.MemberJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}
