package store

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an action.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Urgency is informational only; it never affects claim ordering.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// DependencyMode selects how a set of prerequisite actions gates eligibility.
type DependencyMode string

const (
	DependencyAll DependencyMode = "all"
	DependencyAny DependencyMode = "any"
)

// ApprovalStatus tracks the human-approval state of a gated action.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// ErrorInfo is the failure record set when an action ends up failed.
type ErrorInfo struct {
	Code    string `json:"code" bson:"code"`
	Message string `json:"message" bson:"message"`
}

// Action represents one unit of dispatchable work stored in the queue.
type Action struct {
	ID             string          `json:"id" bson:"_id"`
	OwnerID        string          `json:"owner_id" bson:"owner_id"`
	ParentActionID string          `json:"parent_action_id,omitempty" bson:"parent_action_id,omitempty"`
	ActionType     string          `json:"action_type" bson:"action_type"`
	ActionTarget   string          `json:"action_target" bson:"action_target"`
	ActionPayload  json.RawMessage `json:"action_payload,omitempty" bson:"action_payload,omitempty"`
	ActionConfig   json.RawMessage `json:"action_config,omitempty" bson:"action_config,omitempty"`

	Status   Status  `json:"status" bson:"status"`
	Priority int     `json:"priority" bson:"priority"` // 1 = highest, 10 = lowest
	Urgency  Urgency `json:"urgency" bson:"urgency"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty" bson:"scheduled_for,omitempty"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty" bson:"execute_after,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`

	RequiresApproval bool           `json:"requires_approval" bson:"requires_approval"`
	ApprovalStatus   ApprovalStatus `json:"approval_status,omitempty" bson:"approval_status,omitempty"`
	ApprovalNote     string         `json:"approval_note,omitempty" bson:"approval_note,omitempty"`

	MaxAttempts     int             `json:"max_attempts" bson:"max_attempts"`
	Attempt         int             `json:"attempt" bson:"attempt"`
	BackoffSchedule []time.Duration `json:"backoff_schedule,omitempty" bson:"backoff_schedule,omitempty"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty" bson:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty" bson:"next_retry_at,omitempty"`

	DependsOn      []string       `json:"depends_on,omitempty" bson:"depends_on,omitempty"`
	DependencyMode DependencyMode `json:"dependency_mode,omitempty" bson:"dependency_mode,omitempty"`

	Result json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty" bson:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// BackoffDelay returns the delay preceding the given retry attempt (1-based).
// The last schedule entry repeats once the schedule is exhausted.
func (a *Action) BackoffDelay(attempt int) time.Duration {
	if len(a.BackoffSchedule) == 0 {
		return 0
	}
	idx := attempt
	if idx > len(a.BackoffSchedule) {
		idx = len(a.BackoffSchedule)
	}
	if idx < 1 {
		idx = 1
	}
	return a.BackoffSchedule[idx-1]
}
