package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relayops/actionqueue/pkg/metrics"
	"github.com/relayops/actionqueue/pkg/store"
)

// Defaults fills in scheduling fields a producer omits.
type Defaults struct {
	Priority    int
	MaxAttempts int
	Backoff     []time.Duration
}

// Service is the producer surface of the queue: enqueue, approvals and
// cancellation. Producers never mutate scheduling or status fields directly;
// everything past insertion belongs to the dispatcher and sweeper.
type Service struct {
	repo     store.ActionRepository
	defaults Defaults
	validate *validator.Validate
	wake     func()
}

// NewService builds the producer service. The wake callback, when non-nil, is
// invoked after each enqueue so an idle dispatcher can skip the rest of its
// poll interval.
func NewService(repo store.ActionRepository, defaults Defaults, wake func()) *Service {
	return &Service{
		repo:     repo,
		defaults: defaults,
		validate: validator.New(),
		wake:     wake,
	}
}

// EnqueueRequest is the validated producer input. Malformed requests are
// rejected synchronously and never stored.
type EnqueueRequest struct {
	OwnerID          string          `json:"owner_id" validate:"required"`
	ParentActionID   string          `json:"parent_action_id,omitempty"`
	ActionType       string          `json:"action_type" validate:"required"`
	ActionTarget     string          `json:"action_target" validate:"required"`
	ActionPayload    json.RawMessage `json:"action_payload" validate:"required"`
	ActionConfig     json.RawMessage `json:"action_config,omitempty"`
	Priority         int             `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	Urgency          string          `json:"urgency,omitempty" validate:"omitempty,oneof=low medium high critical"`
	RequiresApproval bool            `json:"requires_approval,omitempty"`
	ScheduledFor     *time.Time      `json:"scheduled_for,omitempty"`
	ExecuteAfter     *time.Time      `json:"execute_after,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty"`
	DependencyMode   string          `json:"dependency_mode,omitempty" validate:"omitempty,oneof=all any"`
	MaxAttempts      int             `json:"max_attempts,omitempty" validate:"omitempty,min=1"`
	BackoffSchedule  []time.Duration `json:"backoff_schedule,omitempty"`
}

// Enqueue validates the request, applies defaults and inserts the action in
// queued status (scheduled when scheduled_for is set). Returns the stored
// action with its generated id.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*store.Action, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enqueue request: %w", err)
	}

	now := time.Now().UTC()
	a := &store.Action{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		ParentActionID:   req.ParentActionID,
		ActionType:       req.ActionType,
		ActionTarget:     req.ActionTarget,
		ActionPayload:    req.ActionPayload,
		ActionConfig:     req.ActionConfig,
		Status:           store.StatusQueued,
		Priority:         req.Priority,
		Urgency:          store.Urgency(req.Urgency),
		ScheduledFor:     req.ScheduledFor,
		ExecuteAfter:     req.ExecuteAfter,
		ExpiresAt:        req.ExpiresAt,
		RequiresApproval: req.RequiresApproval,
		MaxAttempts:      req.MaxAttempts,
		BackoffSchedule:  req.BackoffSchedule,
		DependsOn:        req.DependsOn,
		DependencyMode:   store.DependencyMode(req.DependencyMode),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.ScheduledFor != nil {
		a.Status = store.StatusScheduled
	}
	if a.Priority == 0 {
		a.Priority = s.defaults.Priority
	}
	if a.Urgency == "" {
		a.Urgency = store.UrgencyMedium
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = s.defaults.MaxAttempts
	}
	if len(a.BackoffSchedule) == 0 {
		a.BackoffSchedule = s.defaults.Backoff
	}
	if len(a.DependsOn) > 0 && a.DependencyMode == "" {
		a.DependencyMode = store.DependencyAll
	}
	if a.RequiresApproval {
		a.ApprovalStatus = store.ApprovalPending
	}

	if err := s.repo.Insert(ctx, a); err != nil {
		return nil, err
	}
	metrics.IncEnqueued()

	if s.wake != nil {
		s.wake()
	}
	return a, nil
}

// Get returns a single action.
func (s *Service) Get(ctx context.Context, id string) (*store.Action, error) {
	return s.repo.Get(ctx, id)
}

// List returns actions matching the filter.
func (s *Service) List(ctx context.Context, f store.ListFilter) ([]*store.Action, error) {
	return s.repo.List(ctx, f)
}

// PendingApprovals lists the owner's approval backlog.
func (s *Service) PendingApprovals(ctx context.Context, ownerID string) ([]*store.Action, error) {
	return s.repo.PendingApprovals(ctx, ownerID)
}

// Approve resolves a pending approval positively; the action becomes
// claimable on the next eligibility evaluation.
func (s *Service) Approve(ctx context.Context, id, note string) error {
	if err := s.repo.SetApproval(ctx, id, store.ApprovalApproved, note); err != nil {
		return err
	}
	if s.wake != nil {
		s.wake()
	}
	return nil
}

// Reject resolves a pending approval negatively. Rejection parks the action
// until a producer resets it or it expires.
func (s *Service) Reject(ctx context.Context, id, note string) error {
	return s.repo.SetApproval(ctx, id, store.ApprovalRejected, note)
}

// Cancel transitions a non-terminal action to cancelled. An executor already
// running is not interrupted; its finishing write loses to the cancel.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	metrics.IncCancelled()
	return nil
}
