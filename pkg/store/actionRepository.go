package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no action exists for the given id.
	ErrNotFound = errors.New("action not found")
	// ErrNoCandidates is returned by Claim when nothing is eligible.
	ErrNoCandidates = errors.New("no eligible actions")
	// ErrTerminalStatus is returned when a write targets an action whose
	// status is already final (completed, failed, cancelled, expired).
	ErrTerminalStatus = errors.New("action status is terminal")
	// ErrApprovalNotPending is returned by SetApproval when the action is
	// not awaiting approval.
	ErrApprovalNotPending = errors.New("approval is not pending")
)

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	OwnerID  string
	Statuses []Status
	Limit    int
}

// ActionRepository defines the storage operations for queued actions. The
// store is the only shared mutable resource between dispatcher workers; every
// coordination point below is an atomic read-modify-write on one action.
type ActionRepository interface {
	// Insert persists a new action. The caller assigns ID and CreatedAt.
	Insert(ctx context.Context, a *Action) error
	// Get returns a single action by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Action, error)
	// List returns actions matching the filter, ordered by priority then
	// created_at.
	List(ctx context.Context, f ListFilter) ([]*Action, error)
	// StatusesOf returns the status of each existing id. Missing ids are
	// absent from the result map rather than an error.
	StatusesOf(ctx context.Context, ids []string) (map[string]Status, error)

	// Claim atomically selects the highest-priority eligible action, marks
	// it in_progress and returns it. Two concurrent callers never receive
	// the same action; an empty candidate pool yields ErrNoCandidates.
	Claim(ctx context.Context, now time.Time) (*Action, error)

	// MarkCompleted finishes a claimed action with its result. The write is
	// conditional on status=in_progress so a concurrent cancel wins.
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	// MarkFailed finishes a claimed action terminally.
	MarkFailed(ctx context.Context, id string, attempt int, errInfo ErrorInfo, now time.Time) error
	// Reschedule returns a claimed action to the queued pool with an
	// incremented attempt count and a retry gate.
	Reschedule(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errInfo ErrorInfo, now time.Time) error

	// ExpireOverdue transitions every undispatched action whose deadline
	// has passed to expired and reports how many rows changed. Idempotent.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)

	// PendingApprovals lists the owner's approval backlog ordered by
	// priority then created_at.
	PendingApprovals(ctx context.Context, ownerID string) ([]*Action, error)
	// SetApproval resolves a pending approval. Only valid while the action
	// still carries ApprovalPending.
	SetApproval(ctx context.Context, id string, status ApprovalStatus, note string) error
	// Cancel transitions a non-terminal action to cancelled.
	Cancel(ctx context.Context, id string) error
}
