package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a mutex-guarded in-memory ActionRepository. It backs
// the "memory" database type and the behavioral tests; the single lock around
// Claim gives the same atomic read-modify-write the SQL backends get from
// their transactions.
type MemoryRepository struct {
	mu      sync.Mutex
	actions map[string]*Action
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{actions: make(map[string]*Action)}
}

func (m *MemoryRepository) Insert(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return fmt.Errorf("action %s already exists", a.ID)
	}
	cp := *a
	m.actions[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) List(ctx context.Context, f ListFilter) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Action
	for _, a := range m.actions {
		if f.OwnerID != "" && a.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortByClaimOrder(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) StatusesOf(ctx context.Context, ids []string) (map[string]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make(map[string]Status, len(ids))
	for _, id := range ids {
		if a, ok := m.actions[id]; ok {
			statuses[id] = a.Status
		}
	}
	return statuses, nil
}

func (m *MemoryRepository) Claim(ctx context.Context, now time.Time) (*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Action
	for _, a := range m.actions {
		if Eligible(a, now) {
			candidates = append(candidates, a)
		}
	}
	sortByClaimOrder(candidates)

	for _, a := range candidates {
		if !m.dependenciesSatisfiedLocked(a) {
			continue
		}
		a.Status = StatusInProgress
		a.UpdatedAt = now
		cp := *a
		return &cp, nil
	}
	return nil, ErrNoCandidates
}

func (m *MemoryRepository) dependenciesSatisfiedLocked(a *Action) bool {
	if len(a.DependsOn) == 0 {
		return true
	}
	statuses := make(map[string]Status, len(a.DependsOn))
	for _, id := range a.DependsOn {
		if dep, ok := m.actions[id]; ok {
			statuses[id] = dep.Status
		}
	}
	return DependenciesSatisfied(a, statuses)
}

func (m *MemoryRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.claimedLocked(id)
	if err != nil {
		return err
	}
	a.Status = StatusCompleted
	a.Result = result
	a.Error = nil
	a.NextRetryAt = nil
	a.CompletedAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, id string, attempt int, errInfo ErrorInfo, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.claimedLocked(id)
	if err != nil {
		return err
	}
	a.Status = StatusFailed
	a.Attempt = attempt
	a.Error = &errInfo
	a.NextRetryAt = nil
	a.LastAttemptAt = &now
	a.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) Reschedule(ctx context.Context, id string, attempt int, nextRetryAt time.Time, errInfo ErrorInfo, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.claimedLocked(id)
	if err != nil {
		return err
	}
	a.Status = StatusQueued
	a.Attempt = attempt
	a.Error = &errInfo
	a.NextRetryAt = &nextRetryAt
	a.LastAttemptAt = &now
	a.UpdatedAt = now
	return nil
}

// claimedLocked enforces the terminal-wins rule: finishing writes only apply
// to actions still in_progress.
func (m *MemoryRepository) claimedLocked(id string) (*Action, error) {
	a, ok := m.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != StatusInProgress {
		if a.Status.Terminal() {
			return nil, ErrTerminalStatus
		}
		return nil, fmt.Errorf("action %s is %s, not in_progress", id, a.Status)
	}
	return a, nil
}

func (m *MemoryRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.actions {
		if a.Status != StatusQueued && a.Status != StatusScheduled {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			a.Status = StatusExpired
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) PendingApprovals(ctx context.Context, ownerID string) ([]*Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Action
	for _, a := range m.actions {
		if a.OwnerID != ownerID || !a.RequiresApproval || a.ApprovalStatus != ApprovalPending {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sortByClaimOrder(out)
	return out, nil
}

func (m *MemoryRepository) SetApproval(ctx context.Context, id string, status ApprovalStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.ApprovalStatus != ApprovalPending {
		return ErrApprovalNotPending
	}
	a.ApprovalStatus = status
	a.ApprovalNote = note
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status.Terminal() {
		return ErrTerminalStatus
	}
	a.Status = StatusCancelled
	a.UpdatedAt = time.Now()
	return nil
}

// sortByClaimOrder applies the claim total order: ascending priority, then
// ascending created_at, then id as the final deterministic tie-break.
func sortByClaimOrder(actions []*Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		if !actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].CreatedAt.Before(actions[j].CreatedAt)
		}
		return actions[i].ID < actions[j].ID
	})
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
