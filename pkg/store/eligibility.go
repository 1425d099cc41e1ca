package store

import "time"

// Approved implements the approval gate: actions that never asked for
// approval pass, otherwise only approved / auto_approved pass. A rejected
// approval keeps the action parked until a producer resets it.
func Approved(a *Action) bool {
	if !a.RequiresApproval {
		return true
	}
	return a.ApprovalStatus == ApprovalApproved || a.ApprovalStatus == ApprovalAutoApproved
}

// DependenciesSatisfied evaluates the action's prerequisite set against the
// supplied statuses. Ids missing from the map count as unsatisfied: a
// dangling reference must fail safe, not fail open.
func DependenciesSatisfied(a *Action, statuses map[string]Status) bool {
	if len(a.DependsOn) == 0 {
		return true
	}
	if a.DependencyMode == DependencyAny {
		for _, id := range a.DependsOn {
			if statuses[id] == StatusCompleted {
				return true
			}
		}
		return false
	}
	for _, id := range a.DependsOn {
		if statuses[id] != StatusCompleted {
			return false
		}
	}
	return true
}

// TimeGatesOpen checks the scheduling windows: scheduled_for, execute_after
// and next_retry_at must have passed and expires_at must not have.
func TimeGatesOpen(a *Action, now time.Time) bool {
	if a.ScheduledFor != nil && a.ScheduledFor.After(now) {
		return false
	}
	if a.ExecuteAfter != nil && a.ExecuteAfter.After(now) {
		return false
	}
	if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Eligible combines every gate except dependency lookup: claimable status,
// open time windows and a passed approval gate.
func Eligible(a *Action, now time.Time) bool {
	if a.Status != StatusQueued && a.Status != StatusScheduled {
		return false
	}
	return TimeGatesOpen(a, now) && Approved(a)
}
