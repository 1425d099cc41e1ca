package dispatch

import (
	"time"

	"github.com/relayops/actionqueue/pkg/executor"
	"github.com/relayops/actionqueue/pkg/store"
)

type failureOutcome struct {
	terminal    bool
	attempt     int
	nextRetryAt time.Time
	errInfo     store.ErrorInfo
}

// resolveFailure decides what happens after a failed attempt. Terminal
// executor errors and exhausted budgets fail the action; everything else,
// timeouts included, reschedules it with the next backoff delay.
func resolveFailure(a *store.Action, execErr error, now time.Time) failureOutcome {
	attempt := a.Attempt + 1
	errInfo := executor.Classify(execErr)

	if executor.IsTerminal(execErr) || attempt >= a.MaxAttempts {
		return failureOutcome{terminal: true, attempt: attempt, errInfo: errInfo}
	}
	return failureOutcome{
		attempt:     attempt,
		nextRetryAt: now.Add(a.BackoffDelay(attempt)),
		errInfo:     errInfo,
	}
}
