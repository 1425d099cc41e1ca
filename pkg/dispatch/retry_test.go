package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayops/actionqueue/pkg/executor"
	"github.com/relayops/actionqueue/pkg/store"
)

func retryAction(attempt int) *store.Action {
	return &store.Action{
		ID:              "a1",
		MaxAttempts:     3,
		Attempt:         attempt,
		BackoffSchedule: []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
	}
}

func TestResolveFailure_BackoffProgression(t *testing.T) {
	now := time.Now().UTC()
	execErr := errors.New("boom")

	// First failure waits 10s, second 30s, third exhausts the budget.
	out := resolveFailure(retryAction(0), execErr, now)
	assert.False(t, out.terminal)
	assert.Equal(t, 1, out.attempt)
	assert.Equal(t, now.Add(10*time.Second), out.nextRetryAt)

	out = resolveFailure(retryAction(1), execErr, now)
	assert.False(t, out.terminal)
	assert.Equal(t, 2, out.attempt)
	assert.Equal(t, now.Add(30*time.Second), out.nextRetryAt)

	out = resolveFailure(retryAction(2), execErr, now)
	assert.True(t, out.terminal)
	assert.Equal(t, 3, out.attempt)
	assert.Equal(t, "execution_error", out.errInfo.Code)
}

func TestResolveFailure_ScheduleShorterThanBudget(t *testing.T) {
	now := time.Now().UTC()
	a := &store.Action{
		ID:              "a1",
		MaxAttempts:     5,
		Attempt:         3,
		BackoffSchedule: []time.Duration{10 * time.Second, 30 * time.Second},
	}

	// Last schedule entry repeats once exhausted.
	out := resolveFailure(a, errors.New("boom"), now)
	assert.False(t, out.terminal)
	assert.Equal(t, now.Add(30*time.Second), out.nextRetryAt)
}

func TestResolveFailure_TerminalErrorBypassesRetry(t *testing.T) {
	now := time.Now().UTC()

	out := resolveFailure(retryAction(0), executor.Terminal("invalid_config", "bad url"), now)
	assert.True(t, out.terminal)
	assert.Equal(t, 1, out.attempt)
	assert.Equal(t, "invalid_config", out.errInfo.Code)
}

func TestResolveFailure_TimeoutIsRetryable(t *testing.T) {
	now := time.Now().UTC()

	out := resolveFailure(retryAction(0), context.DeadlineExceeded, now)
	assert.False(t, out.terminal)
	assert.Equal(t, "timeout", out.errInfo.Code)
}
