package executor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relayops/actionqueue/pkg/store"
)

// Invocation carries the fields an executor needs from a claimed action. The
// payload and config documents are opaque to the queue and interpreted only
// here.
type Invocation struct {
	ActionID     string
	OwnerID      string
	ActionType   string
	ActionTarget string
	Payload      json.RawMessage
	Config       json.RawMessage
}

// Executor performs the actual side effect for one action_type/action_target
// pair. Implementations should be idempotent-safe where possible: the queue
// guarantees exactly-once claim, not exactly-once execution.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// TerminalError marks a failure that must not be retried regardless of the
// action's remaining attempts.
type TerminalError struct {
	Code    string
	Message string
}

func (e *TerminalError) Error() string {
	return e.Code + ": " + e.Message
}

// Terminal wraps a failure so the dispatcher routes it straight to failed.
func Terminal(code, message string) error {
	return &TerminalError{Code: code, Message: message}
}

// IsTerminal reports whether the error bypasses the retry manager.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Classify converts an executor failure into the error record persisted on
// the action. Deadline expiry maps to a retryable timeout.
func Classify(err error) store.ErrorInfo {
	var te *TerminalError
	if errors.As(err, &te) {
		return store.ErrorInfo{Code: te.Code, Message: te.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.ErrorInfo{Code: "timeout", Message: err.Error()}
	}
	return store.ErrorInfo{Code: "execution_error", Message: err.Error()}
}
