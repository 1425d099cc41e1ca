package executor

import (
	"fmt"
	"sync"
)

// Registry maps action_type/action_target pairs to executors. A registration
// with an empty target acts as the fallback for every target of that type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func registryKey(actionType, actionTarget string) string {
	return actionType + "/" + actionTarget
}

// Register binds an executor to an action_type/action_target pair. Pass an
// empty target to handle every target of the type.
func (r *Registry) Register(actionType, actionTarget string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[registryKey(actionType, actionTarget)] = e
}

// Lookup resolves the executor for a claimed action: exact pair first, then
// the type-wide fallback.
func (r *Registry) Lookup(actionType, actionTarget string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[registryKey(actionType, actionTarget)]; ok {
		return e, nil
	}
	if e, ok := r.executors[registryKey(actionType, "")]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for %s/%s", actionType, actionTarget)
}
