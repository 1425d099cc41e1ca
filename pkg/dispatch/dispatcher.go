package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayops/actionqueue/pkg/config"
	"github.com/relayops/actionqueue/pkg/executor"
	"github.com/relayops/actionqueue/pkg/metrics"
	"github.com/relayops/actionqueue/pkg/store"
)

// Dispatcher runs a pool of workers that poll the store, claim eligible
// actions one at a time and hand them to the registered executor. Workers
// share nothing but the store handle; every claim is an atomic store
// operation, so two workers can never run the same action.
type Dispatcher struct {
	repo            store.ActionRepository
	registry        *executor.Registry
	tracer          trace.Tracer
	workers         int
	pollInterval    time.Duration
	executorTimeout time.Duration

	wakeup chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(repo store.ActionRepository, registry *executor.Registry, cfg config.QueueSettings) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Dispatcher{
		repo:            repo,
		registry:        registry,
		tracer:          otel.Tracer("actionqueue"),
		workers:         workers,
		pollInterval:    pollInterval,
		executorTimeout: cfg.ExecutorTimeout,
		wakeup:          make(chan struct{}, workers),
	}
}

// Start launches the worker pool. It returns immediately; call Shutdown to
// stop the workers.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	log.Printf("dispatcher: starting %d workers", d.workers)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.runWorker(runCtx, fmt.Sprintf("worker-%d", id))
		}(i)
	}
}

// Wakeup nudges an idle worker so a fresh enqueue or approval does not have
// to wait out the poll interval. Non-blocking; a full channel means workers
// are already busy.
func (d *Dispatcher) Wakeup() {
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

// Shutdown cancels the workers and waits up to timeout for them to exit.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	if d.cancel == nil {
		return
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("dispatcher: all workers exited cleanly")
	case <-time.After(timeout):
		log.Printf("dispatcher: shutdown timed out after %v, some workers may still be running", timeout)
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, id string) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	log.Printf("dispatcher: %s started", id)
	for {
		select {
		case <-ctx.Done():
			log.Printf("dispatcher: %s stopping", id)
			return
		case <-ticker.C:
			d.drain(ctx, id)
		case <-d.wakeup:
			d.drain(ctx, id)
		}
	}
}

// drain claims and dispatches until the candidate pool is empty.
func (d *Dispatcher) drain(ctx context.Context, id string) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := d.repo.Claim(ctx, time.Now().UTC())
		if errors.Is(err, store.ErrNoCandidates) {
			return
		}
		if err != nil {
			log.Printf("dispatcher: %s claim failed: %v", id, err)
			return
		}
		metrics.IncClaimed()
		d.dispatchOne(ctx, claimed)
	}
}

// dispatchOne runs the executor for a claimed action and routes the outcome.
// The claim already released the store transaction, so a slow executor never
// holds a store-level lock.
func (d *Dispatcher) dispatchOne(ctx context.Context, a *store.Action) {
	ctx, span := d.tracer.Start(ctx, "DispatchAction", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.type", a.ActionType),
		attribute.String("action.target", a.ActionTarget),
		attribute.Int("action.priority", a.Priority),
		attribute.Int("action.attempt", a.Attempt),
	))
	defer span.End()

	now := time.Now().UTC()

	exec, err := d.registry.Lookup(a.ActionType, a.ActionTarget)
	if err != nil {
		d.finishFailure(ctx, span, a, executor.Terminal("no_executor", err.Error()), now)
		return
	}

	start := time.Now()
	result, execErr := d.invoke(ctx, exec, executor.Invocation{
		ActionID:     a.ID,
		OwnerID:      a.OwnerID,
		ActionType:   a.ActionType,
		ActionTarget: a.ActionTarget,
		Payload:      a.ActionPayload,
		Config:       a.ActionConfig,
	})
	metrics.ObserveExecution(a.ActionType, time.Since(start).Seconds())

	if execErr != nil {
		d.finishFailure(ctx, span, a, execErr, time.Now().UTC())
		return
	}

	if err := d.repo.MarkCompleted(ctx, a.ID, result, time.Now().UTC()); err != nil {
		// A concurrent cancel may have finalized the action; terminal wins.
		if errors.Is(err, store.ErrTerminalStatus) {
			log.Printf("dispatcher: action %s finished after concurrent terminal transition", a.ID)
			return
		}
		span.RecordError(err)
		log.Printf("dispatcher: mark completed %s failed: %v", a.ID, err)
		return
	}
	metrics.IncCompleted()
}

// invoke runs the executor under the configured timeout. The call runs in
// its own goroutine so a hung executor cannot wedge the worker; the
// goroutine's eventual result is discarded once the deadline fires.
func (d *Dispatcher) invoke(ctx context.Context, exec executor.Executor, inv executor.Invocation) (json.RawMessage, error) {
	if d.executorTimeout <= 0 {
		return exec.Execute(ctx, inv)
	}

	execCtx, cancel := context.WithTimeout(ctx, d.executorTimeout)
	defer cancel()

	done := make(chan struct{})
	var result json.RawMessage
	var err error
	go func() {
		result, err = exec.Execute(execCtx, inv)
		close(done)
	}()

	select {
	case <-execCtx.Done():
		return nil, execCtx.Err()
	case <-done:
		return result, err
	}
}

func (d *Dispatcher) finishFailure(ctx context.Context, span trace.Span, a *store.Action, execErr error, now time.Time) {
	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())

	outcome := resolveFailure(a, execErr, now)
	if outcome.terminal {
		err := d.repo.MarkFailed(ctx, a.ID, outcome.attempt, outcome.errInfo, now)
		if err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			log.Printf("dispatcher: mark failed %s: %v", a.ID, err)
			return
		}
		metrics.IncFailed(outcome.errInfo.Code)
		return
	}

	err := d.repo.Reschedule(ctx, a.ID, outcome.attempt, outcome.nextRetryAt, outcome.errInfo, now)
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			// Cancelled or expired while executing; leave it be.
			return
		}
		log.Printf("dispatcher: reschedule %s: %v", a.ID, err)
		return
	}
	metrics.IncRetried()
}
