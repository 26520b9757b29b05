// Package engine runs rule executions: it consumes routed events, opens
// ledger records under the idempotency guard, walks the action list through
// the dispatcher, and owns suspension and resumption around approval gates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmkit/automation/internal/approval"
	"github.com/crmkit/automation/internal/capability"
	"github.com/crmkit/automation/internal/eval"
	"github.com/crmkit/automation/internal/event"
	"github.com/crmkit/automation/internal/ledger"
	"github.com/crmkit/automation/internal/rule"
)

// FailureApprovalRejected is the failure reason recorded when an approval
// chain closes rejected.
const FailureApprovalRejected = "ApprovalRejected"

// TickCompleter is the scheduler's completion hook: Complete once a
// tick-triggered execution reaches a terminal state or suspends, Abandon when
// the execution never started, so the occurrence stays due instead of the
// entry staying claimed forever.
type TickCompleter interface {
	Complete(ctx context.Context, tenantID, ruleID, tickID string) error
	Abandon(ctx context.Context, tenantID, ruleID, tickID string) error
}

const (
	defaultQueueSize  = 1024
	defaultMaxWorkers = 32
)

// Executor is the engine core. It implements event.Subscriber for bus wiring
// and approval.Resumer for post-decision resumption.
type Executor struct {
	registry   *rule.Registry
	router     *event.Router
	store      ledger.Store
	dispatcher *Dispatcher
	approvals  *approval.Manager
	objects    capability.ObjectStore
	ticks      TickCompleter
	logger     *zap.SugaredLogger

	queue chan *event.Event
	sem   chan struct{}
	wg    sync.WaitGroup
}

func NewExecutor(registry *rule.Registry, router *event.Router, store ledger.Store, dispatcher *Dispatcher, approvals *approval.Manager, objects capability.ObjectStore, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		registry:   registry,
		router:     router,
		store:      store,
		dispatcher: dispatcher,
		approvals:  approvals,
		objects:    objects,
		logger:     logger,
		queue:      make(chan *event.Event, defaultQueueSize),
		sem:        make(chan struct{}, defaultMaxWorkers),
	}
}

// SetTickCompleter wires the scheduler's completion hook.
func (x *Executor) SetTickCompleter(t TickCompleter) { x.ticks = t }

// Handle implements event.Subscriber: enqueue and return, so publishers
// (the CRUD layer's transaction path included) never block on execution.
func (x *Executor) Handle(_ context.Context, evt *event.Event) {
	select {
	case x.queue <- evt:
	default:
		x.logger.Errorw("Event queue full, dropping event",
			"event_id", evt.ID, "tenant_id", evt.TenantID, "kind", evt.Kind)
	}
}

// Start consumes the queue until ctx is cancelled.
func (x *Executor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-x.queue:
				if err := x.HandleEvent(ctx, evt); err != nil {
					x.logger.Errorw("Event handling failed",
						"event_id", evt.ID, "error", err)
				}
			}
		}
	}()
}

// HandleEvent routes evt and starts one execution per matched rule. Each
// execution runs on its own goroutine, bounded by the worker semaphore;
// actions within an execution stay strictly sequential.
func (x *Executor) HandleEvent(ctx context.Context, evt *event.Event) error {
	matched, err := x.router.Route(ctx, evt)
	if err != nil {
		x.abandonTick(ctx, evt)
		return fmt.Errorf("route event %s: %w", evt.ID, err)
	}
	for _, rl := range matched {
		rl := rl
		x.wg.Add(1)
		x.sem <- struct{}{}
		go func() {
			defer x.wg.Done()
			defer func() { <-x.sem }()
			x.process(ctx, rl, evt)
		}()
	}
	return nil
}

// Wait blocks until every started execution has come to rest. Used by tests
// and by graceful shutdown.
func (x *Executor) Wait() { x.wg.Wait() }

func (x *Executor) process(ctx context.Context, rl *rule.Rule, evt *event.Event) {
	snapshot := executionSnapshot(evt)

	matched := eval.Evaluate(x.registry.Schemas(), rl.Conditions, eval.Snapshot{
		ObjectType: evt.ObjectType,
		Before:     evt.Before,
		After:      snapshot,
		Now:        time.Now().UTC(),
	})
	if !matched {
		x.logger.Debugw("Conditions not met",
			"tenant_id", evt.TenantID, "rule_id", rl.ID, "event_id", evt.ID)
		x.completeTick(ctx, evt)
		return
	}

	exec := &ledger.Execution{
		ID:             uuid.NewString(),
		TenantID:       evt.TenantID,
		RuleID:         rl.ID,
		IdempotencyKey: ledger.Key(rl.ID, evt.Identity()),
		TriggerKind:    string(rl.Trigger.Kind),
		ObjectType:     evt.ObjectType,
		ObjectID:       evt.ObjectID,
		Snapshot:       snapshot,
		StartedAt:      time.Now().UTC(),
	}
	if err := x.store.Open(ctx, exec); err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateInFlight):
			// Duplicate delivery racing the live execution: no-op.
			x.logger.Infow("Duplicate event suppressed",
				"tenant_id", evt.TenantID, "rule_id", rl.ID, "event_id", evt.ID)
		case errors.Is(err, ledger.ErrAlreadyCompleted):
			x.logger.Infow("Duplicate event suppressed, occurrence already handled",
				"tenant_id", evt.TenantID, "rule_id", rl.ID, "event_id", evt.ID)
			x.completeTick(ctx, evt)
		default:
			x.logger.Errorw("Failed to open execution",
				"tenant_id", evt.TenantID, "rule_id", rl.ID, "error", err)
			x.abandonTick(ctx, evt)
		}
		return
	}

	if x.rateLimited(ctx, rl, exec) {
		x.closeExecution(ctx, exec, ledger.StatusSkipped, "daily execution limit reached")
		x.completeTick(ctx, evt)
		return
	}

	if err := x.store.MarkRunning(ctx, exec.TenantID, exec.ID); err != nil {
		x.logger.Errorw("Failed to mark execution running",
			"execution_id", exec.ID, "error", err)
		// Close the record failed so the key readmits a later attempt, and
		// hand the tick back to the scheduler unadvanced.
		x.closeExecution(ctx, exec, ledger.StatusFailed, "could not start: "+err.Error())
		x.abandonTick(ctx, evt)
		return
	}

	scope := buildScope(snapshot, evt.ActingUserID, string(evt.Kind), time.Now().UTC().Format(time.RFC3339))
	x.run(ctx, rl, exec, scope, snapshot, 0)
	x.completeTick(ctx, evt)
}

// run walks the action list from index start. It closes the execution on a
// terminal outcome and leaves it suspended when a gate opens.
func (x *Executor) run(ctx context.Context, rl *rule.Rule, exec *ledger.Execution, scope map[string]any, snapshot map[string]any, start int) {
	anyFailed := start > 0 && hasFailedResult(exec.Results)

	for i := start; i < len(rl.Actions); i++ {
		if x.cancelled(ctx, exec) {
			x.closeExecution(ctx, exec, ledger.StatusSkipped, "cancelled")
			return
		}

		res, disp := x.dispatcher.Dispatch(ctx, exec, rl, i, rl.Actions[i], scope, snapshot)
		if err := x.store.AppendResult(ctx, exec.TenantID, exec.ID, res); err != nil {
			x.logger.Errorw("Failed to record action result",
				"execution_id", exec.ID, "action_index", i, "error", err)
		}
		exec.Results = append(exec.Results, res)

		switch disp {
		case DispositionSuspend:
			if err := x.store.Suspend(ctx, exec.TenantID, exec.ID); err != nil {
				x.logger.Errorw("Failed to suspend execution",
					"execution_id", exec.ID, "error", err)
			}
			x.logger.Infow("Execution awaiting approval",
				"tenant_id", exec.TenantID, "execution_id", exec.ID, "rule_id", rl.ID)
			return
		case DispositionFatal:
			x.closeExecution(ctx, exec, ledger.StatusFailed, res.Error)
			x.recordOutcome(ctx, exec, false)
			return
		case DispositionFailedContinue:
			anyFailed = true
		}
	}

	status := ledger.StatusSucceeded
	if anyFailed {
		status = ledger.StatusPartiallyFailed
	}
	x.closeExecution(ctx, exec, status, "")
	x.recordOutcome(ctx, exec, status == ledger.StatusSucceeded)
}

// ResumeApproved continues a suspended execution past its approval gate.
func (x *Executor) ResumeApproved(ctx context.Context, tenantID, executionID string) error {
	exec, rl, err := x.loadSuspended(ctx, tenantID, executionID)
	if err != nil {
		return err
	}

	if err := x.store.MarkRunning(ctx, tenantID, executionID); err != nil {
		return fmt.Errorf("resume execution %s: %w", executionID, err)
	}
	x.logger.Infow("Execution resumed after approval",
		"tenant_id", tenantID, "execution_id", executionID, "rule_id", rl.ID)

	// Re-read the object: it may have changed while the chain was pending.
	snapshot := exec.Snapshot
	if exec.ObjectType != "" && exec.ObjectID != "" {
		if fresh, err := x.objects.Read(ctx, tenantID, exec.ObjectType, exec.ObjectID); err == nil {
			snapshot = fresh
		}
	}
	scope := buildScope(snapshot, "", "", time.Now().UTC().Format(time.RFC3339))
	for _, res := range exec.Results {
		recordOutput(scope, res.Index, res.Output)
	}

	x.wg.Add(1)
	x.sem <- struct{}{}
	go func() {
		defer x.wg.Done()
		defer func() { <-x.sem }()
		x.run(ctx, rl, exec, scope, snapshot, len(exec.Results))
	}()
	return nil
}

// ResumeRejected fails a suspended execution; its remaining actions are
// skipped by never running.
func (x *Executor) ResumeRejected(ctx context.Context, tenantID, executionID, comment string) error {
	exec, _, err := x.loadSuspended(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	reason := FailureApprovalRejected
	if comment != "" {
		reason = FailureApprovalRejected + ": " + comment
	}
	x.closeExecution(ctx, exec, ledger.StatusFailed, reason)
	x.recordOutcome(ctx, exec, false)
	return nil
}

// Cancel stops an execution that has not finished. Pending and suspended
// executions close immediately; a running one is flagged and stops before
// its next action.
func (x *Executor) Cancel(ctx context.Context, tenantID, executionID string) error {
	exec, err := x.store.Get(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case ledger.StatusPending, ledger.StatusAwaitingApproval:
		if err := x.approvals.CancelForExecution(ctx, tenantID, executionID); err != nil {
			return err
		}
		x.closeExecution(ctx, exec, ledger.StatusSkipped, "cancelled")
		return nil
	case ledger.StatusRunning:
		return x.store.RequestCancel(ctx, tenantID, executionID)
	default:
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}
}

// Retry re-runs a terminally failed execution as a fresh one under the same
// idempotency key.
func (x *Executor) Retry(ctx context.Context, tenantID, executionID string) (*ledger.Execution, error) {
	prior, err := x.store.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	if !prior.Status.Retryable() {
		return nil, fmt.Errorf("only failed or partially failed executions can be retried, %s is %s", executionID, prior.Status)
	}
	rl, err := x.registry.Get(ctx, tenantID, prior.RuleID)
	if err != nil {
		return nil, fmt.Errorf("load rule for retry: %w", err)
	}

	snapshot := prior.Snapshot
	if prior.ObjectType != "" && prior.ObjectID != "" {
		if fresh, err := x.objects.Read(ctx, tenantID, prior.ObjectType, prior.ObjectID); err == nil {
			snapshot = fresh
		}
	}

	exec := &ledger.Execution{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		RuleID:         prior.RuleID,
		IdempotencyKey: prior.IdempotencyKey,
		TriggerKind:    prior.TriggerKind,
		ObjectType:     prior.ObjectType,
		ObjectID:       prior.ObjectID,
		Snapshot:       snapshot,
		RetryOf:        prior.ID,
		StartedAt:      time.Now().UTC(),
	}
	if err := x.store.Open(ctx, exec); err != nil {
		return nil, fmt.Errorf("open retry execution: %w", err)
	}
	if err := x.store.MarkRunning(ctx, tenantID, exec.ID); err != nil {
		return nil, fmt.Errorf("start retry execution: %w", err)
	}

	scope := buildScope(snapshot, "", "", time.Now().UTC().Format(time.RFC3339))
	x.wg.Add(1)
	x.sem <- struct{}{}
	go func() {
		defer x.wg.Done()
		defer func() { <-x.sem }()
		x.run(ctx, rl, exec, scope, snapshot, 0)
	}()
	return exec, nil
}

func (x *Executor) loadSuspended(ctx context.Context, tenantID, executionID string) (*ledger.Execution, *rule.Rule, error) {
	exec, err := x.store.Get(ctx, tenantID, executionID)
	if err != nil {
		return nil, nil, err
	}
	if exec.Status != ledger.StatusAwaitingApproval {
		return nil, nil, fmt.Errorf("execution %s is %s, not awaiting approval", executionID, exec.Status)
	}
	rl, err := x.registry.Get(ctx, tenantID, exec.RuleID)
	if err != nil {
		return nil, nil, fmt.Errorf("load rule %s: %w", exec.RuleID, err)
	}
	return exec, rl, nil
}

func (x *Executor) rateLimited(ctx context.Context, rl *rule.Rule, exec *ledger.Execution) bool {
	if rl.MaxPerDay <= 0 || exec.ObjectID == "" {
		return false
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	n, err := x.store.CountSince(ctx, exec.TenantID, rl.ID, exec.ObjectID, since)
	if err != nil {
		x.logger.Warnw("Rate-limit count failed, allowing execution",
			"rule_id", rl.ID, "error", err)
		return false
	}
	// The count includes the execution just opened.
	return n > rl.MaxPerDay
}

func (x *Executor) cancelled(ctx context.Context, exec *ledger.Execution) bool {
	cur, err := x.store.Get(ctx, exec.TenantID, exec.ID)
	if err != nil {
		return false
	}
	return cur.CancelRequested
}

func (x *Executor) closeExecution(ctx context.Context, exec *ledger.Execution, status ledger.Status, reason string) {
	if err := x.store.Close(ctx, exec.TenantID, exec.ID, status, reason, time.Now().UTC()); err != nil {
		x.logger.Errorw("Failed to close execution",
			"execution_id", exec.ID, "status", status, "error", err)
		return
	}
	x.logger.Infow("Execution closed",
		"tenant_id", exec.TenantID,
		"execution_id", exec.ID,
		"rule_id", exec.RuleID,
		"status", status,
		"actions", len(exec.Results),
	)
}

func (x *Executor) recordOutcome(ctx context.Context, exec *ledger.Execution, success bool) {
	if err := x.registry.RecordExecution(ctx, exec.TenantID, exec.RuleID, success, time.Now().UTC()); err != nil {
		x.logger.Warnw("Failed to bump rule counters",
			"rule_id", exec.RuleID, "error", err)
	}
}

func (x *Executor) completeTick(ctx context.Context, evt *event.Event) {
	if x.ticks == nil || evt.Kind != event.KindScheduleTick {
		return
	}
	if err := x.ticks.Complete(ctx, evt.TenantID, evt.RuleID, evt.TickID); err != nil {
		x.logger.Errorw("Failed to complete schedule tick",
			"rule_id", evt.RuleID, "tick_id", evt.TickID, "error", err)
	}
}

func (x *Executor) abandonTick(ctx context.Context, evt *event.Event) {
	if x.ticks == nil || evt.Kind != event.KindScheduleTick {
		return
	}
	if err := x.ticks.Abandon(ctx, evt.TenantID, evt.RuleID, evt.TickID); err != nil {
		x.logger.Errorw("Failed to release schedule tick",
			"rule_id", evt.RuleID, "tick_id", evt.TickID, "error", err)
	}
}

// executionSnapshot picks the object view an execution evaluates and renders
// against: the after image, the before image for deletions, or an empty map
// for schedule ticks.
func executionSnapshot(evt *event.Event) map[string]any {
	var src map[string]any
	switch {
	case evt.Kind == event.KindDeleted:
		src = evt.Before
	default:
		src = evt.After
	}
	snapshot := make(map[string]any, len(src))
	for k, v := range src {
		snapshot[k] = v
	}
	return snapshot
}

func hasFailedResult(results []ledger.ActionResult) bool {
	for _, r := range results {
		if r.Status == ledger.ActionFailed {
			return true
		}
	}
	return false
}
