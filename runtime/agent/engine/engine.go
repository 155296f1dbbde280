// Package engine owns the task lifecycle: it spawns a per-task worker,
// enforces the risk and time budget policy, mediates human approval,
// writes through to the Store, and publishes transitions to the
// EventHub. It is the only component that touches the pending-approval
// map; everything else it needs lives in the Store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codemate/gateway/runtime/agent/eventhub"
	"github.com/codemate/gateway/runtime/agent/planner"
	"github.com/codemate/gateway/runtime/agent/risk"
	"github.com/codemate/gateway/runtime/agent/store"
	"github.com/codemate/gateway/runtime/agent/stream"
	"github.com/codemate/gateway/runtime/agent/task"
	"github.com/codemate/gateway/runtime/agent/telemetry"
	"github.com/codemate/gateway/runtime/agent/tools"
)

// maxAttempts is the total number of tool invocation attempts a
// non-high-risk step gets before it is considered terminally failed.
const maxAttempts = 2

// retryBackoff is the pause between attempts after a transient failure.
const retryBackoff = 750 * time.Millisecond

// ErrNoPendingApproval is returned by Approve when the task has no step
// awaiting human confirmation.
var ErrNoPendingApproval = errors.New("no pending approval for task")

// Engine drives tasks from creation to a terminal state.
type Engine struct {
	store   *store.Store
	hub     *eventhub.Hub
	runner  tools.Runner
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	pendingApproval map[string]string // task_id -> step_id
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default no-op Logger.
func WithLogger(l telemetry.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics overrides the default no-op Metrics.
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer overrides the default no-op Tracer.
func WithTracer(t telemetry.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// New constructs an Engine over st, publishing to hub and executing tools
// through runner.
func New(st *store.Store, hub *eventhub.Hub, runner tools.Runner, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		hub:             hub,
		runner:          runner,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		tracer:          telemetry.NewNoopTracer(),
		pendingApproval: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTask validates req, persists a new task in status queued, emits
// the first task_updated event, and spawns the worker goroutine that
// plans and executes it. It returns the initial snapshot.
func (e *Engine) CreateTask(ctx context.Context, req task.CreateRequest) (task.Snapshot, error) {
	req, err := task.ValidateCreateRequest(req)
	if err != nil {
		return task.Snapshot{}, err
	}
	id, err := e.store.CreateTask(ctx, req)
	if err != nil {
		return task.Snapshot{}, fmt.Errorf("create task: %w", err)
	}
	e.publish(ctx, id, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{}))
	go e.runWorker(id)
	return e.store.Snapshot(ctx, id)
}

// Snapshot returns the current point-in-time view of taskID.
func (e *Engine) Snapshot(ctx context.Context, taskID string) (task.Snapshot, error) {
	return e.store.Snapshot(ctx, taskID)
}

// ListTasks returns up to limit most-recently-created tasks.
func (e *Engine) ListTasks(ctx context.Context, limit int) ([]task.Task, error) {
	return e.store.ListTasks(ctx, limit)
}

// ToolRuns returns the tool_run attempts recorded for stepID.
func (e *Engine) ToolRuns(ctx context.Context, stepID string) ([]task.ToolRun, error) {
	return e.store.ToolRuns(ctx, stepID)
}

// MemoryItems returns the scratch-memory entries recorded for taskID.
func (e *Engine) MemoryItems(ctx context.Context, taskID string) ([]task.MemoryItem, error) {
	return e.store.MemoryItems(ctx, taskID)
}

// Approve resumes the task currently waiting on human confirmation for
// its pending step. It returns ErrNoPendingApproval if no step is
// pending for taskID.
func (e *Engine) Approve(ctx context.Context, taskID string) (task.Snapshot, error) {
	stepID, ok := e.popPendingApproval(taskID)
	if !ok {
		return task.Snapshot{}, ErrNoPendingApproval
	}
	if err := e.store.SetStep(ctx, stepID, task.StepPending, nil); err != nil {
		return task.Snapshot{}, err
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusRunning, &stepID, nil); err != nil {
		return task.Snapshot{}, err
	}
	e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{ApprovedStepID: stepID}))

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	// The worker that reached waiting_approval has already returned (see
	// the per-task worker loop contract), so spawning a fresh one here
	// cannot race with a still-live worker for the same task. stepID is
	// passed through as the approved step so the resumed loop does not
	// re-apply the high-risk gate to the step a human just cleared.
	go e.runLoop(context.Background(), taskID, t.CreatedAt, t.TimeBudgetSec, stepID)
	return e.store.Snapshot(ctx, taskID)
}

// Deny marks the pending step denied (if any) and fails the task with
// reason, defaulting to "Denied by user" when reason is blank. Denying an
// already-terminal task is a no-op that returns the existing snapshot.
func (e *Engine) Deny(ctx context.Context, taskID, reason string) (task.Snapshot, error) {
	stepID, ok := e.popPendingApproval(taskID)

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	if t.Status.Terminal() {
		return e.store.Snapshot(ctx, taskID)
	}

	if reason == "" {
		reason = "Denied by user"
	}
	if ok {
		if err := e.store.SetStep(ctx, stepID, task.StepDenied, map[string]any{"reason": reason}); err != nil {
			return task.Snapshot{}, err
		}
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusFailed, nil, &reason); err != nil {
		return task.Snapshot{}, err
	}
	e.publish(ctx, taskID, stream.EventTaskFailed, stream.ToMap(stream.TaskFailedPayload{Error: reason}))
	return e.store.Snapshot(ctx, taskID)
}

// Cancel clears any pending approval and moves the task to cancelled,
// preserving its current_step_id. Cancelling an already-terminal task is
// a no-op that returns the existing snapshot.
func (e *Engine) Cancel(ctx context.Context, taskID string) (task.Snapshot, error) {
	e.mu.Lock()
	delete(e.pendingApproval, taskID)
	e.mu.Unlock()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	if t.Status.Terminal() {
		return e.store.Snapshot(ctx, taskID)
	}
	var curPtr *string
	if t.CurrentStepID != "" {
		curPtr = &t.CurrentStepID
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusCancelled, curPtr, nil); err != nil {
		return task.Snapshot{}, err
	}
	e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{Cancelled: true}))
	return e.store.Snapshot(ctx, taskID)
}

func (e *Engine) popPendingApproval(taskID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stepID, ok := e.pendingApproval[taskID]
	if ok {
		delete(e.pendingApproval, taskID)
	}
	return stepID, ok
}

// runWorker takes a freshly-created task from queued through planning and
// into the step loop. A panic anywhere in this call is recovered and
// converted into a task failure, matching the contract that background
// worker exceptions never escape as process crashes.
func (e *Engine) runWorker(taskID string) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "worker panic", "task_id", taskID, "panic", r)
			e.failTask(ctx, taskID, fmt.Sprintf("%v", r))
		}
	}()

	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error(ctx, "load task for planning failed", "task_id", taskID, "error", err)
		return
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusPlanning, nil, nil); err != nil {
		e.logger.Error(ctx, "transition to planning failed", "task_id", taskID, "error", err)
		return
	}

	steps, err := planner.Plan(t.Goal, t.Context, t.MaxSteps)
	if err != nil {
		e.failTask(ctx, taskID, err.Error())
		return
	}
	for i := range steps {
		steps[i].TaskID = taskID
		steps[i].ID = planner.StepID(taskID, steps[i].StepIndex)
	}
	if err := e.store.AddSteps(ctx, taskID, steps); err != nil {
		e.failTask(ctx, taskID, err.Error())
		return
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusRunning, nil, nil); err != nil {
		e.logger.Error(ctx, "transition to running failed", "task_id", taskID, "error", err)
		return
	}
	e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{}))

	e.runLoop(ctx, taskID, t.CreatedAt, t.TimeBudgetSec, "")
}

// runLoop drives one task's steps, in step_index order, from wherever the
// Store says the task currently stands. It is invoked both for a fresh
// task and to resume after an approval, in which case approvedStepID is
// the step a human just cleared: the high-risk gate is skipped for that
// one step so it actually runs instead of re-requesting approval.
func (e *Engine) runLoop(ctx context.Context, taskID string, createdAt time.Time, timeBudgetSec int, approvedStepID string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "worker panic", "task_id", taskID, "panic", r)
			e.failTask(ctx, taskID, fmt.Sprintf("%v", r))
		}
	}()

	snap, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		e.logger.Error(ctx, "load snapshot failed", "task_id", taskID, "error", err)
		return
	}

	for _, step := range snap.Steps {
		t, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			e.logger.Error(ctx, "reload task failed", "task_id", taskID, "error", err)
			return
		}
		if t.Status == task.StatusCancelled {
			e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{Cancelled: true}))
			return
		}
		if t.Status != task.StatusRunning && t.Status != task.StatusWaitingApproval {
			return
		}
		if time.Since(createdAt) > time.Duration(timeBudgetSec)*time.Second {
			e.failBudget(ctx, taskID, step.ID)
			return
		}
		if step.Status.Terminal() {
			continue
		}

		if err := e.store.SetStep(ctx, step.ID, task.StepInProgress, nil); err != nil {
			e.logger.Error(ctx, "mark step in_progress failed", "step_id", step.ID, "error", err)
			return
		}
		if err := e.store.SetTask(ctx, taskID, task.StatusRunning, &step.ID, nil); err != nil {
			e.logger.Error(ctx, "mark task running failed", "task_id", taskID, "error", err)
			return
		}
		e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{
			CurrentStepID: step.ID,
			ToolName:      step.ToolName,
			Action:        step.Action,
		}))

		if step.RiskLevel == task.RiskHigh && step.ID != approvedStepID {
			e.requestApproval(ctx, taskID, step)
			return
		}

		if ok := e.executeStep(ctx, taskID, step); !ok {
			return
		}
		e.publish(ctx, taskID, stream.EventTaskUpdated, stream.ToMap(stream.TaskUpdatedPayload{CompletedStepID: step.ID}))
	}

	e.completeTask(ctx, taskID)
}

func (e *Engine) requestApproval(ctx context.Context, taskID string, step task.Step) {
	if err := e.store.SetStep(ctx, step.ID, task.StepWaitingApproval, nil); err != nil {
		e.logger.Error(ctx, "mark step waiting_approval failed", "step_id", step.ID, "error", err)
		return
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusWaitingApproval, &step.ID, nil); err != nil {
		e.logger.Error(ctx, "mark task waiting_approval failed", "task_id", taskID, "error", err)
		return
	}
	e.mu.Lock()
	e.pendingApproval[taskID] = step.ID
	e.mu.Unlock()
	e.metrics.IncCounter("engine.approval_requested", 1, "tool_name", step.ToolName)
	e.publish(ctx, taskID, stream.EventApprovalRequested, stream.ToMap(stream.ApprovalRequestedPayload{
		StepID:   step.ID,
		ToolName: step.ToolName,
		Action:   step.Action,
	}))
}

// executeStep runs step through the retry policy and persists the
// outcome. It reports whether the task may continue to its next step.
func (e *Engine) executeStep(ctx context.Context, taskID string, step task.Step) bool {
	spanCtx, span := e.tracer.Start(ctx, "engine.execute_step")
	defer span.End()

	var last tools.Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		result, transient := e.runner.Run(spanCtx, step.ToolName, step.Input)
		if result.DurationMs == 0 {
			result.DurationMs = time.Since(start).Milliseconds()
		}
		if _, err := e.store.ToolRun(ctx, taskID, step.ID, step.ToolName, step.Input, result.ToMap()); err != nil {
			e.logger.Error(ctx, "persist tool_run failed", "step_id", step.ID, "error", err)
		}
		last = result

		if result.OK {
			if err := e.store.SetStep(ctx, step.ID, task.StepCompleted, result.ToMap()); err != nil {
				e.logger.Error(ctx, "mark step completed failed", "step_id", step.ID, "error", err)
				return false
			}
			e.metrics.IncCounter("engine.step_completed", 1, "tool_name", step.ToolName)
			return true
		}
		e.metrics.IncCounter("engine.step_attempt_failed", 1, "tool_name", step.ToolName)
		if transient && attempt < maxAttempts {
			time.Sleep(retryBackoff)
			continue
		}
		break
	}

	reason := last.Error
	if reason == "" {
		reason = "Step failed"
	}
	if err := e.store.SetStep(ctx, step.ID, task.StepFailed, last.ToMap()); err != nil {
		e.logger.Error(ctx, "mark step failed failed", "step_id", step.ID, "error", err)
	}
	e.failTask(ctx, taskID, reason)
	return false
}

func (e *Engine) failBudget(ctx context.Context, taskID, stepID string) {
	const reason = "Time budget exceeded"
	if err := e.store.SetStep(ctx, stepID, task.StepFailed, map[string]any{"error": reason}); err != nil {
		e.logger.Error(ctx, "mark step failed (budget) failed", "step_id", stepID, "error", err)
	}
	e.failTask(ctx, taskID, reason)
}

// failTask transitions taskID to failed with reason, emits task_failed,
// and writes the failure memory item. It does not touch step state
// beyond what the caller already persisted.
func (e *Engine) failTask(ctx context.Context, taskID, reason string) {
	if err := e.store.SetTask(ctx, taskID, task.StatusFailed, nil, &reason); err != nil {
		e.logger.Error(ctx, "mark task failed failed", "task_id", taskID, "error", err)
	}
	e.metrics.IncCounter("engine.task_failed", 1)
	e.publish(ctx, taskID, stream.EventTaskFailed, stream.ToMap(stream.TaskFailedPayload{Error: reason}))
	if err := e.store.Memory(ctx, taskID, "failure", reason, 0.2); err != nil {
		e.logger.Error(ctx, "write failure memory item failed", "task_id", taskID, "error", err)
	}
}

func (e *Engine) completeTask(ctx context.Context, taskID string) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error(ctx, "load task for completion failed", "task_id", taskID, "error", err)
		return
	}
	if t.Status.Terminal() {
		// Already failed or cancelled by a concurrent path; do not
		// overwrite a terminal state.
		return
	}
	if err := e.store.SetTask(ctx, taskID, task.StatusCompleted, nil, nil); err != nil {
		e.logger.Error(ctx, "mark task completed failed", "task_id", taskID, "error", err)
		return
	}
	e.metrics.IncCounter("engine.task_completed", 1)
	e.publish(ctx, taskID, stream.EventTaskCompleted, map[string]any{})
	if err := e.store.Memory(ctx, taskID, "goal", t.Goal, 1.0); err != nil {
		e.logger.Error(ctx, "write goal memory item failed", "task_id", taskID, "error", err)
	}
	if err := e.store.Memory(ctx, taskID, "outcome", "completed", 0.9); err != nil {
		e.logger.Error(ctx, "write outcome memory item failed", "task_id", taskID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, taskID string, eventType stream.EventType, payload map[string]any) {
	ev, err := e.store.Event(ctx, taskID, eventType, payload)
	if err != nil {
		e.logger.Error(ctx, "persist event failed", "task_id", taskID, "event_type", eventType, "error", err)
		return
	}
	e.hub.Publish(ev)
}

// RiskTable exposes the fixed risk classification for the diagnostic
// endpoint.
func RiskTable() map[string]task.RiskLevel {
	return risk.Table()
}
