package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate/gateway/runtime/agent/stream"
	"github.com/codemate/gateway/runtime/agent/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway_test.db")
	st, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateTaskAndSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.CreateTask(ctx, task.CreateRequest{
		Goal:          "create README and commit",
		Context:       map[string]any{"repo_path": "."},
		MaxSteps:      8,
		TimeBudgetSec: 300,
		TokenBudget:   12000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap, err := st.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, snap.Task.Status)
	assert.Equal(t, ".", snap.Task.Context["repo_path"])
	assert.Empty(t, snap.Steps)
	assert.Empty(t, snap.Events)
}

func TestSnapshotUnknownTaskFails(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Snapshot(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddStepsRejectsIndexCollision(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.CreateTask(ctx, task.CreateRequest{Goal: "do a thing", MaxSteps: 8, TimeBudgetSec: 300, TokenBudget: 12000})
	require.NoError(t, err)

	steps := []task.Step{
		{ID: id + "_step_01", TaskID: id, StepIndex: 1, ToolName: "git_status", RiskLevel: task.RiskLow, Idempotent: true},
		{ID: id + "_step_02", TaskID: id, StepIndex: 1, ToolName: "summarize_task", RiskLevel: task.RiskLow, Idempotent: true},
	}
	err = st.AddSteps(ctx, id, steps)
	assert.ErrorIs(t, err, ErrStepIndexCollision)
}

func TestSetStepAndToolRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.CreateTask(ctx, task.CreateRequest{Goal: "run the tests", MaxSteps: 8, TimeBudgetSec: 300, TokenBudget: 12000})
	require.NoError(t, err)

	stepID := id + "_step_01"
	require.NoError(t, st.AddSteps(ctx, id, []task.Step{
		{ID: stepID, TaskID: id, StepIndex: 1, ToolName: "run_tests", RiskLevel: task.RiskLow, Idempotent: true, Input: map[string]any{"command": "pytest -q"}},
	}))

	result := map[string]any{"ok": true, "output": "2 passed", "error": "", "artifacts": map[string]any{}, "duration_ms": float64(120)}
	_, err = st.ToolRun(ctx, id, stepID, "run_tests", map[string]any{"command": "pytest -q"}, result)
	require.NoError(t, err)

	require.NoError(t, st.SetStep(ctx, stepID, task.StepCompleted, result))

	steps, err := st.Steps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, task.StepCompleted, steps[0].Status)
	assert.Equal(t, true, steps[0].Output["ok"])

	runs, err := st.ToolRuns(ctx, stepID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run_tests", runs[0].ToolName)
}

func TestEventOrderingWithinTask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.CreateTask(ctx, task.CreateRequest{Goal: "do a thing", MaxSteps: 8, TimeBudgetSec: 300, TokenBudget: 12000})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := st.Event(ctx, id, stream.EventTaskUpdated, map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	events, err := st.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}
}

func TestSetTaskRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.CreateTask(ctx, task.CreateRequest{Goal: "do a thing", MaxSteps: 8, TimeBudgetSec: 300, TokenBudget: 12000})
	require.NoError(t, err)

	err = st.SetTask(ctx, id, task.Status("bogus"), nil, nil)
	assert.Error(t, err)
}

func TestListTasksValidatesLimit(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ListTasks(context.Background(), 0)
	assert.Error(t, err)
	_, err = st.ListTasks(context.Background(), 101)
	assert.Error(t, err)
}
