// Package task defines the durable domain types the Store persists and the
// Engine transitions: tasks, their steps, tool-run attempts, and the
// scratch-memory log.
package task

import (
	"time"

	"github.com/codemate/gateway/runtime/agent/stream"
)

// Status is the coarse lifecycle state of a Task.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusPlanning         Status = "planning"
	StatusRunning          Status = "running"
	StatusWaitingApproval  Status = "waiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether s is one of the statuses from which a task
// never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single Step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepDenied          StepStatus = "denied"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepDenied:
		return true
	default:
		return false
	}
}

// RiskLevel gates whether a step requires human approval before it runs.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Role is an advisory label describing which kind of agent would own a
// step; it has no effect on engine behavior.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleExecutor Role = "executor"
	RoleGitAgent Role = "git_agent"
	RoleReviewer Role = "reviewer"
)

// Task is one goal-driven unit of work tracked end to end by the engine.
type Task struct {
	ID            string         `json:"id"`
	Goal          string         `json:"goal"`
	Status        Status         `json:"status"`
	Context       map[string]any `json:"context"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	MaxSteps      int            `json:"max_steps"`
	TimeBudgetSec int            `json:"time_budget_sec"`
	TokenBudget   int            `json:"token_budget"`
}

// Step is one tool invocation within a Task's plan.
type Step struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	StepIndex  int            `json:"step_index"`
	Role       Role           `json:"role"`
	Action     string         `json:"action"`
	ToolName   string         `json:"tool_name"`
	RiskLevel  RiskLevel      `json:"risk_level"`
	Idempotent bool           `json:"idempotent"`
	Status     StepStatus     `json:"status"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
}

// ToolRun is one append-only attempt at running a step's tool.
type ToolRun struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	StepID    string         `json:"step_id"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    map[string]any `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// MemoryItem is an append-only scratchpad entry written by the engine at
// notable transitions. The core never reads these back.
type MemoryItem struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a point-in-time view of a task, its ordered steps, and its
// event log, as returned by Store.Snapshot and sent as the first SSE
// message on every subscription.
type Snapshot struct {
	Task   Task          `json:"task"`
	Steps  []Step        `json:"steps"`
	Events []stream.Event `json:"events"`
}

// CreateRequest is the validated input to Store.CreateTask.
type CreateRequest struct {
	Goal          string
	Context       map[string]any
	MaxSteps      int
	TimeBudgetSec int
	TokenBudget   int
}
