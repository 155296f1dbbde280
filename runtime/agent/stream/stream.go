// Package stream defines the event envelope published by the engine and
// delivered to API subscribers over SSE.
package stream

import "time"

// EventType enumerates the kinds of events the engine publishes, plus the
// synthesized snapshot event the API sends on subscribe.
type EventType string

const (
	// EventTaskUpdated marks a transition that has no dedicated event type
	// (task creation, the start of running, a new current step, a completed
	// step, an approval, a cancellation).
	EventTaskUpdated EventType = "task_updated"
	// EventApprovalRequested marks a task entering waiting_approval.
	EventApprovalRequested EventType = "approval_requested"
	// EventTaskCompleted marks a task reaching the completed state.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed marks a task reaching the failed state.
	EventTaskFailed EventType = "task_failed"
	// EventSnapshot is synthesized by the API layer, never by the engine;
	// it carries a full point-in-time view of a task for a new subscriber.
	EventSnapshot EventType = "snapshot"
)

// Event is a single entry in a task's append-only event log.
type Event struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	Type      EventType      `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskUpdatedPayload carries the fields that may accompany a task_updated
// event; which are set depends on which transition produced it.
type TaskUpdatedPayload struct {
	CurrentStepID   string `json:"current_step_id,omitempty"`
	ToolName        string `json:"tool_name,omitempty"`
	Action          string `json:"action,omitempty"`
	CompletedStepID string `json:"completed_step_id,omitempty"`
	ApprovedStepID  string `json:"approved_step_id,omitempty"`
	Cancelled       bool   `json:"cancelled,omitempty"`
}

// ApprovalRequestedPayload carries the step awaiting human approval.
type ApprovalRequestedPayload struct {
	StepID   string `json:"step_id"`
	ToolName string `json:"tool_name"`
	Action   string `json:"action"`
}

// TaskFailedPayload carries the reason a task failed.
type TaskFailedPayload struct {
	Error string `json:"error"`
}

// ToMap renders a payload struct into the map[string]any shape the Store
// persists and the SSE wire format expects. Callers pass one of the
// *Payload structs above.
func ToMap(v any) map[string]any {
	switch p := v.(type) {
	case TaskUpdatedPayload:
		m := map[string]any{}
		if p.CurrentStepID != "" {
			m["current_step_id"] = p.CurrentStepID
		}
		if p.ToolName != "" {
			m["tool_name"] = p.ToolName
		}
		if p.Action != "" {
			m["action"] = p.Action
		}
		if p.CompletedStepID != "" {
			m["completed_step_id"] = p.CompletedStepID
		}
		if p.ApprovedStepID != "" {
			m["approved_step_id"] = p.ApprovedStepID
		}
		if p.Cancelled {
			m["cancelled"] = true
		}
		return m
	case ApprovalRequestedPayload:
		return map[string]any{
			"step_id":   p.StepID,
			"tool_name": p.ToolName,
			"action":    p.Action,
		}
	case TaskFailedPayload:
		return map[string]any{"error": p.Error}
	case map[string]any:
		return p
	default:
		return map[string]any{}
	}
}
