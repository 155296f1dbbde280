// Package store is the durable, single-process persistence layer for
// tasks, steps, tool runs, events, and the scratch-memory log. It is the
// single source of truth the Engine reads and writes; the Engine itself
// holds no persistent state of its own.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/codemate/gateway/runtime/agent/stream"
	"github.com/codemate/gateway/runtime/agent/task"
)

// ErrNotFound indicates that no task exists for the given identifier.
var ErrNotFound = errors.New("task not found")

// ErrStepIndexCollision indicates AddSteps was called with a step_index
// that already exists for the task.
var ErrStepIndexCollision = errors.New("step_index collision")

// ErrNoPendingApproval indicates Approve/Deny was called for a step the
// caller believed was awaiting approval, but the Store disagrees.
var ErrNoPendingApproval = errors.New("no pending approval")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	status TEXT NOT NULL,
	context TEXT NOT NULL,
	current_step_id TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	max_steps INTEGER NOT NULL,
	time_budget_sec INTEGER NOT NULL,
	token_budget INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_steps (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	role TEXT NOT NULL,
	action TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	idempotent INTEGER NOT NULL,
	status TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT,
	UNIQUE(task_id, step_index)
);

CREATE TABLE IF NOT EXISTS tool_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	args TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_items (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	score REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_steps_task ON task_steps(task_id, step_index);
CREATE INDEX IF NOT EXISTS idx_tool_runs_step ON tool_runs(step_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
CREATE INDEX IF NOT EXISTS idx_memory_task ON memory_items(task_id, created_at);
`

// Store persists gateway state in a single SQLite database file. All
// mutating operations are serialized under mu; reads run against the
// connection pool concurrently. This mirrors the contract in the data
// model: SQLite itself allows only one writer, but the explicit mutex
// lets multi-statement writes (AddSteps) commit as one logical unit
// without relying on implicit engine-level locking.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists. WAL mode is enabled so readers never block
// behind the single writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowUnix() int64 { return time.Now().Unix() }

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalMap tolerates a persisted value that is not a JSON object:
// per the data model's forward-compat contract, it yields an empty map
// rather than erroring.
func unmarshalMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// CreateTask assigns a new opaque task id, persists the task in status
// queued, and returns the id. It fails only on storage I/O error.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (string, error) {
	ctxJSON, err := marshalMap(req.Context)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	id := uuid.NewString()
	now := nowUnix()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, status, context, current_step_id, error, created_at, updated_at, max_steps, time_budget_sec, token_budget)
		VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?)`,
		id, req.Goal, string(task.StatusQueued), ctxJSON, now, now, req.MaxSteps, req.TimeBudgetSec, req.TokenBudget)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// AddSteps inserts all of steps atomically, each starting in status
// pending with a nil output. It fails if any step_index already exists
// for the task.
func (s *Store) AddSteps(ctx context.Context, taskID string, steps []task.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_steps (id, task_id, step_index, role, action, tool_name, risk_level, idempotent, status, input, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`)
	if err != nil {
		return fmt.Errorf("prepare insert step: %w", err)
	}
	defer stmt.Close()

	for _, st := range steps {
		inputJSON, err := marshalMap(st.Input)
		if err != nil {
			return fmt.Errorf("marshal step input: %w", err)
		}
		idempotent := 0
		if st.Idempotent {
			idempotent = 1
		}
		if _, err := stmt.ExecContext(ctx, st.ID, taskID, st.StepIndex, string(st.Role), st.Action,
			st.ToolName, string(st.RiskLevel), idempotent, string(task.StepPending), inputJSON); err != nil {
			if isUniqueConstraintErr(err) {
				return ErrStepIndexCollision
			}
			return fmt.Errorf("insert step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	// modernc.org/sqlite reports constraint violations via an error string
	// containing "UNIQUE constraint failed"; there is no typed error to
	// errors.As against for this driver.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// SetTask updates a task's status and, when non-nil, its current_step_id
// and error fields. It rejects unknown statuses and always bumps
// updated_at.
func (s *Store) SetTask(ctx context.Context, taskID string, status task.Status, currentStepID, errMsg *string) error {
	switch status {
	case task.StatusQueued, task.StatusPlanning, task.StatusRunning, task.StatusWaitingApproval,
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
	default:
		return fmt.Errorf("unknown task status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUnix()
	if currentStepID != nil && errMsg != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, current_step_id=?, error=?, updated_at=? WHERE id=?`,
			string(status), *currentStepID, *errMsg, now, taskID)
		return wrapExec(err, "update task")
	}
	if currentStepID != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, current_step_id=?, updated_at=? WHERE id=?`,
			string(status), *currentStepID, now, taskID)
		return wrapExec(err, "update task")
	}
	if errMsg != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, error=?, updated_at=? WHERE id=?`,
			string(status), *errMsg, now, taskID)
		return wrapExec(err, "update task")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, string(status), now, taskID)
	return wrapExec(err, "update task")
}

func wrapExec(err error, msg string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return nil
}

// SetStep updates a step's status and, when non-nil, its output.
func (s *Store) SetStep(ctx context.Context, stepID string, status task.StepStatus, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if output != nil {
		outJSON, err := marshalMap(output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `UPDATE task_steps SET status=?, output=? WHERE id=?`, string(status), outJSON, stepID)
		return wrapExec(err, "update step")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE task_steps SET status=? WHERE id=?`, string(status), stepID)
	return wrapExec(err, "update step")
}

// Event appends an event for taskID and returns the persisted record with
// its assigned id and created_at.
func (s *Store) Event(ctx context.Context, taskID string, eventType stream.EventType, payload map[string]any) (stream.Event, error) {
	payloadJSON, err := marshalMap(payload)
	if err != nil {
		return stream.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now()

	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_events (task_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		taskID, string(eventType), payloadJSON, now.Unix())
	s.mu.Unlock()
	if err != nil {
		return stream.Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return stream.Event{}, fmt.Errorf("event id: %w", err)
	}
	return stream.Event{
		ID:        id,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// ToolRun appends a tool invocation record. duration_ms is taken from the
// result map if present.
func (s *Store) ToolRun(ctx context.Context, taskID, stepID, toolName string, args, result map[string]any) (task.ToolRun, error) {
	argsJSON, err := marshalMap(args)
	if err != nil {
		return task.ToolRun{}, fmt.Errorf("marshal tool_run args: %w", err)
	}
	resultJSON, err := marshalMap(result)
	if err != nil {
		return task.ToolRun{}, fmt.Errorf("marshal tool_run result: %w", err)
	}
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO tool_runs (id, task_id, step_id, tool_name, args, result, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, taskID, stepID, toolName, argsJSON, resultJSON, now.Unix())
	s.mu.Unlock()
	if err != nil {
		return task.ToolRun{}, fmt.Errorf("insert tool_run: %w", err)
	}
	return task.ToolRun{
		ID:        id,
		TaskID:    taskID,
		StepID:    stepID,
		ToolName:  toolName,
		Args:      args,
		Result:    result,
		CreatedAt: now,
	}, nil
}

// Memory appends a scratch-memory entry for taskID.
func (s *Store) Memory(ctx context.Context, taskID, key, value string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_items (id, task_id, key, value, score, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, key, value, score, nowUnix())
	return wrapExec(err, "insert memory item")
}

// GetTask returns the task row for id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, context, current_step_id, error, created_at, updated_at, max_steps, time_budget_sec, token_budget
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (task.Task, error) {
	var (
		t                     task.Task
		status                string
		ctxJSON               string
		currentStepID, errMsg sql.NullString
		createdAt, updatedAt  int64
	)
	if err := row.Scan(&t.ID, &t.Goal, &status, &ctxJSON, &currentStepID, &errMsg, &createdAt, &updatedAt, &t.MaxSteps, &t.TimeBudgetSec, &t.TokenBudget); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, ErrNotFound
		}
		return task.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = task.Status(status)
	t.Context = unmarshalMap(ctxJSON)
	t.CurrentStepID = currentStepID.String
	t.Error = errMsg.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

// ListTasks returns up to limit most-recently-created tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]task.Task, error) {
	if limit < 1 || limit > 100 {
		return nil, fmt.Errorf("limit out of range [1,100]: %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, status, context, current_step_id, error, created_at, updated_at, max_steps, time_budget_sec, token_budget
		FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		var (
			t                     task.Task
			status                string
			ctxJSON               string
			currentStepID, errMsg sql.NullString
			createdAt, updatedAt  int64
		)
		if err := rows.Scan(&t.ID, &t.Goal, &status, &ctxJSON, &currentStepID, &errMsg, &createdAt, &updatedAt, &t.MaxSteps, &t.TimeBudgetSec, &t.TokenBudget); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = task.Status(status)
		t.Context = unmarshalMap(ctxJSON)
		t.CurrentStepID = currentStepID.String
		t.Error = errMsg.String
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Steps returns all steps for taskID ordered by step_index.
func (s *Store) Steps(ctx context.Context, taskID string) ([]task.Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_index, role, action, tool_name, risk_level, idempotent, status, input, output
		FROM task_steps WHERE task_id = ? ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []task.Step
	for rows.Next() {
		var (
			st                task.Step
			role, riskLevel   string
			statusStr         string
			idempotentInt     int
			inputJSON         string
			outputJSON        sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepIndex, &role, &st.Action, &st.ToolName, &riskLevel, &idempotentInt, &statusStr, &inputJSON, &outputJSON); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.Role = task.Role(role)
		st.RiskLevel = task.RiskLevel(riskLevel)
		st.Idempotent = idempotentInt != 0
		st.Status = task.StepStatus(statusStr)
		st.Input = unmarshalMap(inputJSON)
		if outputJSON.Valid {
			st.Output = unmarshalMap(outputJSON.String)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Events returns all events for taskID ordered by id.
func (s *Store) Events(ctx context.Context, taskID string) ([]stream.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, event_type, payload, created_at FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []stream.Event
	for rows.Next() {
		var (
			ev            stream.Event
			eventType     string
			payloadJSON   string
			createdAt     int64
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &eventType, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = stream.EventType(eventType)
		ev.Payload = unmarshalMap(payloadJSON)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ToolRuns returns all tool_run attempts for stepID ordered by created_at.
func (s *Store) ToolRuns(ctx context.Context, stepID string) ([]task.ToolRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, step_id, tool_name, args, result, created_at FROM tool_runs WHERE step_id = ? ORDER BY created_at ASC`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list tool_runs: %w", err)
	}
	defer rows.Close()

	var out []task.ToolRun
	for rows.Next() {
		var (
			tr          task.ToolRun
			argsJSON    string
			resultJSON  string
			createdAt   int64
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &tr.StepID, &tr.ToolName, &argsJSON, &resultJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool_run: %w", err)
		}
		tr.Args = unmarshalMap(argsJSON)
		tr.Result = unmarshalMap(resultJSON)
		tr.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// MemoryItems returns all scratch-memory entries for taskID ordered by
// created_at, for the read-only diagnostic endpoint.
func (s *Store) MemoryItems(ctx context.Context, taskID string) ([]task.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, key, value, score, created_at FROM memory_items WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list memory items: %w", err)
	}
	defer rows.Close()

	var out []task.MemoryItem
	for rows.Next() {
		var (
			mi        task.MemoryItem
			createdAt int64
		)
		if err := rows.Scan(&mi.ID, &mi.TaskID, &mi.Key, &mi.Value, &mi.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		mi.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, mi)
	}
	return out, rows.Err()
}

// Snapshot returns a point-in-time view of taskID: the task row, its
// ordered steps, and its ordered event log. It fails with ErrNotFound if
// the task is absent.
func (s *Store) Snapshot(ctx context.Context, taskID string) (task.Snapshot, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	steps, err := s.Steps(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	events, err := s.Events(ctx, taskID)
	if err != nil {
		return task.Snapshot{}, err
	}
	return task.Snapshot{Task: t, Steps: steps, Events: events}, nil
}
