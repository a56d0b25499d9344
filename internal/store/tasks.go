package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduleKind enumerates how a task's next_run is computed.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ContextMode controls whether a task's container shares the group's
// ongoing conversation session or starts with a clean slate.
type ContextMode string

const (
	ContextIsolated ContextMode = "isolated"
	ContextGroup    ContextMode = "group"
)

// TaskStatus is a scheduled task's current lifecycle state.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
	TaskDone   TaskStatus = "done"
	TaskError  TaskStatus = "error"
)

// Task is a schedulable unit of work bound to a registered group.
type Task struct {
	ID           string
	GroupFolder  string
	ChatJID      string
	ContextMode  ContextMode
	ScheduleKind ScheduleKind
	ScheduleExpr string
	Timezone     string
	Content      string
	Status       TaskStatus
	NextRun      time.Time
	LastRun      time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, group_folder, chat_jid, context_mode, schedule_kind, schedule_expr, timezone, content, status, next_run, last_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, t.ID, t.GroupFolder, t.ChatJID, string(t.ContextMode), string(t.ScheduleKind), t.ScheduleExpr, t.Timezone, t.Content,
		string(t.Status), t.NextRun.UTC().UnixMilli(), now, now)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes a task and its run history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete task runs %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete task %s: %w", id, err)
	}
	return nil
}

// SetTaskStatus transitions a task to a new lifecycle status (active,
// paused, done, error).
func (s *Store) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: set task status %s: %w", id, err)
	}
	return nil
}

// GetTaskByID fetches a single task.
func (s *Store) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, context_mode, schedule_kind, schedule_expr, timezone, content, status, next_run, last_run, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %s: %w", id, err)
	}
	return t, nil
}

// GetAllTasks returns every task regardless of schedule state.
func (s *Store) GetAllTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, context_mode, schedule_kind, schedule_expr, timezone, content, status, next_run, last_run, created_at, updated_at
		FROM tasks ORDER BY next_run ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, context_mode, schedule_kind, schedule_expr, timezone, content, status, next_run, last_run, created_at, updated_at
		FROM tasks WHERE status = ? AND next_run <= ? ORDER BY next_run ASC
	`, string(TaskActive), now.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskAfterRun sets last_run, the freshly computed next_run, and the
// task's resulting status (e.g. "done" for a fired "once" task, "active" to
// keep recurring, or "paused"/"error" when dispatch could not proceed).
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id string, lastRun, nextRun time.Time, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = ?, next_run = ?, status = ?, updated_at = ? WHERE id = ?
	`, lastRun.UTC().UnixMilli(), nextRun.UTC().UnixMilli(), string(status), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update task after run %s: %w", id, err)
	}
	return nil
}

// LogTaskRun appends a row to the task_runs audit trail. status is one of
// "success" or "error"; result carries the agent's output text on success.
func (s *Store) LogTaskRun(ctx context.Context, taskID string, started, finished time.Time, status, result, errMsg string) error {
	durationMS := finished.Sub(started).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, started_at, finished_at, duration_ms, status, result, error) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, taskID, started.UTC().UnixMilli(), finished.UTC().UnixMilli(), durationMS, status, result, errMsg)
	if err != nil {
		return fmt.Errorf("store: log task run %s: %w", taskID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var kind, contextMode, status string
	var nextRun, lastRun, createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &contextMode, &kind, &t.ScheduleExpr, &t.Timezone, &t.Content,
		&status, &nextRun, &lastRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.ScheduleKind = ScheduleKind(kind)
	t.ContextMode = ContextMode(contextMode)
	t.Status = TaskStatus(status)
	t.NextRun = time.UnixMilli(nextRun).UTC()
	t.LastRun = time.UnixMilli(lastRun).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
