package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/andyhub/andy/internal/groupqueue"
	"github.com/andyhub/andy/internal/store"
)

// Config holds scheduler settings.
type Config struct {
	PollInterval time.Duration
	LockPath     string
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		LockPath:     "./data/scheduler.lock",
	}
}

// Store is the slice of store.Store the scheduler depends on.
type Store interface {
	GetDueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	UpdateTaskAfterRun(ctx context.Context, id string, lastRun, nextRun time.Time, status store.TaskStatus) error
	LogTaskRun(ctx context.Context, taskID string, started, finished time.Time, status, result, errMsg string) error
	GroupByJID(ctx context.Context, jid string) (*store.Group, error)
}

// Enqueuer is the slice of GroupQueue the scheduler depends on.
type Enqueuer interface {
	EnqueueTask(jid, taskID string, runFn groupqueue.RunTaskFunc)
}

// RunTaskFunc executes a single task run through the dedicated task
// container path and returns whatever it produced (for the TaskRun log's
// result column).
type RunTaskFunc func(ctx context.Context, jid string, task store.Task) (string, error)

// Scheduler implements C7: polling for due tasks and handing them to the
// GroupQueue, guarded by a file lock so only one process in a multi-process
// deployment ever dispatches a given tick.
type Scheduler struct {
	cfg     Config
	store   Store
	queue   Enqueuer
	lock    *FileLock
	runTask RunTaskFunc

	cronParsers map[string]cron.Schedule
}

// New creates a Scheduler. SetRunTaskFn must be called before tasks start
// firing; it's wired after construction by the orchestrator to avoid an
// import cycle with the processor package.
func New(cfg Config, st Store, q Enqueuer) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultConfig().LockPath
	}
	return &Scheduler{
		cfg:         cfg,
		store:       st,
		queue:       q,
		lock:        NewFileLock(cfg.LockPath),
		cronParsers: make(map[string]cron.Schedule),
	}
}

// SetRunTaskFn wires the dedicated task-container path a due task is
// dispatched through.
func (s *Scheduler) SetRunTaskFn(fn RunTaskFunc) {
	s.runTask = fn
}

// Run starts the poll loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler: started", "poll_interval", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick acquires the single-writer lock, fetches due tasks, and hands each
// to the GroupQueue under its destination chat JID, then computes and
// persists the task's next run.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("scheduler: lock error", "err", err)
		return
	}
	if !acquired {
		slog.Debug("scheduler: tick skipped, lock held by another process")
		return
	}
	defer s.lock.Unlock()

	due, err := s.store.GetDueTasks(ctx, now)
	if err != nil {
		slog.Error("scheduler: get due tasks failed", "err", err)
		return
	}

	for _, task := range due {
		s.dispatch(ctx, task, now)
	}
}

// dispatch resolves the task's destination JID, advances its schedule, and
// hands its run off to the GroupQueue under a dedicated runFn closure. A
// group folder that no longer resolves to a registered chat pauses the
// task (rather than silently retrying forever) and logs a real error
// TaskRun instead of a premature "dispatched" placeholder.
func (s *Scheduler) dispatch(ctx context.Context, task store.Task, now time.Time) {
	groupJID, err := s.groupJID(ctx, task.GroupFolder)
	if err != nil {
		slog.Error("scheduler: resolve group jid failed", "task", task.ID, "group", task.GroupFolder, "err", err)
		if uerr := s.store.UpdateTaskAfterRun(ctx, task.ID, now, now, store.TaskPaused); uerr != nil {
			slog.Error("scheduler: pause task after unresolvable group failed", "task", task.ID, "err", uerr)
		}
		if lerr := s.store.LogTaskRun(ctx, task.ID, now, now, "error", "", err.Error()); lerr != nil {
			slog.Error("scheduler: log task run failed", "task", task.ID, "err", lerr)
		}
		return
	}

	jid := groupJID
	if task.ChatJID != "" {
		jid = task.ChatJID
	}

	next, status, err := s.computeNextRun(task, now)
	if err != nil {
		slog.Error("scheduler: compute next run failed", "task", task.ID, "err", err)
		if uerr := s.store.UpdateTaskAfterRun(ctx, task.ID, now, now, store.TaskError); uerr != nil {
			slog.Error("scheduler: mark task error failed", "task", task.ID, "err", uerr)
		}
		if lerr := s.store.LogTaskRun(ctx, task.ID, now, now, "error", "", err.Error()); lerr != nil {
			slog.Error("scheduler: log task run failed", "task", task.ID, "err", lerr)
		}
		return
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, now, next, status); err != nil {
		slog.Error("scheduler: update task after run failed", "task", task.ID, "err", err)
	}

	s.queue.EnqueueTask(jid, task.ID, s.runFnFor(jid, task))
	slog.Info("scheduler: dispatched task", "task", task.ID, "group", task.GroupFolder, "next_run", next)
}

// runFnFor builds the closure GroupQueue runs for this task invocation: it
// calls the dedicated task-container path and logs the real outcome
// (success or error, with whatever the container produced), never the
// placeholder "dispatched" status a task's own eventual success/failure
// hadn't been determined yet.
func (s *Scheduler) runFnFor(jid string, task store.Task) groupqueue.RunTaskFunc {
	return func(ctx context.Context) error {
		started := time.Now().UTC()
		if s.runTask == nil {
			err := fmt.Errorf("scheduler: no run-task function configured")
			finished := time.Now().UTC()
			if lerr := s.store.LogTaskRun(context.Background(), task.ID, started, finished, "error", "", err.Error()); lerr != nil {
				slog.Error("scheduler: log task run failed", "task", task.ID, "err", lerr)
			}
			return err
		}

		result, runErr := s.runTask(ctx, jid, task)
		finished := time.Now().UTC()
		status := "success"
		errMsg := ""
		if runErr != nil {
			status = "error"
			errMsg = runErr.Error()
		}
		if lerr := s.store.LogTaskRun(context.Background(), task.ID, started, finished, status, result, errMsg); lerr != nil {
			slog.Error("scheduler: log task run failed", "task", task.ID, "err", lerr)
		}
		return runErr
	}
}

func (s *Scheduler) groupJID(ctx context.Context, folder string) (string, error) {
	groups, err := groupsByFolder(ctx, s.store)
	if err != nil {
		return "", err
	}
	jid, ok := groups[folder]
	if !ok {
		return "", fmt.Errorf("scheduler: no registered group for folder %q", folder)
	}
	return jid, nil
}

// computeNextRun returns the task's next scheduled time and the status it
// should carry afterward: a "once" task is marked done after firing,
// "interval" and "cron" tasks stay active and reschedule forward from now.
func (s *Scheduler) computeNextRun(task store.Task, now time.Time) (time.Time, store.TaskStatus, error) {
	switch task.ScheduleKind {
	case store.ScheduleOnce:
		return now, store.TaskDone, nil

	case store.ScheduleInterval:
		d, err := time.ParseDuration(task.ScheduleExpr)
		if err != nil {
			return time.Time{}, task.Status, fmt.Errorf("parse interval %q: %w", task.ScheduleExpr, err)
		}
		return now.Add(d), store.TaskActive, nil

	case store.ScheduleCron:
		loc, err := time.LoadLocation(task.Timezone)
		if err != nil {
			loc = time.UTC
		}
		sched, err := cron.ParseStandard(task.ScheduleExpr)
		if err != nil {
			return time.Time{}, task.Status, fmt.Errorf("parse cron %q: %w", task.ScheduleExpr, err)
		}
		return sched.Next(now.In(loc)).UTC(), store.TaskActive, nil

	default:
		return time.Time{}, task.Status, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

// groupsByFolder is a small adapter so Scheduler doesn't need a direct
// *store.Store dependency, only the narrow Store interface above; it
// queries the backing store's GroupByJID-oriented API through a folder
// lookup table rebuilt from GetRegisteredGroups when available.
func groupsByFolder(ctx context.Context, s Store) (map[string]string, error) {
	type listingStore interface {
		GetRegisteredGroups(ctx context.Context) ([]store.Group, error)
	}
	ls, ok := s.(listingStore)
	if !ok {
		return nil, fmt.Errorf("scheduler: store does not support group listing")
	}
	groups, err := ls.GetRegisteredGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list registered groups: %w", err)
	}
	out := make(map[string]string, len(groups))
	for _, g := range groups {
		out[g.Folder] = g.JID
	}
	return out, nil
}
