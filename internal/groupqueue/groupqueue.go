// Package groupqueue implements C4: a per-JID serialized work queue with a
// global concurrency cap. Each JID's work (new messages, scheduled tasks)
// is drained by at most one worker at a time; the queue itself never runs
// two pieces of work for the same JID concurrently, while different JIDs
// run in parallel up to the global cap. It also owns the per-JID live
// container registration that lets a container be reused across message
// batches instead of being respawned for each one.
package groupqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BaseRetryMS is the first non-zero retry delay; each subsequent
// consecutive failure doubles the prior delay, giving the documented
// backoff sequence 0, 5000, 15000, 35000, 75000, 155000ms for
// MaxRetries=5 (delay(n) = BaseRetryMS*(2^n - 1) for n >= 1, delay(0) = 0).
// This only governs message-processing retries; a failed scheduled task
// never advances a mailbox's retry counter (see RunTaskFunc).
const BaseRetryMS = 5000

// MaxRetries is the number of consecutive message-processing failures a
// JID tolerates before its mailbox is parked (no further automatic
// retries) until new work arrives and resets the counter.
const MaxRetries = 5

// ProcessHandle is a live agent container's write side, as registered with
// RegisterProcess once a container is spawned and accepting inbox writes.
// It lets the queue deliver a freshly arrived message straight into an
// already-running container (container reuse) instead of spawning a new
// one for every batch.
type ProcessHandle interface {
	// SendMessage writes text into the container's inbox. It returns false
	// if the container is no longer accepting writes (already closing or
	// exited), in which case the caller must fall back to a fresh spawn.
	SendMessage(text string) bool
	// Close signals the container to finish its current turn and exit.
	Close()
}

// ProcessMessagesFunc drains newly persisted messages for jid, spawning or
// reusing an agent container as appropriate, and reports whether a reply
// was produced. An error means the attempt failed and should be retried
// with backoff.
type ProcessMessagesFunc func(ctx context.Context, jid string) (bool, error)

// RunTaskFunc executes one scheduled task invocation. Its error is logged
// by the queue but never affects the mailbox's message-retry counter or
// backoff state: the Scheduler/Processor pairing is responsible for a
// task's own success/error bookkeeping (TaskRun rows), GroupQueue only
// serializes the call against the JID's other work.
type RunTaskFunc func(ctx context.Context) error

type taskItem struct {
	taskID string
	run    RunTaskFunc
}

type mailbox struct {
	jid string

	running bool // a worker goroutine currently owns this mailbox
	queued  bool // parked in GroupQueue.waiting behind the global cap

	active          bool // a container is currently live for this jid
	isTaskContainer bool // the live container was spawned for a task, never reused
	idleWaiting     bool // the live container finished a batch but hasn't exited
	proc            ProcessHandle
	containerName   string

	messagePending bool
	tasks          []taskItem

	consecutiveErr int
	retryTimer     *time.Timer
}

// GroupQueue owns one mailbox per JID, a FIFO of JIDs waiting for an
// admission slot, and the global concurrency cap (no scheduler.Semaphore
// dependency: the cap is native state here, since GroupQueue is the only
// thing that needs task-vs-message priority and idle-gated preemption, and
// a plain counting semaphore can't express either).
type GroupQueue struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox

	maxConcurrent int
	activeCount   int
	waiting       []string

	processMessages ProcessMessagesFunc

	shuttingDown bool
	active       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a GroupQueue with the given global concurrency cap.
// SetProcessMessagesFn must be called before EnqueueMessage, since the
// orchestrator wires it after construction to avoid an import cycle with
// the processor package.
func New(maxConcurrent int) *GroupQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		mailboxes:     make(map[string]*mailbox),
		maxConcurrent: maxConcurrent,
		baseCtx:       ctx,
		cancel:        cancel,
	}
}

// SetProcessMessagesFn wires C6's message-draining entrypoint.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processMessages = fn
}

func (q *GroupQueue) mailboxFor(jid string) *mailbox {
	mb, ok := q.mailboxes[jid]
	if !ok {
		mb = &mailbox{jid: jid}
		q.mailboxes[jid] = mb
	}
	return mb
}

// EnqueueMessage marks jid as having new message work and admits it for
// draining, subject to the global concurrency cap.
func (q *GroupQueue) EnqueueMessage(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	mb := q.mailboxFor(jid)
	mb.messagePending = true
	q.ensureRunning(mb)
}

// EnqueueTask appends a scheduled-task invocation to jid's queue. Tasks
// always drain ahead of pending plain-message work on the same mailbox
// (tasks-first-on-drain), and a pending task is enough to start a mailbox
// even while it's parked behind a message-retry backoff timer, since task
// failures are independent of that counter.
func (q *GroupQueue) EnqueueTask(jid, taskID string, runFn RunTaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	mb := q.mailboxFor(jid)
	mb.tasks = append(mb.tasks, taskItem{taskID: taskID, run: runFn})
	q.ensureRunning(mb)
}

// RegisterProcess records the live container handle for jid so a later
// EnqueueMessage's batch can be delivered with SendMessage instead of
// spawning a fresh container. isTask marks a container spawned for a
// scheduled task: task containers are always fresh and are never reused,
// so NotifyIdle refuses to keep one alive past its single run.
func (q *GroupQueue) RegisterProcess(jid, containerName string, proc ProcessHandle, isTask bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb := q.mailboxFor(jid)
	mb.active = true
	mb.isTaskContainer = isTask
	mb.proc = proc
	mb.containerName = containerName
	mb.idleWaiting = false
}

// NotifyIdle reports that jid's live container finished its current batch
// without exiting. It returns false when the caller should close the
// container instead of keeping it open for reuse: either it was a task
// container, or a scheduled task is now waiting for this JID. Preemption
// only happens once the container goes idle, never mid-turn.
func (q *GroupQueue) NotifyIdle(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.mailboxes[jid]
	if !ok || mb.isTaskContainer {
		return false
	}
	if len(mb.tasks) > 0 {
		return false
	}
	mb.idleWaiting = true
	return true
}

// SendMessage attempts to deliver text into jid's currently idle, live
// container. It returns false when there is no reusable container
// registered, in which case the caller must process the batch through a
// freshly spawned one.
func (q *GroupQueue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	mb, ok := q.mailboxes[jid]
	if !ok || !mb.active || !mb.idleWaiting || mb.proc == nil {
		q.mu.Unlock()
		return false
	}
	proc := mb.proc
	mb.idleWaiting = false
	q.mu.Unlock()

	if proc.SendMessage(text) {
		return true
	}

	q.mu.Lock()
	if mb.proc == proc {
		mb.active = false
		mb.proc = nil
	}
	q.mu.Unlock()
	return false
}

// CloseStdin signals jid's live container to finish its current turn and
// exit, then clears the registration.
func (q *GroupQueue) CloseStdin(jid string) {
	q.mu.Lock()
	mb, ok := q.mailboxes[jid]
	if !ok || mb.proc == nil {
		q.mu.Unlock()
		return
	}
	proc := mb.proc
	mb.active = false
	mb.idleWaiting = false
	mb.proc = nil
	mb.containerName = ""
	q.mu.Unlock()
	proc.Close()
}

// ContainerExited clears jid's live-process registration once the
// container has actually exited, so the next EnqueueMessage spawns a fresh
// one instead of trying to reuse a dead handle.
func (q *GroupQueue) ContainerExited(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.mailboxes[jid]
	if !ok {
		return
	}
	mb.active = false
	mb.idleWaiting = false
	mb.isTaskContainer = false
	mb.proc = nil
	mb.containerName = ""
}

// ensureRunning starts a worker for mb if one isn't already running,
// admitting it immediately when under the global cap or parking it in
// the waiting FIFO otherwise. Caller must hold q.mu. A mailbox parked
// behind a message-retry timer stays parked unless a task just arrived,
// since pending tasks are never subject to that backoff.
func (q *GroupQueue) ensureRunning(mb *mailbox) {
	if mb.running {
		return
	}
	if mb.retryTimer != nil {
		if len(mb.tasks) == 0 {
			return
		}
		mb.retryTimer.Stop()
		mb.retryTimer = nil
	}
	if q.activeCount >= q.maxConcurrent {
		if !mb.queued {
			mb.queued = true
			q.waiting = append(q.waiting, mb.jid)
		}
		return
	}
	q.startWorker(mb)
}

func (q *GroupQueue) startWorker(mb *mailbox) {
	q.activeCount++
	mb.running = true
	mb.queued = false
	q.active.Add(1)
	go func() {
		defer q.active.Done()
		q.worker(mb)
	}()
}

// worker drains mb: tasks first (oldest queued first), then one
// processMessages pass if a message is pending, looping until both are
// empty (idle-preemption: work enqueued mid-drain is picked up without a
// new spawn) or a message failure parks the mailbox behind a retry timer.
func (q *GroupQueue) worker(mb *mailbox) {
	for {
		q.mu.Lock()
		var work *taskItem
		if len(mb.tasks) > 0 {
			w := mb.tasks[0]
			mb.tasks = mb.tasks[1:]
			work = &w
		}
		hasMessage := mb.messagePending
		if work == nil {
			mb.messagePending = false
		}
		processMessages := q.processMessages
		q.mu.Unlock()

		if work != nil {
			q.runOneTask(mb, *work)
			continue
		}
		if hasMessage {
			if err := q.runOneMessagePass(processMessages, mb); err != nil {
				q.stopWorker(mb)
				return
			}
			continue
		}

		q.mu.Lock()
		if len(mb.tasks) == 0 && !mb.messagePending {
			q.mu.Unlock()
			q.stopWorker(mb)
			return
		}
		q.mu.Unlock()
	}
}

func (q *GroupQueue) runOneTask(mb *mailbox, item taskItem) {
	if item.run == nil {
		return
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	defer cancel()
	if err := item.run(ctx); err != nil {
		slog.Error("groupqueue: task run failed", "jid", mb.jid, "task", item.taskID, "err", err)
	}
}

func (q *GroupQueue) runOneMessagePass(processMessages ProcessMessagesFunc, mb *mailbox) error {
	if processMessages == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	defer cancel()
	_, err := processMessages(ctx, mb.jid)
	return q.recordOutcome(mb, err)
}

// recordOutcome tracks consecutive message-processing failures for
// backoff. Up to MaxRetries failures, it parks the mailbox behind a retry
// timer that re-runs the message pass; once MaxRetries is exceeded it
// resets the counter and parks the mailbox without a timer, so only new
// work restarts it. A non-nil return tells worker to stop looping for now.
func (q *GroupQueue) recordOutcome(mb *mailbox, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		mb.consecutiveErr = 0
		return nil
	}

	mb.consecutiveErr++
	slog.Warn("groupqueue: message pass failed", "jid", mb.jid, "attempt", mb.consecutiveErr, "err", err)
	if mb.consecutiveErr > MaxRetries {
		slog.Error("groupqueue: mailbox exhausted retries, parking", "jid", mb.jid)
		mb.consecutiveErr = 0
		return errParked
	}

	delay := retryDelayDelta(mb.consecutiveErr)
	jid := mb.jid
	mb.messagePending = true
	mb.retryTimer = time.AfterFunc(delay, func() { q.wakeAfterRetry(jid) })
	return errParked
}

var errParked = errRetryParked{}

type errRetryParked struct{}

func (errRetryParked) Error() string { return "groupqueue: mailbox parked for retry" }

func (q *GroupQueue) wakeAfterRetry(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb, ok := q.mailboxes[jid]
	if !ok || q.shuttingDown {
		return
	}
	mb.retryTimer = nil
	if len(mb.tasks) > 0 || mb.messagePending {
		q.ensureRunning(mb)
	}
}

// stopWorker releases mb's worker slot and promotes the next eligible
// waiting JID, if the global cap now allows it.
func (q *GroupQueue) stopWorker(mb *mailbox) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mb.running = false
	q.activeCount--
	q.promoteWaiting()
}

// promoteWaiting starts the next waiting JIDs with outstanding work until
// the global cap is exhausted again. Caller must hold q.mu.
func (q *GroupQueue) promoteWaiting() {
	for len(q.waiting) > 0 && q.activeCount < q.maxConcurrent {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		mb, ok := q.mailboxes[jid]
		if !ok {
			continue
		}
		mb.queued = false
		if mb.running || (len(mb.tasks) == 0 && !mb.messagePending) {
			continue
		}
		q.startWorker(mb)
	}
}

// retryDelay returns the backoff for the nth consecutive failure:
// BaseRetryMS*(2^n - 1), and 0 for n <= 0, giving 0, 5000, 15000, 35000,
// 75000, 155000ms for n = 0..5.
func retryDelay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	ms := BaseRetryMS * ((1 << uint(n)) - 1)
	return time.Duration(ms) * time.Millisecond
}

// retryDelayDelta is the from-now duration to arm the AfterFunc timer with
// on the nth consecutive failure, so that the actual wall-clock retry
// lands at the cumulative retryDelay(n) after the *first* failure rather
// than after the most recent one: retryDelay is cumulative-since-first,
// not a per-step delta, so naively passing it straight to time.AfterFunc
// compounds the delays instead of reproducing the documented sequence.
func retryDelayDelta(n int) time.Duration {
	return retryDelay(n) - retryDelay(n-1)
}

// Shutdown stops accepting new work, signals every live container to
// close, and waits up to deadline for all in-flight mailboxes to finish
// draining, cancelling their context if the deadline elapses first.
func (q *GroupQueue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	for _, mb := range q.mailboxes {
		if mb.retryTimer != nil {
			mb.retryTimer.Stop()
			mb.retryTimer = nil
		}
		if mb.proc != nil {
			mb.proc.Close()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("groupqueue: shutdown deadline elapsed, cancelling in-flight work")
		q.cancel()
		<-done
	}
}
