// Package processor implements C6: draining newly persisted messages for a
// JID, deciding eligibility, and running them through an agent container.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andyhub/andy/internal/container"
	"github.com/andyhub/andy/internal/groupqueue"
	"github.com/andyhub/andy/internal/router"
	"github.com/andyhub/andy/internal/store"
)

// TypingSetter is the narrow slice of ChannelSet the processor needs to
// report a working indicator while a container runs.
type TypingSetter interface {
	SetTyping(ctx context.Context, chatJID string, on bool) error
}

// SecretsResolver returns the credential map an agent container for jid
// should receive on stdin; channels supply their own via
// config.ReadEnvFile, kept out of the processor so it never has to know
// which channel owns a JID.
type SecretsResolver func(jid string) (map[string]string, error)

// MountsResolver returns the bind mounts (already allowlist-validated) an
// agent container for jid should receive.
type MountsResolver func(jid string, groupFolder string) ([]container.Mount, error)

// batchOutcome is what a live container reports back for one message
// batch, whether it was just spawned or reused via GroupQueue.SendMessage.
type batchOutcome struct {
	produced bool
	err      error
}

// containerCtx tracks a live container spawned for jid: where its onRecord
// closure delivers the next batch's outcome, so a later ProcessMessages
// call that reuses the container (via GroupQueue.SendMessage) can wait on
// the same channel the original spawn's goroutine still owns. GroupQueue's
// own per-JID serialization guarantees at most one waiter exists at a time.
type containerCtx struct {
	inboxDir string
	outcome  chan batchOutcome
}

// inboxHandle adapts a container's inbox directory to groupqueue.ProcessHandle:
// SendMessage appends another inbox file to a container that is already
// running, Close writes the "_close" sentinel it polls for.
type inboxHandle struct {
	dir string
}

func (h *inboxHandle) SendMessage(text string) bool {
	payload := map[string]any{"content": text, "timestamp": time.Now().UTC().UnixMilli()}
	return container.WriteInboxMessage(h.dir, uuid.NewString(), payload) == nil
}

func (h *inboxHandle) Close() {
	_ = container.SignalClose(h.dir)
}

// ContainerRunner is the subset of *container.Runner the processor depends
// on, narrowed so tests can substitute a fake without a real container
// runtime on PATH.
type ContainerRunner interface {
	Run(ctx context.Context, req container.RunRequest, onRecord func(container.Record)) error
}

// Processor implements processMessages(jid) -> bool.
type Processor struct {
	store         *store.Store
	runner        ContainerRunner
	router        *router.Router
	typing        TypingSetter
	secrets       SecretsResolver
	mounts        MountsResolver
	queue         *groupqueue.GroupQueue
	image         string
	ipcRoot       string
	runTimeout    time.Duration
	assistantName string

	mu         sync.Mutex
	llmSessions map[string]string        // jid -> last sessionId, for session reuse
	containers  map[string]*containerCtx // jid -> live message-batch container
}

// New builds a Processor. queue is the GroupQueue this Processor's
// containers register themselves with for reuse/preemption; it may be nil
// in tests that never exercise the eligible-message path.
func New(st *store.Store, runner ContainerRunner, rt *router.Router, typing TypingSetter,
	secrets SecretsResolver, mounts MountsResolver, image, ipcRoot string, runTimeout time.Duration,
	assistantName string, queue *groupqueue.GroupQueue) *Processor {
	return &Processor{
		store: st, runner: runner, router: rt, typing: typing,
		secrets: secrets, mounts: mounts, queue: queue, image: image, ipcRoot: ipcRoot,
		runTimeout:    runTimeout,
		assistantName: assistantName,
		llmSessions:   make(map[string]string),
		containers:    make(map[string]*containerCtx),
	}
}

// ProcessMessages implements C6's core operation. It returns true if at
// least one "result" record was produced and routed back to the chat. The
// cursor only advances once the batch has been confirmed successful: a
// container failure leaves the cursor exactly where it was, so the same
// batch is retried rather than silently skipped.
func (p *Processor) ProcessMessages(ctx context.Context, jid string) (bool, error) {
	// 1. Fetch everything new since the chat's cursor, excluding the
	// assistant's own traffic (is_bot_message plus the prefix backstop).
	msgs, err := p.store.GetNewMessages(ctx, jid, p.assistantName)
	if err != nil {
		return false, fmt.Errorf("processor: get new messages %s: %w", jid, err)
	}
	if len(msgs) == 0 {
		return false, nil
	}

	// 2. Drop anything from the assistant itself; it is never eligible
	// regardless of trigger state.
	group, err := p.store.GroupByJID(ctx, jid)
	if err != nil {
		return false, fmt.Errorf("processor: group lookup %s: %w", jid, err)
	}

	candidates := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsFromMe {
			continue
		}
		candidates = append(candidates, m)
	}

	last := msgs[len(msgs)-1]

	// 3. Decide whether this batch dispatches at all. A group with
	// requires_trigger=false always dispatches; otherwise dispatch only if
	// some candidate's content matches the group's own trigger word. A
	// JID with no registered group (direct chat) always dispatches.
	shouldDispatch := len(candidates) > 0
	if shouldDispatch && group != nil && group.RequiresTrigger {
		shouldDispatch = false
		for _, m := range candidates {
			if matchesTrigger(m.Content, group.Trigger) {
				shouldDispatch = true
				break
			}
		}
	}

	// 4. Not dispatching: advance past everything seen (a gated-off batch
	// is never retried) since no container run was attempted at all, so
	// there is nothing to roll back.
	if !shouldDispatch {
		if err := p.store.AdvanceCursor(ctx, jid, last.Timestamp, last.ID); err != nil {
			slog.Error("processor: advance cursor failed", "jid", jid, "err", err)
		}
		return false, nil
	}
	eligible := candidates

	groupFolder := "main"
	if group != nil {
		groupFolder = group.Folder
	}
	transcript := buildTranscript(eligible)

	// 5. Deliver into an already-live, idle container if GroupQueue has
	// one registered for this JID (container reuse); otherwise spawn one.
	var out batchOutcome
	if p.queue != nil && p.queue.SendMessage(jid, transcript) {
		out, err = p.awaitOutcome(ctx, jid)
	} else {
		out, err = p.spawnContainer(ctx, jid, groupFolder, transcript)
	}
	if err != nil {
		return false, err
	}

	// 6. Only advance the cursor once the run is confirmed successful;
	// on failure the batch (including any already-seen but ineligible
	// trailing messages) is left for the next attempt.
	if out.err != nil {
		return out.produced, fmt.Errorf("processor: run container %s: %w", jid, out.err)
	}
	if err := p.store.AdvanceCursor(ctx, jid, last.Timestamp, last.ID); err != nil {
		slog.Error("processor: advance cursor failed", "jid", jid, "err", err)
	}
	return out.produced, nil
}

// awaitOutcome blocks for the next batch outcome the container registered
// for jid reports, as delivered by the goroutine spawnContainer started
// for it. GroupQueue guarantees at most one message pass per JID is ever
// in flight, so there is never more than one waiter on this channel.
func (p *Processor) awaitOutcome(ctx context.Context, jid string) (batchOutcome, error) {
	p.mu.Lock()
	cc := p.containers[jid]
	p.mu.Unlock()
	if cc == nil {
		return batchOutcome{}, fmt.Errorf("processor: reuse signalled for %s but no container is registered", jid)
	}
	select {
	case out := <-cc.outcome:
		return out, nil
	case <-ctx.Done():
		return batchOutcome{}, ctx.Err()
	}
}

// spawnContainer starts a fresh agent container for jid's first eligible
// batch, registers it with GroupQueue so later batches can be delivered
// into it directly, and blocks until the batch's outcome is known (either
// the agent reports it is idle after producing a reply, or the container
// process exits on its own).
func (p *Processor) spawnContainer(ctx context.Context, jid, groupFolder, transcript string) (batchOutcome, error) {
	secrets, err := p.secrets(jid)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("processor: resolve secrets %s: %w", jid, err)
	}
	mounts, err := p.mounts(jid, groupFolder)
	if err != nil {
		return batchOutcome{}, fmt.Errorf("processor: resolve mounts %s: %w", jid, err)
	}

	inboxDir := inboxDirFor(p.ipcRoot, groupFolder)
	payload := map[string]any{
		"content":   transcript,
		"timestamp": time.Now().UTC().UnixMilli(),
		"sessionId": p.sessionFor(jid),
	}
	msgID := uuid.NewString()
	if err := container.WriteInboxMessage(inboxDir, msgID, payload); err != nil {
		return batchOutcome{}, fmt.Errorf("processor: write inbox message %s: %w", jid, err)
	}

	cc := &containerCtx{inboxDir: inboxDir, outcome: make(chan batchOutcome, 1)}
	p.mu.Lock()
	p.containers[jid] = cc
	p.mu.Unlock()

	if p.queue != nil {
		p.queue.RegisterProcess(jid, msgID, &inboxHandle{dir: inboxDir}, false)
	}

	_ = p.typing.SetTyping(ctx, jid, true)

	go p.runContainer(jid, inboxDir, mounts, secrets, cc)

	select {
	case out := <-cc.outcome:
		return out, nil
	case <-ctx.Done():
		return batchOutcome{}, ctx.Err()
	}
}

// runContainer owns the full lifetime of one spawned container process.
// It keeps running (and may process several batches, each delivered via
// GroupQueue.SendMessage by a later ProcessMessages call) until the agent
// exits or NotifyIdle refuses reuse because a task preempted it.
func (p *Processor) runContainer(jid, inboxDir string, mounts []container.Mount, secrets map[string]string, cc *containerCtx) {
	produced := false
	runErr := p.runner.Run(context.Background(), container.RunRequest{
		Image:    p.image,
		GroupJID: jid,
		InboxDir: inboxDir,
		Mounts:   mounts,
		Secrets:  secrets,
		Timeout:  p.runTimeout,
	}, func(rec container.Record) {
		switch rec.Type {
		case container.RecordResult:
			if err := p.router.Route(context.Background(), jid, rec.Content); err != nil {
				slog.Error("processor: route result failed", "jid", jid, "err", err)
				return
			}
			produced = true
		case container.RecordTyping:
			_ = p.typing.SetTyping(context.Background(), jid, rec.Typing)
		case container.RecordSession:
			p.setSession(jid, rec.SessionID)
		case container.RecordStatus:
			p.handleStatus(jid, inboxDir, cc, rec, &produced)
		}
	})

	_ = p.typing.SetTyping(context.Background(), jid, false)
	if p.queue != nil {
		p.queue.ContainerExited(jid)
	}
	p.mu.Lock()
	delete(p.containers, jid)
	p.mu.Unlock()
	p.deliverOutcome(cc, batchOutcome{produced: produced, err: runErr})
}

// handleStatus reacts to the agent's own status records: "idle" marks the
// end of a batch, handing the container back to GroupQueue for possible
// reuse (or closing it if a task is now waiting); anything else is just
// logged.
func (p *Processor) handleStatus(jid, inboxDir string, cc *containerCtx, rec container.Record, produced *bool) {
	switch rec.Status {
	case "idle":
		if p.queue == nil || !p.queue.NotifyIdle(jid) {
			_ = container.SignalClose(inboxDir)
			return
		}
		p.deliverOutcome(cc, batchOutcome{produced: *produced})
		*produced = false
	case "error":
		slog.Error("processor: agent reported error", "jid", jid, "err", rec.Error)
	default:
		slog.Info("processor: agent status", "jid", jid, "status", rec.Status)
	}
}

// deliverOutcome is a non-blocking send: a container can report an "idle"
// outcome and later a final exit outcome, but only one waiter is ever
// reading (GroupQueue serializes per-JID work), so a second send while the
// first is still unread is simply dropped rather than blocking forever.
func (p *Processor) deliverOutcome(cc *containerCtx, out batchOutcome) {
	select {
	case cc.outcome <- out:
	default:
	}
}

// RunTask implements the scheduler's dedicated task path: a fresh
// container is always spawned (never reused across runs, and never
// registered as reusable for ordinary messages), carrying prior session
// continuity only when the task's context mode is "group". The first
// result produced is forwarded immediately; the container is then given a
// grace window to wind down before its stdin is force-closed.
func (p *Processor) RunTask(ctx context.Context, jid string, task store.Task) (string, error) {
	group, err := p.store.GroupByJID(ctx, jid)
	if err != nil {
		return "", fmt.Errorf("processor: group lookup %s: %w", jid, err)
	}
	groupFolder := task.GroupFolder
	if group != nil {
		groupFolder = group.Folder
	}

	secrets, err := p.secrets(jid)
	if err != nil {
		return "", fmt.Errorf("processor: resolve secrets %s: %w", jid, err)
	}
	mounts, err := p.mounts(jid, groupFolder)
	if err != nil {
		return "", fmt.Errorf("processor: resolve mounts %s: %w", jid, err)
	}

	inboxDir := inboxDirFor(p.ipcRoot, groupFolder) + "/task-" + task.ID
	payload := map[string]any{"content": task.Content, "timestamp": time.Now().UTC().UnixMilli()}
	if task.ContextMode == store.ContextGroup {
		payload["sessionId"] = p.sessionFor(jid)
	}
	if err := container.WriteInboxMessage(inboxDir, uuid.NewString(), payload); err != nil {
		return "", fmt.Errorf("processor: write task inbox message %s: %w", task.ID, err)
	}

	if p.queue != nil {
		p.queue.RegisterProcess(jid, "task-"+task.ID, &inboxHandle{dir: inboxDir}, true)
		defer p.queue.ContainerExited(jid)
	}

	var (
		result    string
		forwarded bool
		closeOnce sync.Once
	)
	scheduleClose := func() {
		closeOnce.Do(func() {
			time.AfterFunc(10*time.Second, func() {
				if p.queue != nil {
					p.queue.CloseStdin(jid)
				} else {
					_ = container.SignalClose(inboxDir)
				}
			})
		})
	}

	runErr := p.runner.Run(ctx, container.RunRequest{
		Image:    p.image,
		GroupJID: jid,
		InboxDir: inboxDir,
		Mounts:   mounts,
		Secrets:  secrets,
		Timeout:  p.runTimeout,
	}, func(rec container.Record) {
		switch rec.Type {
		case container.RecordResult:
			if !forwarded {
				if err := p.router.Route(ctx, jid, rec.Content); err != nil {
					slog.Error("processor: route task result failed", "jid", jid, "task", task.ID, "err", err)
				} else {
					forwarded = true
					result = rec.Content
				}
				scheduleClose()
			}
		case container.RecordSession:
			if task.ContextMode == store.ContextGroup {
				p.setSession(jid, rec.SessionID)
			}
		case container.RecordStatus:
			if rec.Status == "error" {
				slog.Error("processor: task agent reported error", "jid", jid, "task", task.ID, "err", rec.Error)
			}
		}
	})
	if runErr != nil {
		return result, fmt.Errorf("processor: run task container %s: %w", task.ID, runErr)
	}
	return result, nil
}

// matchesTrigger reports whether content invokes trigger: case-insensitive,
// anchored on the trimmed start of the message so "andy summarize this"
// matches but "hey andy" does not.
func matchesTrigger(content, trigger string) bool {
	if trigger == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(content)), strings.ToLower(trigger))
}

// buildTranscript joins one batch's eligible messages into the single
// text blob delivered to the container, oldest first.
func buildTranscript(msgs []store.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.SenderName+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

func inboxDirFor(ipcRoot, groupFolder string) string {
	return ipcRoot + "/" + groupFolder
}

func (p *Processor) sessionFor(jid string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.llmSessions[jid]
}

func (p *Processor) setSession(jid, sessionID string) {
	if sessionID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.llmSessions[jid] = sessionID
}
