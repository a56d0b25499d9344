// Package orchestrator implements C8: the process entrypoint that loads
// state, wires every other component together, and runs the main select
// loop until a shutdown signal arrives.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andyhub/andy/internal/channels"
	"github.com/andyhub/andy/internal/config"
	"github.com/andyhub/andy/internal/container"
	"github.com/andyhub/andy/internal/groupqueue"
	"github.com/andyhub/andy/internal/processor"
	"github.com/andyhub/andy/internal/router"
	"github.com/andyhub/andy/internal/scheduler"
	"github.com/andyhub/andy/internal/store"
)

// ShutdownDrainDeadline bounds how long in-flight GroupQueue mailboxes get
// to finish before a shutdown forcibly cancels them.
const ShutdownDrainDeadline = 20 * time.Second

// Orchestrator owns every long-lived component and the process lifecycle.
type Orchestrator struct {
	cfg   *config.CoreConfig
	paths config.Paths

	store      *store.Store
	channelSet *channels.ChannelSet
	queue      *groupqueue.GroupQueue
	sched      *scheduler.Scheduler
	runner     *container.Runner
	allowlist  *container.Allowlist
}

// New loads persistent state and wires every component, but does not yet
// start anything (that happens in Run). Channels are built here, not by
// the caller, since their Callbacks must close over the store and
// GroupQueue this constructor creates: an inbound message or chat-metadata
// update a channel observes is persisted and enqueued right here, which is
// what actually lets messages reach the broker at all.
func New(ctx context.Context, cfg *config.CoreConfig) (*Orchestrator, error) {
	paths := config.ResolvePaths(cfg)

	st, err := store.Open(ctx, paths.StoreDir+"/andy.db")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	allowlist, err := container.LoadAllowlist(paths.MountAllowlist)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: load mount allowlist: %w", err)
	}

	runner, err := container.NewRunner()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: container runtime: %w", err)
	}
	if err := runner.Preflight(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: container preflight: %w", err)
	}

	queue := groupqueue.New(cfg.MaxConcurrentContainers)

	cb := channels.Callbacks{
		OnMessage:      inboundMessageHandler(st, queue),
		OnChatMetadata: chatMetadataHandler(st),
	}
	chs, err := channels.BuildAll(ctx, cfg, paths, cb)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("orchestrator: build channels: %w", err)
	}
	channelSet := channels.NewChannelSet(chs...)

	rtr := router.New(channelSet, 4000)

	secretsResolver := func(jid string) (map[string]string, error) {
		return nil, nil
	}
	mountsResolver := func(jid, groupFolder string) ([]container.Mount, error) {
		mounts := []container.Mount{
			// The broker's own source tree, read-only, so an agent can
			// inspect the project it's running alongside without being
			// able to alter it.
			{HostPath: paths.ProjectRoot, ContainerPath: "/project", ReadOnly: true},
			{HostPath: paths.GroupsDir + "/" + groupFolder, ContainerPath: "/workspace", ReadOnly: false},
		}
		extra, err := loadAdditionalMounts(paths.GroupsDir, groupFolder)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, extra...)
		return allowlist.Validate(mounts, groupFolder)
	}

	proc := processor.New(st, runner, rtr, channelSet, secretsResolver, mountsResolver,
		cfg.ContainerImage, paths.IPCDir, 2*time.Minute, cfg.AssistantName, queue)

	queue.SetProcessMessagesFn(proc.ProcessMessages)

	sched := scheduler.New(scheduler.Config{
		PollInterval: cfg.SchedulerPollInterval,
		LockPath:     paths.IPCDir + "/scheduler.lock",
	}, st, queue)
	sched.SetRunTaskFn(proc.RunTask)

	o := &Orchestrator{
		cfg: cfg, paths: paths,
		store: st, channelSet: channelSet, queue: queue,
		sched: sched, runner: runner, allowlist: allowlist,
	}
	return o, nil
}

// loadAdditionalMounts reads a group folder's optional extra-mounts
// declaration (groupsDir/<folder>/.andy-mounts.json), a JSON array of
// {"hostPath","containerPath","readOnly"} entries. A missing file means no
// additional mounts; every entry returned still passes through the
// allowlist before being handed to the container runtime.
func loadAdditionalMounts(groupsDir, groupFolder string) ([]container.Mount, error) {
	path := groupsDir + "/" + groupFolder + "/.andy-mounts.json"
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read additional mounts %s: %w", path, err)
	}
	var entries []container.Mount
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("orchestrator: parse additional mounts %s: %w", path, err)
	}
	return entries, nil
}

// inboundMessageHandler returns the OnMessage callback wired into every
// channel: persist the message, then admit its JID for draining. This is
// the entire §2 inbound path — without it nothing a channel observes ever
// reaches Store or GroupQueue.
func inboundMessageHandler(st *store.Store, queue *groupqueue.GroupQueue) func(channels.InboundMessage) {
	return func(im channels.InboundMessage) {
		ctx := context.Background()
		msg := store.Message{
			ChatJID:    im.ChatJID,
			ID:         im.MessageID,
			SenderJID:  im.SenderJID,
			SenderName: im.SenderName,
			Content:    im.Content,
			IsFromMe:   im.IsFromMe,
			Timestamp:  im.Timestamp,
		}
		if _, err := st.StoreMessage(ctx, msg); err != nil {
			slog.Error("orchestrator: store message failed", "jid", im.ChatJID, "err", err)
			return
		}
		queue.EnqueueMessage(im.ChatJID)
	}
}

// chatMetadataHandler returns the OnChatMetadata callback wired into every
// channel: persist the display name/membership change.
func chatMetadataHandler(st *store.Store) func(channels.ChatMetadataUpdate) {
	return func(u channels.ChatMetadataUpdate) {
		if err := st.StoreChatMetadata(context.Background(), u.ChatJID, u.Name, u.IsGroup); err != nil {
			slog.Error("orchestrator: store chat metadata failed", "jid", u.ChatJID, "err", err)
		}
	}
}

// messageLoop is the periodic driver spec §5 calls for: on top of the
// push from inboundMessageHandler, it re-admits every known chat JID on
// PollInterval so a message that arrived without (or just ahead of) its
// EnqueueMessage call is still eventually drained.
func (o *Orchestrator) messageLoop(ctx context.Context) {
	interval := o.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chats, err := o.store.GetAllChats(ctx)
			if err != nil {
				slog.Error("orchestrator: message loop list chats failed", "err", err)
				continue
			}
			for _, c := range chats {
				o.queue.EnqueueMessage(c.JID)
			}
		}
	}
}

// Run starts every channel, the scheduler, the message-loop driver, and
// blocks until SIGINT/SIGTERM, then drains the GroupQueue before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	go func() {
		if err := o.channelSet.StartAll(ctx); err != nil {
			errCh <- fmt.Errorf("channels: %w", err)
		}
	}()
	go func() {
		if err := o.sched.Run(ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go o.messageLoop(ctx)

	select {
	case <-ctx.Done():
		slog.Info("orchestrator: shutdown signal received")
	case err := <-errCh:
		slog.Error("orchestrator: component failed, shutting down", "err", err)
	}

	o.queue.Shutdown(ShutdownDrainDeadline)
	if err := o.channelSet.StopAll(); err != nil {
		slog.Error("orchestrator: stop channels", "err", err)
	}
	if err := o.store.Close(); err != nil {
		slog.Error("orchestrator: close store", "err", err)
	}
	return nil
}

// Store exposes the underlying store for CLI subcommands that need direct
// read access (task list, group list) without duplicating Open logic.
func (o *Orchestrator) Store() *store.Store { return o.store }
