package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/andyhub/andy/internal/channels"
	"github.com/andyhub/andy/internal/container"
	"github.com/andyhub/andy/internal/router"
	"github.com/andyhub/andy/internal/store"
)

type fakeTyping struct{ calls []bool }

func (f *fakeTyping) SetTyping(ctx context.Context, chatJID string, on bool) error {
	f.calls = append(f.calls, on)
	return nil
}

type fakeSender struct {
	owner channels.Channel
	sent  []*channels.OutboundMessage
}

func (f *fakeSender) OwnerOf(jid string) channels.Channel { return f.owner }
func (f *fakeSender) Send(ctx context.Context, msg *channels.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

type fakeChannel struct{}

func (fakeChannel) Name() string                                                  { return "fake" }
func (fakeChannel) OwnsJID(jid string) bool                                       { return true }
func (fakeChannel) Start(ctx context.Context) error                               { return nil }
func (fakeChannel) Stop() error                                                   { return nil }
func (fakeChannel) Send(ctx context.Context, msg *channels.OutboundMessage) error { return nil }
func (fakeChannel) SetTyping(ctx context.Context, jid string, on bool) error      { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "andy.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessMessagesSkipsNonTriggeringGroupMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jid := "wa:123@g.us"
	if err := st.StoreChatMetadata(ctx, jid, "Group", true); err != nil {
		t.Fatal(err)
	}
	if err := st.RegisterGroup(ctx, "main", jid, "andy", true); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StoreMessage(ctx, store.Message{ChatJID: jid, ID: "m1", Content: "just chatting", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	typing := &fakeTyping{}
	sender := &fakeSender{owner: fakeChannel{}}
	r := router.New(sender, 4000)
	p := New(st, nil, r, typing,
		func(jid string) (map[string]string, error) { return nil, nil },
		func(jid, folder string) ([]container.Mount, error) { return nil, nil },
		"andy-agent:latest", t.TempDir(), 30*time.Second, "Andy", nil)

	produced, err := p.ProcessMessages(ctx, jid)
	if err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if produced {
		t.Error("expected no output for a non-triggering group message")
	}
	if len(typing.calls) != 0 {
		t.Error("expected no typing indicator when nothing was eligible")
	}

	remaining, err := st.GetNewMessages(ctx, jid, "Andy")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Error("expected the cursor to advance past the skipped message")
	}
}

func TestProcessMessagesAlwaysDispatchesWhenTriggerNotRequired(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jid := "wa:123@g.us"
	if err := st.StoreChatMetadata(ctx, jid, "Group", true); err != nil {
		t.Fatal(err)
	}
	if err := st.RegisterGroup(ctx, "main", jid, "andy", false); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StoreMessage(ctx, store.Message{ChatJID: jid, ID: "m1", Content: "just chatting", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	typing := &fakeTyping{}
	sender := &fakeSender{owner: fakeChannel{}}
	r := router.New(sender, 4000)
	runner := &fakeRunner{}
	p := New(st, runner, r, typing,
		func(jid string) (map[string]string, error) { return nil, nil },
		func(jid, folder string) ([]container.Mount, error) { return nil, nil },
		"andy-agent:latest", t.TempDir(), 30*time.Second, "Andy", nil)

	if _, err := p.ProcessMessages(ctx, jid); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner.calls = %d, want 1 for a group with requires_trigger=false", runner.calls)
	}
}

func TestProcessMessagesDispatchesFullBatchOnTriggerMatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jid := "wa:123@g.us"
	if err := st.StoreChatMetadata(ctx, jid, "Group", true); err != nil {
		t.Fatal(err)
	}
	if err := st.RegisterGroup(ctx, "main", jid, "andy", true); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	if _, err := st.StoreMessage(ctx, store.Message{ChatJID: jid, ID: "m1", Content: "just chatting", Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StoreMessage(ctx, store.Message{ChatJID: jid, ID: "m2", Content: "andy summarize this", Timestamp: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	typing := &fakeTyping{}
	sender := &fakeSender{owner: fakeChannel{}}
	r := router.New(sender, 4000)
	runner := &fakeRunner{}
	p := New(st, runner, r, typing,
		func(jid string) (map[string]string, error) { return nil, nil },
		func(jid, folder string) ([]container.Mount, error) { return nil, nil },
		"andy-agent:latest", t.TempDir(), 30*time.Second, "Andy", nil)

	if _, err := p.ProcessMessages(ctx, jid); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner.calls = %d, want 1", runner.calls)
	}

	remaining, err := st.GetNewMessages(ctx, jid, "Andy")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Error("expected the cursor to advance past both messages once the triggered batch succeeded")
	}
}

func TestProcessMessagesNoNewMessagesIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jid := "wa:123@s.whatsapp.net"
	if err := st.StoreChatMetadata(ctx, jid, "Alice", false); err != nil {
		t.Fatal(err)
	}

	typing := &fakeTyping{}
	sender := &fakeSender{owner: fakeChannel{}}
	r := router.New(sender, 4000)
	p := New(st, nil, r, typing,
		func(jid string) (map[string]string, error) { return nil, nil },
		func(jid, folder string) ([]container.Mount, error) { return nil, nil },
		"andy-agent:latest", t.TempDir(), 30*time.Second, "Andy", nil)

	produced, err := p.ProcessMessages(ctx, jid)
	if err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	if produced {
		t.Error("expected no output when there are no new messages")
	}
}

// fakeRunner lets tests drive a container's recorded output without a real
// container runtime, and reports whether it ever ran.
type fakeRunner struct {
	runErr  error
	records []container.Record
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, req container.RunRequest, onRecord func(container.Record)) error {
	f.calls++
	for _, rec := range f.records {
		onRecord(rec)
	}
	return f.runErr
}

func TestProcessMessagesDoesNotAdvanceCursorOnContainerFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	jid := "wa:123@s.whatsapp.net"
	if err := st.StoreChatMetadata(ctx, jid, "Alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StoreMessage(ctx, store.Message{ChatJID: jid, ID: "m1", Content: "hello", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	typing := &fakeTyping{}
	sender := &fakeSender{owner: fakeChannel{}}
	r := router.New(sender, 4000)
	runner := &fakeRunner{runErr: errors.New("container boom")}
	p := New(st, runner, r, typing,
		func(jid string) (map[string]string, error) { return nil, nil },
		func(jid, folder string) ([]container.Mount, error) { return nil, nil },
		"andy-agent:latest", t.TempDir(), 30*time.Second, "Andy", nil)

	// Dispatch gating only applies to a registered group with
	// requires_trigger=true; a plain 1:1 chat has no group registration, so
	// this message dispatches as-is.
	if _, err := p.ProcessMessages(ctx, jid); err == nil {
		t.Fatal("expected ProcessMessages to surface the container failure")
	}
	if runner.calls != 1 {
		t.Fatalf("runner.calls = %d, want 1", runner.calls)
	}

	remaining, err := st.GetNewMessages(ctx, jid, "Andy")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(remaining) != 1 {
		t.Error("expected the cursor to stay put after a failed run, so the batch is retried")
	}

	// A second attempt, this time succeeding, must advance the cursor.
	runner.runErr = nil
	runner.records = []container.Record{{Type: container.RecordResult, Content: "hi back"}, {Type: container.RecordStatus, Status: "idle"}}
	if _, err := p.ProcessMessages(ctx, jid); err != nil {
		t.Fatalf("ProcessMessages: %v", err)
	}
	remaining, err = st.GetNewMessages(ctx, jid, "Andy")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(remaining) != 0 {
		t.Error("expected the cursor to advance once the run succeeded")
	}
}
