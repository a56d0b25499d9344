package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "andy.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.StoreChatMetadata(ctx, "wa:1@s.whatsapp.net", "Alice", false); err != nil {
		t.Fatalf("StoreChatMetadata: %v", err)
	}

	msg := Message{ChatJID: "wa:1@s.whatsapp.net", ID: "m1", Content: "hi", Timestamp: time.Now()}
	inserted, err := s.StoreMessage(ctx, msg)
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	if !inserted {
		t.Error("expected first StoreMessage to insert")
	}

	inserted, err = s.StoreMessage(ctx, msg)
	if err != nil {
		t.Fatalf("StoreMessage (dup): %v", err)
	}
	if inserted {
		t.Error("expected a re-delivered (chat_jid, id) to report as an update, not a first insert")
	}

	msgs, err := s.GetNewMessages(ctx, "wa:1@s.whatsapp.net", "")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestStoreMessageOverwritesOnRedelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jid := "wa:1@s.whatsapp.net"
	if err := s.StoreChatMetadata(ctx, jid, "Alice", false); err != nil {
		t.Fatal(err)
	}

	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m1", Content: "original", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m1", Content: "edited", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetNewMessages(ctx, jid, "")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "edited" {
		t.Fatalf("expected the redelivered edit to overwrite the row, got %+v", msgs)
	}
}

func TestGetNewMessagesExcludesBotTraffic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jid := "wa:1@s.whatsapp.net"
	if err := s.StoreChatMetadata(ctx, jid, "Alice", false); err != nil {
		t.Fatal(err)
	}

	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m1", Content: "hi", Timestamp: time.Now(), IsBotMessage: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m2", Content: "Andy: I already said hi", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m3", Content: "a real reply", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetNewMessages(ctx, jid, "Andy")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m3" {
		t.Fatalf("expected only m3 past both bot-filters, got %+v", msgs)
	}
}

func TestCursorAdvanceExcludesConsumedMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	jid := "wa:1@s.whatsapp.net"
	if err := s.StoreChatMetadata(ctx, jid, "Alice", false); err != nil {
		t.Fatalf("StoreChatMetadata: %v", err)
	}

	t1 := time.Now().Add(-2 * time.Minute)
	t2 := time.Now().Add(-1 * time.Minute)
	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m1", Content: "a", Timestamp: t1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreMessage(ctx, Message{ChatJID: jid, ID: "m2", Content: "b", Timestamp: t2}); err != nil {
		t.Fatal(err)
	}

	if err := s.AdvanceCursor(ctx, jid, t1, "m1"); err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}

	msgs, err := s.GetNewMessages(ctx, jid, "")
	if err != nil {
		t.Fatalf("GetNewMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("GetNewMessages after cursor advance = %+v, want only m2", msgs)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	if err := s.CreateTask(ctx, Task{
		ID: "t1", GroupFolder: "main", ChatJID: "wa:123@g.us", ContextMode: ContextIsolated, ScheduleKind: ScheduleOnce,
		ScheduleExpr: "", Timezone: "UTC", Content: "do the thing",
		Status: TaskActive, NextRun: past,
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.CreateTask(ctx, Task{
		ID: "t2", GroupFolder: "main", ChatJID: "wa:123@g.us", ContextMode: ContextIsolated, ScheduleKind: ScheduleOnce,
		ScheduleExpr: "", Timezone: "UTC", Content: "later",
		Status: TaskActive, NextRun: future,
	}); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}

	due, err := s.GetDueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetDueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != "t1" {
		t.Fatalf("GetDueTasks = %+v, want only t1", due)
	}

	if err := s.UpdateTaskAfterRun(ctx, "t1", time.Now(), future, TaskDone); err != nil {
		t.Fatalf("UpdateTaskAfterRun: %v", err)
	}
	if err := s.LogTaskRun(ctx, "t1", time.Now(), time.Now(), "success", "done", ""); err != nil {
		t.Fatalf("LogTaskRun: %v", err)
	}

	got, err := s.GetTaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTaskByID: %v", err)
	}
	if got == nil || got.Status != TaskDone {
		t.Fatalf("expected t1 done after a 'once' run, got %+v", got)
	}

	if err := s.DeleteTask(ctx, "t2"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	all, err := s.GetAllTasks(ctx)
	if err != nil {
		t.Fatalf("GetAllTasks: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAllTasks = %d tasks, want 1 after delete", len(all))
	}
}

func TestGroupRegistration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.RegisterGroup(ctx, "main", "wa:123@g.us", "andy", true); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	g, err := s.GroupByJID(ctx, "wa:123@g.us")
	if err != nil {
		t.Fatalf("GroupByJID: %v", err)
	}
	if g == nil || g.Folder != "main" || !g.RequiresTrigger {
		t.Fatalf("GroupByJID = %+v, want folder main, requires_trigger true", g)
	}

	groups, err := s.GetRegisteredGroups(ctx)
	if err != nil {
		t.Fatalf("GetRegisteredGroups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("GetRegisteredGroups = %d, want 1", len(groups))
	}

	if err := s.RegisterGroup(ctx, "side", "wa:456@g.us", "bot", false); err != nil {
		t.Fatalf("RegisterGroup (no trigger required): %v", err)
	}
	g2, err := s.GroupByJID(ctx, "wa:456@g.us")
	if err != nil {
		t.Fatalf("GroupByJID: %v", err)
	}
	if g2 == nil || g2.RequiresTrigger {
		t.Fatalf("GroupByJID = %+v, want requires_trigger false", g2)
	}
	if err := s.RemoveGroup(ctx, "side"); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}

	if err := s.RemoveGroup(ctx, "main"); err != nil {
		t.Fatalf("RemoveGroup: %v", err)
	}
	g, err = s.GroupByJID(ctx, "wa:123@g.us")
	if err != nil {
		t.Fatalf("GroupByJID after remove: %v", err)
	}
	if g != nil {
		t.Fatalf("expected nil group after removal, got %+v", g)
	}
}
