package channels

import (
	"context"
	"errors"
	"testing"
)

type fakeChannel struct {
	name      string
	prefix    string
	sent      []*OutboundMessage
	sendErr   error
	startErr  error
	stopCalls int
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) OwnsJID(jid string) bool {
	return len(jid) >= len(f.prefix) && jid[:len(f.prefix)] == f.prefix
}
func (f *fakeChannel) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}
func (f *fakeChannel) Stop() error {
	f.stopCalls++
	return nil
}
func (f *fakeChannel) Send(ctx context.Context, msg *OutboundMessage) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeChannel) SetTyping(ctx context.Context, chatJID string, on bool) error { return nil }

func TestChannelSetRoutesByOwnership(t *testing.T) {
	wa := &fakeChannel{name: "whatsapp", prefix: "wa:"}
	sl := &fakeChannel{name: "slack", prefix: "slack:"}
	cs := NewChannelSet(wa, sl)

	if err := cs.Send(context.Background(), &OutboundMessage{ChatJID: "slack:C123", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sl.sent) != 1 || len(wa.sent) != 0 {
		t.Error("message should have routed to the slack channel only")
	}
}

func TestChannelSetRejectsUnownedJID(t *testing.T) {
	cs := NewChannelSet(&fakeChannel{name: "whatsapp", prefix: "wa:"})
	if err := cs.Send(context.Background(), &OutboundMessage{ChatJID: "mail:main", Content: "hi"}); err == nil {
		t.Error("expected error for a jid no channel owns")
	}
}

func TestChannelSetStopAllCallsEveryChannel(t *testing.T) {
	wa := &fakeChannel{name: "whatsapp", prefix: "wa:"}
	sl := &fakeChannel{name: "slack", prefix: "slack:"}
	cs := NewChannelSet(wa, sl)

	if err := cs.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if wa.stopCalls != 1 || sl.stopCalls != 1 {
		t.Error("expected Stop called exactly once per channel")
	}
}

func TestChannelSetStartAllPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	wa := &fakeChannel{name: "whatsapp", prefix: "wa:", startErr: boom}
	cs := NewChannelSet(wa)

	err := cs.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected StartAll to propagate the channel's start error")
	}
}
