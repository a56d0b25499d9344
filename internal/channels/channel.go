// Package channels implements the ChannelSet: the collection of transport
// adapters (long-lived socket, long-lived pub/sub, poll-based) that each
// own a disjoint slice of the JID namespace.
package channels

import (
	"context"
	"time"
)

// InboundMessage is what a Channel hands to its onMessage callback the
// moment a new message from its transport is observed. It carries enough
// to let the caller persist it and decide routing without reaching back
// into channel-specific state.
type InboundMessage struct {
	ChatJID    string
	MessageID  string
	SenderJID  string
	SenderName string
	Content    string
	IsFromMe   bool
	Timestamp  time.Time
}

// ChatMetadataUpdate is emitted whenever a channel observes a change to a
// chat's display name or membership, independent of any message traffic.
type ChatMetadataUpdate struct {
	ChatJID string
	Name    string
	IsGroup bool
}

// OutboundMessage is what the router hands to Send.
type OutboundMessage struct {
	ChatJID string
	Content string
}

// Channel is the capability set every transport adapter implements.
// ChannelSet treats all three variants (long-lived socket, long-lived
// pub/sub, poll-based) identically through this interface; only their
// internal Start loop differs.
type Channel interface {
	// Name identifies the channel for logging and for the JID prefix it owns.
	Name() string

	// Start connects (or begins polling) and blocks, invoking the
	// onChatMetadata/onMessage callbacks supplied at construction time
	// until ctx is cancelled or an unrecoverable error occurs.
	Start(ctx context.Context) error

	// Stop disconnects cleanly. It must be safe to call even if Start
	// never successfully connected.
	Stop() error

	// Send delivers an outbound message to the given chat. If the
	// channel is not currently connected, implementations queue the
	// message and flush it on reconnect rather than dropping it.
	Send(ctx context.Context, msg *OutboundMessage) error

	// OwnsJID reports whether this channel is responsible for the given
	// chat JID, determined by a channel-specific prefix (e.g. "wa:",
	// "slack:", "mail:"). ChannelSet routes by it, picking the first
	// channel that claims a JID; it does not check claims for overlap.
	OwnsJID(jid string) bool

	// SetTyping reports a typing/working indicator to the chat, best
	// effort: channels that have no such concept (mail-like) no-op.
	SetTyping(ctx context.Context, chatJID string, on bool) error
}

// Callbacks bundles the two callbacks every channel constructor takes, so
// channel.New* functions share one parameter instead of two loose funcs.
type Callbacks struct {
	OnChatMetadata func(ChatMetadataUpdate)
	OnMessage      func(InboundMessage)
}
