// Package router implements C3: resolving which channel owns a JID and
// splitting long agent output into transport-sized chunks before sending.
package router

import (
	"context"
	"fmt"

	"github.com/andyhub/andy/internal/channels"
)

// Sender is the subset of ChannelSet the router depends on, narrowed so
// tests can substitute a fake without constructing real channels.
type Sender interface {
	OwnerOf(jid string) channels.Channel
	Send(ctx context.Context, msg *channels.OutboundMessage) error
}

// Router dispatches agent results back to the chat they came from,
// splitting content longer than its maxLen (one limit for every channel).
type Router struct {
	sender  Sender
	maxLen  int
}

// New builds a Router. maxLen is the transport-agnostic chunk size; when a
// channel has its own tighter protocol limit, pass that as maxLen instead.
func New(sender Sender, maxLen int) *Router {
	if maxLen <= 0 {
		maxLen = 4000
	}
	return &Router{sender: sender, maxLen: maxLen}
}

// FindChannel resolves the channel owning jid, or an error if none does.
func (r *Router) FindChannel(jid string) (channels.Channel, error) {
	ch := r.sender.OwnerOf(jid)
	if ch == nil {
		return nil, fmt.Errorf("router: no channel owns jid %q", jid)
	}
	return ch, nil
}

// Route checks that some channel owns jid, splits content into chunks of
// at most maxLen runes and sends each chunk in order, stopping at the
// first send error.
func (r *Router) Route(ctx context.Context, jid, content string) error {
	if _, err := r.FindChannel(jid); err != nil {
		return err
	}
	for _, chunk := range SplitForLength(content, r.maxLen) {
		if err := r.sender.Send(ctx, &channels.OutboundMessage{ChatJID: jid, Content: chunk}); err != nil {
			return fmt.Errorf("router: send to %s: %w", jid, err)
		}
	}
	return nil
}

// SplitForLength breaks content into exactly ⌈len(content)/limit⌉ chunks of
// at most limit runes each, cut at literal limit boundaries. Concatenating
// the result always reproduces content exactly: no separator is ever
// trimmed or dropped, since the round-trip is the property callers (and the
// channel's own length limit) depend on, not cosmetic break placement.
// Returns a single empty-string chunk for empty input so callers always get
// at least one send.
func SplitForLength(content string, limit int) []string {
	if limit <= 0 {
		limit = 4000
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}

	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for len(runes) > 0 {
		cut := limit
		if cut > len(runes) {
			cut = len(runes)
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}
