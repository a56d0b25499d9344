package channels

import (
	"context"
	"fmt"
	"sync"
)

// ChannelSet holds the running Channel instances and routes by JID
// ownership. Construction does not check ownership claims: when two
// channels claim a JID, the first in order wins, and Send/SetTyping return
// an error for a JID no channel owns rather than silently dropping it.
type ChannelSet struct {
	channels []Channel
}

// NewChannelSet wraps the given channels. Order is preserved for OwnerOf
// lookups, so list higher-traffic channels first.
func NewChannelSet(channels ...Channel) *ChannelSet {
	return &ChannelSet{channels: channels}
}

// OwnerOf returns the channel that owns jid, or nil if none claims it.
func (s *ChannelSet) OwnerOf(jid string) Channel {
	for _, c := range s.channels {
		if c.OwnsJID(jid) {
			return c
		}
	}
	return nil
}

// StartAll connects every channel concurrently and blocks until ctx is
// cancelled or any channel's Start returns a non-nil error, at which
// point it cancels the rest.
func (s *ChannelSet) StartAll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(s.channels))
	for _, c := range s.channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			if err := c.Start(ctx); err != nil {
				errs <- fmt.Errorf("channel %s: %w", c.Name(), err)
				cancel()
			}
		}(c)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// StopAll disconnects every channel, collecting the first error but
// attempting every Stop regardless.
func (s *ChannelSet) StopAll() error {
	var first error
	for _, c := range s.channels {
		if err := c.Stop(); err != nil && first == nil {
			first = fmt.Errorf("channel %s: %w", c.Name(), err)
		}
	}
	return first
}

// Send routes an outbound message to the channel that owns its chat JID.
func (s *ChannelSet) Send(ctx context.Context, msg *OutboundMessage) error {
	owner := s.OwnerOf(msg.ChatJID)
	if owner == nil {
		return fmt.Errorf("channels: no channel owns jid %q", msg.ChatJID)
	}
	return owner.Send(ctx, msg)
}

// SetTyping routes a typing indicator to the owning channel.
func (s *ChannelSet) SetTyping(ctx context.Context, chatJID string, on bool) error {
	owner := s.OwnerOf(chatJID)
	if owner == nil {
		return fmt.Errorf("channels: no channel owns jid %q", chatJID)
	}
	return owner.SetTyping(ctx, chatJID, on)
}
