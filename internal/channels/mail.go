package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/andyhub/andy/internal/config"
)

// MailSource abstracts the inbox being polled (IMAP, a local Maildir, a
// forwarding webhook's backlog). Tests substitute a fake; this package
// ships no implementation, and BuildAll does not construct a MailChannel.
type MailSource interface {
	// Poll returns messages received since the last call, oldest first.
	Poll(ctx context.Context) ([]RawMail, error)
}

// RawMail is one inbox entry as the MailSource sees it.
type RawMail struct {
	ID      string
	From    string
	Subject string
	Body    string
	Date    time.Time
}

// mailJID is the single synthetic chat JID every mail message routes to.
// Mail has no notion of "conversation", so per the channel's documented
// quirk all traffic lands in the same group rather than being split per
// sender.
const mailJID = "mail:main"

// MailChannel is the poll-based channel variant (§4.2, variant 3): it has
// no persistent connection, instead polling MailSource on an interval and
// deduplicating against a bounded, FIFO-compacted ID set so repeated polls
// don't re-emit the same message. The set is held in memory only and
// starts empty after a restart.
type MailChannel struct {
	cfg    config.MailConfig
	cb     Callbacks
	source MailSource

	mu      sync.Mutex
	seen    map[string]struct{}
	seenFIFO []string

	backoff time.Duration
}

func NewMailChannel(cfg config.MailConfig, source MailSource, cb Callbacks) *MailChannel {
	return &MailChannel{
		cfg:     cfg,
		cb:      cb,
		source:  source,
		seen:    make(map[string]struct{}),
		backoff: cfg.PollInterval,
	}
}

func (c *MailChannel) Name() string { return "mail" }

func (c *MailChannel) OwnsJID(jid string) bool {
	return jid == mailJID
}

func (c *MailChannel) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.poll(ctx)
			ticker.Reset(c.backoff)
		}
	}
}

func (c *MailChannel) poll(ctx context.Context) {
	items, err := c.source.Poll(ctx)
	if err != nil {
		c.backoff = min(c.backoff*2, c.cfg.MaxBackoff)
		slog.Warn("mail: poll failed, backing off", "err", err, "backoff", c.backoff)
		return
	}
	c.backoff = c.cfg.PollInterval

	for _, item := range items {
		if c.alreadySeen(item.ID) {
			continue
		}
		c.markSeen(item.ID)
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(InboundMessage{
				ChatJID:    mailJID,
				MessageID:  item.ID,
				SenderJID:  extractAddress(item.From),
				SenderName: item.From,
				Content:    fmt.Sprintf("Subject: %s\n\n%s", item.Subject, item.Body),
				Timestamp:  item.Date,
			})
		}
	}
}

func extractAddress(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return strings.TrimSpace(from)
	}
	return addr.Address
}

func (c *MailChannel) alreadySeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// markSeen records id, compacting the FIFO once it exceeds ProcessedIDCap
// so a long-running process doesn't grow the dedup set unboundedly.
func (c *MailChannel) markSeen(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[id] = struct{}{}
	c.seenFIFO = append(c.seenFIFO, id)
	if len(c.seenFIFO) > c.cfg.ProcessedIDCap {
		drop := c.seenFIFO[:c.cfg.ProcessedIDCompact]
		for _, d := range drop {
			delete(c.seen, d)
		}
		c.seenFIFO = c.seenFIFO[c.cfg.ProcessedIDCompact:]
	}
}

func (c *MailChannel) Stop() error { return nil }

func (c *MailChannel) Send(ctx context.Context, msg *OutboundMessage) error {
	return fmt.Errorf("mail: outbound delivery is not supported")
}

func (c *MailChannel) SetTyping(ctx context.Context, chatJID string, on bool) error {
	return nil
}
