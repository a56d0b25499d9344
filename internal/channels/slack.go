package channels

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/andyhub/andy/internal/config"
)

// SlackChannel is the long-lived pub/sub channel variant (§4.2, variant 2):
// it owns JIDs of the form "slack:<channel-id>" and rewrites the
// platform's native "<@U01ABCDEF>" mention syntax into the canonical
// "@<trigger>" form before handing the message to the callback.
type SlackChannel struct {
	cfg   config.SlackConfig
	botID string
	cb    Callbacks

	api    *slack.Client
	client *socketmode.Client

	mentionRE *regexp.Regexp

	mu       sync.Mutex
	pending  []*OutboundMessage
	connected bool
}

// NewSlackChannel builds a SlackChannel. botToken and appToken are read by
// the caller via config.ReadEnvFile, never from the process environment.
func NewSlackChannel(cfg config.SlackConfig, botToken, appToken string, cb Callbacks) *SlackChannel {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	client := socketmode.New(api)
	return &SlackChannel{
		cfg:       cfg,
		cb:        cb,
		api:       api,
		client:    client,
		mentionRE: slackMentionPattern(),
	}
}

func slackMentionPattern() *regexp.Regexp {
	return regexp.MustCompile(`<@([A-Z0-9]+)>`)
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "slack:")
}

func toSlackJID(slackChannelID string) string {
	return "slack:" + slackChannelID
}

func fromSlackJID(jid string) string {
	return strings.TrimPrefix(jid, "slack:")
}

func (c *SlackChannel) Start(ctx context.Context) error {
	if auth, err := c.api.AuthTestContext(ctx); err == nil {
		c.botID = auth.UserID
	} else {
		return fmt.Errorf("slack: auth test: %w", err)
	}

	go c.client.RunContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-c.client.Events:
			if !ok {
				return nil
			}
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *SlackChannel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting, socketmode.EventTypeConnected:
		c.mu.Lock()
		c.connected = evt.Type == socketmode.EventTypeConnected
		toFlush := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, m := range toFlush {
			_ = c.send(ctx, m)
		}
	case socketmode.EventTypeEventsAPI:
		c.client.Ack(*evt.Request)
		c.handleEventsAPI(evt)
	}
}

func (c *SlackChannel) handleEventsAPI(evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok || apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg == nil {
		return
	}
	if msg.BotID != "" || msg.SubType != "" {
		return
	}
	content := c.rewriteMentions(msg.Text)
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(InboundMessage{
			ChatJID:    toSlackJID(msg.Channel),
			MessageID:  msg.TimeStamp,
			SenderJID:  msg.User,
			Content:    content,
			IsFromMe:   msg.User == c.botID,
			Timestamp:  slackTsToTime(msg.TimeStamp),
		})
	}
}

func slackTsToTime(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Now().UTC()
	}
	var sec int64
	fmt.Sscanf(parts[0], "%d", &sec)
	if sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// rewriteMentions replaces "<@U01ABCDEF>" tokens with "@<trigger>" when the
// mentioned user is the bot itself, so the foreign mention syntax reads as
// the canonical trigger form before MessageProcessor ever evaluates it
// against a group's own registered trigger pattern.
func (c *SlackChannel) rewriteMentions(text string) string {
	return c.mentionRE.ReplaceAllStringFunc(text, func(tok string) string {
		id := c.mentionRE.FindStringSubmatch(tok)[1]
		if id == c.botID {
			return "@" + c.cfg.Trigger
		}
		return tok
	})
}

func (c *SlackChannel) Stop() error {
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg *OutboundMessage) error {
	c.mu.Lock()
	connected := c.connected
	if !connected {
		c.pending = append(c.pending, msg)
	}
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(ctx, msg)
}

func (c *SlackChannel) send(ctx context.Context, msg *OutboundMessage) error {
	_, _, err := c.api.PostMessageContext(ctx, fromSlackJID(msg.ChatJID), slack.MsgOptionText(msg.Content, false))
	if err != nil {
		slog.Error("slack: send failed", "chat", msg.ChatJID, "err", err)
	}
	return err
}

func (c *SlackChannel) SetTyping(ctx context.Context, chatJID string, on bool) error {
	return nil
}
