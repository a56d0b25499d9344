package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/andyhub/andy/internal/config"
)

// WhatsAppChannel is the long-lived socket channel variant (§4.2, variant
// 1). It owns JIDs of the form "wa:<phone>@s.whatsapp.net" and pairs via
// QR code on first run, persisting the device store under StateDir so
// subsequent restarts reconnect without re-pairing.
type WhatsAppChannel struct {
	cfg config.WhatsAppConfig
	cb  Callbacks

	client *whatsmeow.Client

	mu      sync.Mutex
	pending []*OutboundMessage
}

// NewWhatsAppChannel opens (or creates) the device store at cfg.StateDir
// and wires the whatsmeow client's event handler to cb.
func NewWhatsAppChannel(ctx context.Context, cfg config.WhatsAppConfig, cb Callbacks) (*WhatsAppChannel, error) {
	dbLog := waLog.Stdout("whatsmeow-db", "ERROR", true)
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s/device.db?_foreign_keys=on", cfg.StateDir), dbLog)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open device store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: get device: %w", err)
	}

	clientLog := waLog.Stdout("whatsmeow-client", "WARN", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)

	c := &WhatsAppChannel{cfg: cfg, cb: cb, client: client}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

func (c *WhatsAppChannel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "wa:")
}

func toWAJID(jid types.JID) string {
	return "wa:" + jid.String()
}

func fromWAJID(jid string) (types.JID, error) {
	return types.ParseJID(strings.TrimPrefix(jid, "wa:"))
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, _ := c.client.GetQRChannel(ctx)
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect for pairing: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				c.printPairingQR(evt.Code)
			} else {
				slog.Info("whatsapp: pairing event", "event", evt.Event)
			}
		}
	} else {
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
	}

	c.flushPending(ctx)
	<-ctx.Done()
	return nil
}

func (c *WhatsAppChannel) printPairingQR(code string) {
	art, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		slog.Error("whatsapp: render QR", "err", err)
		return
	}
	fmt.Fprintln(os.Stdout, art.ToSmallString(false))
}

func (c *WhatsAppChannel) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.flushPending(context.Background())
	case *events.Message:
		c.handleMessage(evt)
	}
}

func (c *WhatsAppChannel) handleMessage(evt *events.Message) {
	text := extractText(evt.Message)
	if text == "" {
		return
	}
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(InboundMessage{
			ChatJID:    toWAJID(evt.Info.Chat),
			MessageID:  evt.Info.ID,
			SenderJID:  evt.Info.Sender.String(),
			SenderName: evt.Info.PushName,
			Content:    text,
			IsFromMe:   evt.Info.IsFromMe,
			Timestamp:  evt.Info.Timestamp,
		})
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.GetConversation() != "" {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func (c *WhatsAppChannel) Stop() error {
	c.client.Disconnect()
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg *OutboundMessage) error {
	if !c.client.IsConnected() {
		c.mu.Lock()
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}
	return c.send(ctx, msg)
}

func (c *WhatsAppChannel) send(ctx context.Context, msg *OutboundMessage) error {
	jid, err := fromWAJID(msg.ChatJID)
	if err != nil {
		return fmt.Errorf("whatsapp: parse jid %q: %w", msg.ChatJID, err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: &msg.Content,
	})
	return err
}

func (c *WhatsAppChannel) flushPending(ctx context.Context) {
	c.mu.Lock()
	toFlush := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, m := range toFlush {
		if err := c.send(ctx, m); err != nil {
			slog.Error("whatsapp: flush pending send failed", "chat", m.ChatJID, "err", err)
		}
	}
}

func (c *WhatsAppChannel) SetTyping(ctx context.Context, chatJID string, on bool) error {
	jid, err := fromWAJID(chatJID)
	if err != nil {
		return err
	}
	presence := types.ChatPresenceComposing
	if !on {
		presence = types.ChatPresencePaused
	}
	return c.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}
