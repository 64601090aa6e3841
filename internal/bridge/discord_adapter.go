package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"dcrelay/internal/platforms/discord"
	"dcrelay/internal/types"
)

// webhook usernames are limited to 80 characters
const maxWebhookUsername = 80

// DiscordAdapter implements types.Platform for network A.
type DiscordAdapter struct {
	client      *discord.Client
	useWebhooks bool
	handler     func(raw any, network types.Network)
}

// NewDiscordAdapter wires the adapter to the client's message handler.
func NewDiscordAdapter(client *discord.Client, handler *discord.MessageHandler, useWebhooks bool) *DiscordAdapter {
	da := &DiscordAdapter{client: client, useWebhooks: useWebhooks}
	if handler != nil {
		handler.SetMessageCallback(da.receive)
	}
	return da
}

func (da *DiscordAdapter) Network() types.Network { return types.NetworkA }

func (da *DiscordAdapter) OnMessage(fn func(raw any, network types.Network)) {
	da.handler = fn
}

func (da *DiscordAdapter) receive(m *discordgo.MessageCreate) {
	if da.handler == nil {
		return
	}
	if m.WebhookID != "" && da.client.IsOwnWebhook(m.WebhookID) {
		// our own relayed post
		return
	}
	da.handler(m, types.NetworkA)
}

// SendMessage posts text to a Discord channel. With webhooks enabled the
// sender shows up as "[label] name" and only the body is posted.
func (da *DiscordAdapter) SendMessage(ctx context.Context, channelID, text string, hint types.FormattingHint) (types.Ack, error) {
	var (
		msg *discordgo.Message
		err error
	)
	if da.useWebhooks && hint.SenderName != "" {
		text = hint.Body
		msg, err = da.client.SendWebhookMessage(ctx, channelID, text, webhookUsername(hint), "")
	} else {
		msg, err = da.client.SendMessage(ctx, channelID, text)
	}
	if err != nil {
		return types.Ack{}, discord.ClassifyError(err)
	}

	ack := types.Ack{MessageID: msg.ID, SentAt: msg.Timestamp, Text: text}
	if msg.Content != "" {
		ack.Text = msg.Content
	}
	if msg.Author != nil {
		ack.SenderID = msg.Author.ID
	}
	if msg.WebhookID != "" {
		ack.SenderID = msg.WebhookID
	}
	if ack.SentAt.IsZero() {
		ack.SentAt = time.Now()
	}
	return ack, nil
}

func (da *DiscordAdapter) ConnectionStatus(context.Context) types.ConnectionStatus {
	if da.client.IsConnected() {
		return types.Connected
	}
	return types.Disconnected
}

// webhookUsername renders "[label] name" within Discord's limits. Discord
// rejects usernames containing "discord", so that word is defanged.
func webhookUsername(hint types.FormattingHint) string {
	name := strings.TrimSpace(hint.SenderName)
	if name == "" {
		name = "Unknown"
	}
	if hint.SourceLabel != "" {
		name = "[" + hint.SourceLabel + "] " + name
	}
	name = replaceFold(name, "discord", "disc0rd")
	if r := []rune(name); len(r) > maxWebhookUsername {
		name = string(r[:maxWebhookUsername-1]) + "…"
	}
	return name
}

func replaceFold(s, old, repl string) string {
	lower := strings.ToLower(s)
	var b strings.Builder
	for {
		i := strings.Index(lower, old)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(repl)
		s, lower = s[i+len(old):], lower[i+len(old):]
	}
}
