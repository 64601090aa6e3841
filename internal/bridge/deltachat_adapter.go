package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dcrelay/internal/platforms/deltachat"
	"dcrelay/internal/types"
)

// DeltaChatAdapter implements types.Platform for network B.
type DeltaChatAdapter struct {
	client  *deltachat.Client
	handler func(raw any, network types.Network)
}

// NewDeltaChatAdapter wraps a started client.
func NewDeltaChatAdapter(client *deltachat.Client) *DeltaChatAdapter {
	return &DeltaChatAdapter{client: client}
}

func (a *DeltaChatAdapter) Network() types.Network { return types.NetworkB }

func (a *DeltaChatAdapter) OnMessage(fn func(raw any, network types.Network)) {
	a.handler = fn
}

// Listen starts forwarding incoming messages until ctx is done.
func (a *DeltaChatAdapter) Listen(ctx context.Context) {
	a.client.Listen(ctx, func(m *deltachat.Message) {
		if a.handler != nil {
			a.handler(m, types.NetworkB)
		}
	})
}

// SendMessage posts the pre-formatted text to a chat id.
func (a *DeltaChatAdapter) SendMessage(ctx context.Context, chatID, text string, _ types.FormattingHint) (types.Ack, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id <= 0 {
		return types.Ack{}, types.Permanent("invalid chat id", fmt.Errorf("chat id %q", chatID))
	}
	msgID, err := a.client.SendText(ctx, id, text)
	if err != nil {
		return types.Ack{}, deltachat.ClassifyError(err)
	}
	return types.Ack{
		MessageID: strconv.FormatInt(msgID, 10),
		SenderID:  strings.ToLower(a.client.SelfAddr()),
		SentAt:    time.Now(),
		Text:      text,
	}, nil
}

func (a *DeltaChatAdapter) ConnectionStatus(ctx context.Context) types.ConnectionStatus {
	if !a.client.IsConnected() {
		return types.Disconnected
	}
	level, err := a.client.Connectivity(ctx)
	if err != nil || level < deltachat.ConnectivityConnected {
		return types.Disconnected
	}
	return types.Connected
}

// ChatName resolves a chat id to its display name, or "" when unknown.
func (a *DeltaChatAdapter) ChatName(ctx context.Context, chatID string) string {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return ""
	}
	name, err := a.client.ChatName(ctx, id)
	if err != nil {
		return ""
	}
	return name
}
