package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBotAPI struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"id": 7, "is_bot": true, "first_name": "Alerts", "username": "alerts_bot"},
			})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			f.mu.Lock()
			f.sent = append(f.sent, map[string]string{
				"chat_id": r.Form.Get("chat_id"),
				"text":    r.Form.Get("text"),
			})
			f.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"result": map[string]any{
					"message_id": 1,
					"date":       time.Now().Unix(),
					"chat":       map[string]any{"id": 42, "type": "private"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func (f *fakeBotAPI) messages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.sent...)
}

func newTestNotifier(t *testing.T, cooldown time.Duration) (*Notifier, *fakeBotAPI) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	n, err := NewNotifier(Config{
		BotToken:   "123:abc",
		ChatID:     42,
		Deployment: "prod",
		Endpoint:   srv.URL + "/bot%s/%s",
		Cooldown:   cooldown,
	}, zerolog.Nop())
	require.NoError(t, err)
	return n, api
}

func TestNotifySendsToChat(t *testing.T) {
	n, api := newTestNotifier(t, 0)

	require.NoError(t, n.Notify(context.Background(), "Network B disconnected", "lost IMAP"))

	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0]["chat_id"])
	assert.Equal(t, "⚠️ [prod] Network B disconnected\nlost IMAP", sent[0]["text"])
}

func TestNotifyCooldownPerSubject(t *testing.T) {
	n, api := newTestNotifier(t, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "Unmapped room", "a"))
	require.NoError(t, n.Notify(ctx, "Unmapped room", "b"))
	require.NoError(t, n.Notify(ctx, "State store degraded", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Notify(ctx, "Unmapped room", "c"))

	assert.Len(t, api.messages(), 3)
}

func TestNewNotifierNeedsCredentials(t *testing.T) {
	_, err := NewNotifier(Config{BotToken: "x"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRenderTruncates(t *testing.T) {
	n := &Notifier{deployment: "d"}
	text := n.render("s", strings.Repeat("x", 5000))
	assert.Len(t, []rune(text), maxMessageLength)
	assert.True(t, strings.HasSuffix(text, "…"))
}
