package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Telegram rejects messages longer than this.
const maxMessageLength = 4096

// Config describes the alert destination.
type Config struct {
	BotToken   string
	ChatID     int64
	Deployment string
	// Endpoint overrides the Bot API URL format, see tgbotapi.APIEndpoint.
	Endpoint string
	// Cooldown suppresses repeats of the same subject.
	Cooldown time.Duration
}

// Notifier sends operator alerts to a Telegram chat.
type Notifier struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	deployment string
	cooldown   time.Duration
	log        zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
	now  func() time.Time
}

// NewNotifier authorizes the bot token.
func NewNotifier(cfg Config, log zerolog.Logger) (*Notifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("authorize telegram bot: %w", err)
	}

	n := &Notifier{
		bot:        bot,
		chatID:     cfg.ChatID,
		deployment: cfg.Deployment,
		cooldown:   cfg.Cooldown,
		log:        log.With().Str("component", "telegram").Logger(),
		sent:       make(map[string]time.Time),
		now:        time.Now,
	}
	n.log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", cfg.ChatID).Msg("Telegram alerts enabled")
	return n, nil
}

// Notify posts an alert. Repeats of subject within the cooldown are dropped.
func (n *Notifier) Notify(ctx context.Context, subject, detail string) error {
	if n.suppressed(subject) {
		n.log.Debug().Str("subject", subject).Msg("Alert suppressed by cooldown")
		return nil
	}

	msg := tgbotapi.NewMessage(n.chatID, n.render(subject, detail))
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send telegram alert: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) render(subject, detail string) string {
	text := fmt.Sprintf("⚠️ [%s] %s", n.deployment, subject)
	if detail != "" {
		text += "\n" + detail
	}
	if r := []rune(text); len(r) > maxMessageLength {
		text = string(r[:maxMessageLength-1]) + "…"
	}
	return text
}

func (n *Notifier) suppressed(subject string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.sent[subject]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.sent[subject] = now
	return false
}
