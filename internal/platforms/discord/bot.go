package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// WebhookName is the name of the webhooks the bridge creates and reuses.
const WebhookName = "Bridge"

// Client represents a Discord bot client
type Client struct {
	session   *discordgo.Session
	guildID   string
	connected atomic.Bool
	log       zerolog.Logger

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // channelID -> webhook
}

// NewClient creates a new Discord client
func NewClient(token, guildID string, log zerolog.Logger) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord bot token is required")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	return &Client{
		session:  session,
		guildID:  guildID,
		log:      log.With().Str("platform", "discord").Logger(),
		webhooks: make(map[string]*discordgo.Webhook),
	}, nil
}

// Connect opens the gateway connection.
func (c *Client) Connect() error {
	if c.connected.Load() {
		return nil
	}
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.connected.Store(true)
	c.log.Info().Msg("Discord bot connected")
	return nil
}

// Disconnect closes the gateway connection.
func (c *Client) Disconnect() error {
	if !c.connected.Load() {
		return nil
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord gateway: %w", err)
	}
	c.connected.Store(false)
	c.log.Info().Msg("Discord bot disconnected")
	return nil
}

// IsConnected reports whether the gateway session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.session.DataReady
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
}

// SendMessage posts content as the bot user.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (*discordgo.Message, error) {
	if !c.connected.Load() {
		return nil, errNotConnected
	}
	msg, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("send discord message: %w", err)
	}
	return msg, nil
}

// SendWebhookMessage posts content through the channel webhook under a
// custom username.
func (c *Client) SendWebhookMessage(ctx context.Context, channelID, content, username, avatarURL string) (*discordgo.Message, error) {
	if !c.connected.Load() {
		return nil, errNotConnected
	}
	hook, err := c.webhook(ctx, channelID)
	if err != nil {
		return nil, err
	}

	msg, err := c.session.WebhookExecute(hook.ID, hook.Token, true, &discordgo.WebhookParams{
		Content:         content,
		Username:        username,
		AvatarURL:       avatarURL,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
			// webhook deleted in Discord; recreate on the next attempt
			c.forgetWebhook(channelID)
		}
		return nil, fmt.Errorf("execute discord webhook: %w", err)
	}
	return msg, nil
}

// webhook returns the cached webhook for channelID, reusing one the bot
// created earlier or creating a new one.
func (c *Client) webhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hook, ok := c.webhooks[channelID]; ok {
		return hook, nil
	}

	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list discord webhooks: %w", err)
	}
	botID := c.BotUserID()
	for _, hook := range hooks {
		if hook.Name == WebhookName && hook.Token != "" && (hook.User == nil || hook.User.ID == botID) {
			c.webhooks[channelID] = hook
			return hook, nil
		}
	}

	hook, err := c.session.WebhookCreate(channelID, WebhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create discord webhook: %w", err)
	}
	c.webhooks[channelID] = hook
	c.log.Info().Str("channel_id", channelID).Str("webhook_id", hook.ID).Msg("Created Discord webhook")
	return hook, nil
}

func (c *Client) forgetWebhook(channelID string) {
	c.mu.Lock()
	delete(c.webhooks, channelID)
	c.mu.Unlock()
}

// IsOwnWebhook reports whether id is one of the webhooks the bridge posts through.
func (c *Client) IsOwnWebhook(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hook := range c.webhooks {
		if hook.ID == id {
			return true
		}
	}
	return false
}

// Channel returns information about a specific channel
func (c *Client) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return ch, nil
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get discord channel: %w", err)
	}
	return ch, nil
}

// RegisterCommands registers slash commands for the bot
func (c *Client) RegisterCommands() error {
	for _, command := range commands {
		if _, err := c.session.ApplicationCommandCreate(c.session.State.User.ID, c.guildID, command); err != nil {
			return fmt.Errorf("create command %s: %w", command.Name, err)
		}
	}
	c.log.Info().Int("commands", len(commands)).Msg("Discord slash commands registered")
	return nil
}

// SetMessageHandler sets the message create handler
func (c *Client) SetMessageHandler(handler func(*discordgo.Session, *discordgo.MessageCreate)) {
	c.session.AddHandler(handler)
}

// SetInteractionHandler sets the interaction create handler for slash commands
func (c *Client) SetInteractionHandler(handler func(*discordgo.Session, *discordgo.InteractionCreate)) {
	c.session.AddHandler(handler)
}

// SetReadyHandler sets the ready event handler
func (c *Client) SetReadyHandler(handler func(*discordgo.Session, *discordgo.Ready)) {
	c.session.AddHandler(handler)
}

// SetConnectionHandlers tracks gateway disconnects and resumes.
func (c *Client) SetConnectionHandlers() {
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		c.log.Warn().Msg("Discord gateway disconnected")
		c.setConnected(false)
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		c.setConnected(true)
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		c.log.Info().Msg("Discord gateway resumed")
		c.setConnected(true)
	})
}

// BotUserID returns the id of the bot user once the session is ready.
func (c *Client) BotUserID() string {
	if c.session.State != nil && c.session.State.User != nil {
		return c.session.State.User.ID
	}
	return ""
}

var errNotConnected = errors.New("discord client is not connected")
