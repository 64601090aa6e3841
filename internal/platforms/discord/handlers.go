package discord

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        "bridge",
		Description: "Manage the Delta Chat bridge for this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show bridge status for this channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "link",
				Description: "Link this channel to a Delta Chat chat",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "chat",
						Description: "Delta Chat chat id",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "oneway",
						Description: "Only relay from Discord to Delta Chat",
					},
				},
			},
		},
	},
	{
		Name:        "help",
		Description: "Show bot help information",
	},
}

// RoomStatus describes the bridge state of one Discord channel.
type RoomStatus struct {
	Linked        bool
	ChatID        string
	ChatName      string
	Bidirectional bool
	Connections   map[string]string
	Relayed       int64
	Failed        int64
	Pending       int64
}

// Commander carries out slash commands against the bridge.
type Commander interface {
	LinkRoom(ctx context.Context, channelID, channelName, chatID string, bidirectional bool) error
	RoomStatus(ctx context.Context, channelID string) (RoomStatus, error)
}

// MessageHandler handles Discord events and admin commands
type MessageHandler struct {
	client     *Client
	onMessage  func(*discordgo.MessageCreate)
	onReady    func(botUserID string)
	commander  Commander
	adminUsers []string // Discord user IDs
	adminRoles []string // Discord role IDs that have admin permissions
	log        zerolog.Logger
}

// NewMessageHandler creates a new Discord message handler
func NewMessageHandler(client *Client, log zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		client: client,
		log:    log.With().Str("platform", "discord").Logger(),
	}
}

// SetMessageCallback receives every message the gateway delivers.
func (h *MessageHandler) SetMessageCallback(fn func(*discordgo.MessageCreate)) {
	h.onMessage = fn
}

// SetReadyCallback is called with the bot user id once the session is ready.
func (h *MessageHandler) SetReadyCallback(fn func(botUserID string)) {
	h.onReady = fn
}

// SetCommander sets the target of slash commands.
func (h *MessageHandler) SetCommander(c Commander) {
	h.commander = c
}

// SetAdminUsers sets the list of admin user IDs
func (h *MessageHandler) SetAdminUsers(adminUsers []string) {
	h.adminUsers = adminUsers
}

// SetAdminRoles sets the list of admin role IDs
func (h *MessageHandler) SetAdminRoles(adminRoles []string) {
	h.adminRoles = adminRoles
}

// SetupHandlers sets up all Discord event handlers
func (h *MessageHandler) SetupHandlers() {
	h.client.SetReadyHandler(h.onReadyEvent)
	h.client.SetMessageHandler(h.onMessageCreate)
	h.client.SetInteractionHandler(h.onInteractionCreate)
	h.client.SetConnectionHandlers()
}

func (h *MessageHandler) onReadyEvent(s *discordgo.Session, event *discordgo.Ready) {
	h.log.Info().Str("user", event.User.Username).Str("user_id", event.User.ID).Msg("Discord bot logged in")
	h.client.setConnected(true)

	if h.onReady != nil {
		h.onReady(event.User.ID)
	}
	if err := h.client.RegisterCommands(); err != nil {
		h.log.Error().Err(err).Msg("Failed to register Discord commands")
	}
}

// onMessageCreate forwards messages. Filtering of the bot's own posts
// happens in the bridge, which also knows the webhook authors.
func (h *MessageHandler) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || h.onMessage == nil {
		return
	}
	h.onMessage(m)
}

// onInteractionCreate handles slash command interactions
func (h *MessageHandler) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if !h.isAdmin(i.Member) {
		h.respondToInteraction(s, i, "❌ You don't have permission to use this command.")
		return
	}

	data := i.ApplicationCommandData()
	switch data.Name {
	case "bridge":
		h.handleBridgeCommand(s, i)
	case "help":
		h.handleHelpCommand(s, i)
	default:
		h.respondToInteraction(s, i, "❓ Unknown command")
	}
}

func (h *MessageHandler) handleBridgeCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		h.respondToInteraction(s, i, "❌ No subcommand specified")
		return
	}
	if h.commander == nil {
		h.respondToInteraction(s, i, "❌ Bridge is not running")
		return
	}

	subcommand := data.Options[0]
	switch subcommand.Name {
	case "status":
		h.commandBridgeStatus(s, i)
	case "link":
		h.commandBridgeLink(s, i, subcommand.Options)
	default:
		h.respondToInteraction(s, i, "❓ Unknown bridge subcommand")
	}
}

func (h *MessageHandler) handleHelpCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.respondToInteractionWithEmbed(s, i, helpEmbed())
}

func helpEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🌉 Bridge Bot Help",
		Description: "Commands to manage the Discord ↔ Delta Chat bridge",
		Color:       0x00ff00,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "🔗 Bridge Commands",
				Value: "`/bridge status` - Show bridge status\n`/bridge link chat:<id> [oneway]` - Link this channel to a Delta Chat chat",
			},
			{
				Name:  "ℹ️ General",
				Value: "`/help` - Show this help message",
			},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// linkOptions extracts the chat id and direction from /bridge link options.
func linkOptions(options []*discordgo.ApplicationCommandInteractionDataOption) (chatID string, bidirectional bool, err error) {
	bidirectional = true
	for _, opt := range options {
		switch opt.Name {
		case "chat":
			chatID = strings.TrimSpace(opt.StringValue())
		case "oneway":
			bidirectional = !opt.BoolValue()
		}
	}
	if chatID == "" {
		return "", false, fmt.Errorf("missing chat id")
	}
	return chatID, bidirectional, nil
}

func (h *MessageHandler) commandBridgeLink(s *discordgo.Session, i *discordgo.InteractionCreate, options []*discordgo.ApplicationCommandInteractionDataOption) {
	chatID, bidirectional, err := linkOptions(options)
	if err != nil {
		h.respondToInteraction(s, i, "❌ "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channelName := i.ChannelID
	if ch, err := h.client.Channel(ctx, i.ChannelID); err == nil {
		channelName = ch.Name
	}
	if err := h.commander.LinkRoom(ctx, i.ChannelID, channelName, chatID, bidirectional); err != nil {
		h.respondToInteraction(s, i, fmt.Sprintf("❌ Failed to link channel: %v", err))
		return
	}

	direction := "Discord ↔ Delta Chat"
	if !bidirectional {
		direction = "Discord → Delta Chat"
	}
	h.respondToInteractionWithEmbed(s, i, &discordgo.MessageEmbed{
		Title: "✅ Channel Linked",
		Color: 0x00ff00,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Discord Channel", Value: fmt.Sprintf("<#%s>", i.ChannelID), Inline: true},
			{Name: "Delta Chat", Value: fmt.Sprintf("`%s`", chatID), Inline: true},
			{Name: "Direction", Value: direction, Inline: true},
		},
	})
	h.log.Info().Str("channel_id", i.ChannelID).Str("chat_id", chatID).Bool("bidirectional", bidirectional).Msg("Channel linked")
}

func (h *MessageHandler) commandBridgeStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := h.commander.RoomStatus(ctx, i.ChannelID)
	if err != nil {
		h.respondToInteraction(s, i, fmt.Sprintf("❌ Failed to read bridge status: %v", err))
		return
	}
	h.respondToInteractionWithEmbed(s, i, statusEmbed(i.ChannelID, status))
}

func statusEmbed(channelID string, status RoomStatus) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "🔗 Bridge Status",
		Color: 0x0099ff,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "📍 Current Channel", Value: fmt.Sprintf("<#%s>", channelID), Inline: true},
		},
	}

	link := "No Delta Chat chat linked to this channel"
	if status.Linked {
		name := status.ChatName
		if name == "" {
			name = status.ChatID
		}
		direction := "↔"
		if !status.Bidirectional {
			direction = "→"
		}
		link = fmt.Sprintf("%s **%s** (`%s`)", direction, name, status.ChatID)
		embed.Color = 0x00ff00
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "🌉 Linked Chat", Value: link})

	networks := make([]string, 0, len(status.Connections))
	for network := range status.Connections {
		networks = append(networks, network)
	}
	slices.Sort(networks)
	var conn strings.Builder
	for _, network := range networks {
		fmt.Fprintf(&conn, "• **%s**: %s\n", network, status.Connections[network])
	}
	if conn.Len() > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "🔌 Platform Status", Value: conn.String()})
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  "📊 Messages",
		Value: fmt.Sprintf("Relayed: %d · Failed: %d · Pending: %d", status.Relayed, status.Failed, status.Pending),
	})
	return embed
}

// isAdmin checks if a member has admin permissions
func (h *MessageHandler) isAdmin(member *discordgo.Member) bool {
	if member == nil || member.User == nil {
		return false
	}
	if slices.Contains(h.adminUsers, member.User.ID) {
		return true
	}
	for _, role := range member.Roles {
		if slices.Contains(h.adminRoles, role) {
			return true
		}
	}
	return member.Permissions&discordgo.PermissionAdministrator != 0
}

// respondToInteraction sends a response to a slash command interaction
func (h *MessageHandler) respondToInteraction(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to respond to interaction")
	}
}

// respondToInteractionWithEmbed sends an embed response to a slash command interaction
func (h *MessageHandler) respondToInteractionWithEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to respond to interaction with embed")
	}
}
