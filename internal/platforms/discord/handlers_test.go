package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/types"
)

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionString, Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionBoolean, Value: value,
	}
}

func TestLinkOptions(t *testing.T) {
	chatID, bidi, err := linkOptions([]*discordgo.ApplicationCommandInteractionDataOption{
		stringOption("chat", " 42 "),
	})
	require.NoError(t, err)
	assert.Equal(t, "42", chatID)
	assert.True(t, bidi)

	_, bidi, err = linkOptions([]*discordgo.ApplicationCommandInteractionDataOption{
		stringOption("chat", "42"),
		boolOption("oneway", true),
	})
	require.NoError(t, err)
	assert.False(t, bidi)

	_, _, err = linkOptions([]*discordgo.ApplicationCommandInteractionDataOption{boolOption("oneway", false)})
	assert.EqualError(t, err, "missing chat id")
}

func TestIsAdmin(t *testing.T) {
	h := NewMessageHandler(nil, zerolog.Nop())
	h.SetAdminUsers([]string{"owner"})
	h.SetAdminRoles([]string{"mods"})

	tests := []struct {
		name   string
		member *discordgo.Member
		want   bool
	}{
		{"no member", nil, false},
		{"listed user", &discordgo.Member{User: &discordgo.User{ID: "owner"}}, true},
		{"admin role", &discordgo.Member{User: &discordgo.User{ID: "u2"}, Roles: []string{"everyone", "mods"}}, true},
		{"administrator permission", &discordgo.Member{User: &discordgo.User{ID: "u3"}, Permissions: discordgo.PermissionAdministrator}, true},
		{"regular member", &discordgo.Member{User: &discordgo.User{ID: "u4"}, Roles: []string{"everyone"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.isAdmin(tt.member))
		})
	}
}

func TestStatusEmbed(t *testing.T) {
	embed := statusEmbed("c1", RoomStatus{
		Linked:        true,
		ChatID:        "42",
		ChatName:      "General",
		Bidirectional: false,
		Connections:   map[string]string{"Delta Chat": "connected", "Discord": "disconnected"},
		Relayed:       3,
		Failed:        1,
	})
	require.Len(t, embed.Fields, 4)
	assert.Equal(t, "<#c1>", embed.Fields[0].Value)
	assert.Equal(t, "→ **General** (`42`)", embed.Fields[1].Value)
	assert.Equal(t, "• **Delta Chat**: connected\n• **Discord**: disconnected\n", embed.Fields[2].Value)
	assert.Equal(t, "Relayed: 3 · Failed: 1 · Pending: 0", embed.Fields[3].Value)

	unlinked := statusEmbed("c2", RoomStatus{})
	require.Len(t, unlinked.Fields, 3)
	assert.Contains(t, unlinked.Fields[1].Value, "No Delta Chat chat linked")
}

func restError(code int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: code, Status: http.StatusText(code)}}
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, ClassifyError(nil))
	assert.ErrorIs(t, ClassifyError(fmt.Errorf("send: %w", context.Canceled)), context.Canceled)
	assert.False(t, types.IsTransient(ClassifyError(context.Canceled)))

	transient := []error{
		errNotConnected,
		&discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{TooManyRequests: &discordgo.TooManyRequests{}}},
		restError(http.StatusTooManyRequests),
		restError(http.StatusBadGateway),
		errors.New("connection reset"),
	}
	for _, err := range transient {
		assert.True(t, types.IsTransient(ClassifyError(err)), "%v", err)
	}

	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		err := ClassifyError(restError(code))
		assert.True(t, types.IsPermanent(err), "status %d", code)
		var rest *discordgo.RESTError
		assert.ErrorAs(t, err, &rest)
	}
}
