package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/types"
)

func TestCommandsLinkAndStatus(t *testing.T) {
	h := newHarness(t, nil)
	cmds := NewCommands(h.core, func(_ context.Context, chatID string) string {
		return "chat " + chatID
	})
	ctx := context.Background()

	status, err := cmds.RoomStatus(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, status.Linked)
	assert.Equal(t, "disconnected", status.Connections["A"])

	require.NoError(t, cmds.LinkRoom(ctx, "c1", "general", "42", false))

	status, err = cmds.RoomStatus(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, status.Linked)
	assert.Equal(t, "42", status.ChatID)
	assert.Equal(t, "chat 42", status.ChatName)
	assert.False(t, status.Bidirectional)

	target, ok, err := h.core.Mapper().ResolveRoom(ctx, types.NetworkA, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", target)
}

func TestLinkRoomRejectsEmptyChat(t *testing.T) {
	h := newHarness(t, nil)
	err := NewCommands(h.core, nil).LinkRoom(context.Background(), "c1", "general", "", true)
	assert.Error(t, err)
}
