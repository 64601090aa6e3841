package bridge

import (
	"context"
	"errors"

	"dcrelay/internal/platforms/discord"
	"dcrelay/internal/types"
)

// Commands serves the Discord slash commands from a running Core.
type Commands struct {
	core     *Core
	chatName func(ctx context.Context, chatID string) string
}

var _ discord.Commander = (*Commands)(nil)

// NewCommands builds the command backend. chatName may be nil.
func NewCommands(core *Core, chatName func(ctx context.Context, chatID string) string) *Commands {
	return &Commands{core: core, chatName: chatName}
}

// LinkRoom maps a Discord channel to a Delta Chat chat.
func (c *Commands) LinkRoom(ctx context.Context, channelID, channelName, chatID string, bidirectional bool) error {
	var name string
	if c.chatName != nil {
		name = c.chatName(ctx, chatID)
	}
	_, err := c.core.UpsertRoomMapping(ctx, channelID, channelName, chatID, name, bidirectional)
	return err
}

// RoomStatus reports the mapping of a Discord channel and the bridge counters.
func (c *Commands) RoomStatus(ctx context.Context, channelID string) (discord.RoomStatus, error) {
	snap := c.core.Snapshot()
	status := discord.RoomStatus{
		Connections: make(map[string]string, len(snap.Connections)),
		Relayed:     snap.TotalRelayed,
		Failed:      snap.TotalFailed,
		Pending:     snap.PendingCount,
	}
	for network, conn := range snap.Connections {
		status.Connections[c.core.Formatter().Label(network)] = string(conn)
	}

	m, err := c.core.Mapper().RoomMapping(ctx, types.NetworkA, channelID)
	if errors.Is(err, types.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	status.Linked = true
	status.ChatID = m.NetworkBRoomID
	status.ChatName = m.NetworkBRoomName
	status.Bidirectional = m.Bidirectional
	return status, nil
}
