package bridge

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/database"
	"dcrelay/internal/types"
)

func TestResolveRoomDirections(t *testing.T) {
	ctx := context.Background()
	m := NewMapper(database.NewMemoryStore(), 64, zerolog.Nop())

	_, ok, err := m.ResolveRoom(ctx, types.NetworkA, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.UpsertRoomMapping(ctx, "c1", "general", "42", "Team", false)
	require.NoError(t, err)

	target, ok, err := m.ResolveRoom(ctx, types.NetworkA, "c1")
	require.NoError(t, err)
	assert.True(t, ok, "cached miss must be invalidated by the upsert")
	assert.Equal(t, "42", target)

	_, ok, err = m.ResolveRoom(ctx, types.NetworkB, "42")
	require.NoError(t, err)
	assert.False(t, ok, "one-way mapping does not carry B to A")

	_, err = m.UpsertRoomMapping(ctx, "c1", "general", "42", "Team", true)
	require.NoError(t, err)
	target, ok, err = m.ResolveRoom(ctx, types.NetworkB, "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", target)
}

func TestRemapInvalidatesPreviousCounterpart(t *testing.T) {
	ctx := context.Background()
	m := NewMapper(database.NewMemoryStore(), 64, zerolog.Nop())

	_, err := m.UpsertRoomMapping(ctx, "c1", "", "42", "", true)
	require.NoError(t, err)
	_, _, err = m.ResolveRoom(ctx, types.NetworkB, "42")
	require.NoError(t, err)

	_, err = m.UpsertRoomMapping(ctx, "c1", "", "43", "", true)
	require.NoError(t, err)

	_, ok, err := m.ResolveRoom(ctx, types.NetworkB, "42")
	require.NoError(t, err)
	assert.False(t, ok)
	target, ok, err := m.ResolveRoom(ctx, types.NetworkA, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "43", target)
}

func TestRoomMappingNotFound(t *testing.T) {
	m := NewMapper(database.NewMemoryStore(), 64, zerolog.Nop())
	_, err := m.RoomMapping(context.Background(), types.NetworkA, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpsertRoomMappingValidates(t *testing.T) {
	m := NewMapper(database.NewMemoryStore(), 64, zerolog.Nop())
	_, err := m.UpsertRoomMapping(context.Background(), "c1", "", "", "", true)
	assert.ErrorIs(t, err, types.ErrInvalidMapping)
}

func TestObserveSenderAndDisplayName(t *testing.T) {
	ctx := context.Background()
	m := NewMapper(database.NewMemoryStore(), 64, zerolog.Nop())

	assert.Equal(t, "", m.DisplayName(ctx, types.NetworkA, "u1"))

	require.NoError(t, m.ObserveSender(ctx, types.NetworkA, "u1", "alice"))
	assert.Equal(t, "alice", m.DisplayName(ctx, types.NetworkA, "u1"))

	require.NoError(t, m.ObserveSender(ctx, types.NetworkA, "u1", "Alice Liddell"))
	assert.Equal(t, "Alice Liddell", m.DisplayName(ctx, types.NetworkA, "u1"))

	// an empty name never overwrites a known one
	require.NoError(t, m.ObserveSender(ctx, types.NetworkA, "u1", ""))
	assert.Equal(t, "Alice Liddell", m.DisplayName(ctx, types.NetworkA, "u1"))
}

func TestUpsertUserMappingLinksObservedSenders(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	m := NewMapper(store, 64, zerolog.Nop())

	require.NoError(t, m.ObserveSender(ctx, types.NetworkA, "u1", "alice"))
	require.NoError(t, m.ObserveSender(ctx, types.NetworkB, "alice@example.org", "Alice"))

	linked, err := m.UpsertUserMapping(ctx, "u1", "", "alice@example.org", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", linked.NetworkADisplayName)
	assert.Equal(t, "Alice", linked.NetworkBDisplayName)

	all, err := store.ListUserMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "Alice", m.DisplayName(ctx, types.NetworkB, "alice@example.org"))
}
