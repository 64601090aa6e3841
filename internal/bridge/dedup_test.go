package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/database"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

func TestDedupHashNormalizesText(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 10, 0, time.UTC)
	h := DedupHash(types.NetworkA, "u1", "Hello   World", at, time.Minute)

	assert.Equal(t, h, DedupHash(types.NetworkA, "u1", " hello world ", at.Add(30*time.Second), time.Minute))
	assert.NotEqual(t, h, DedupHash(types.NetworkA, "u1", "hello world", at.Add(time.Minute), time.Minute))
	assert.NotEqual(t, h, DedupHash(types.NetworkB, "u1", "hello world", at, time.Minute))
	assert.NotEqual(t, h, DedupHash(types.NetworkA, "u2", "hello world", at, time.Minute))
	assert.Len(t, h, 64)
}

func newMessage(id, sender, room, text string, at time.Time) *types.BridgeMessage {
	return &types.BridgeMessage{
		ID:            id,
		SourceNetwork: types.NetworkA,
		TargetNetwork: types.NetworkB,
		SenderID:      sender,
		RoomID:        room,
		Text:          text,
		CreatedAt:     at,
		UpdatedAt:     at,
		Status:        types.StatusPending,
	}
}

func TestCheckAndMark(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	d := NewDeduplicator(NewMemoryIndex(4, 16, time.Hour), store, time.Minute, time.Hour, zerolog.Nop())
	now := time.Now().UTC()

	first := newMessage("m1", "u1", "c1", "hello", now)
	v, err := d.CheckAndMark(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, Unique, v)
	assert.NotEmpty(t, first.DedupHash)
	require.NoError(t, store.PutMessage(ctx, models.FromMessage(first)))

	v, err = d.CheckAndMark(ctx, newMessage("m2", "u1", "c1", "hello", now))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, v)

	v, err = d.CheckAndMark(ctx, newMessage("m3", "u1", "c1", "something else", now))
	require.NoError(t, err)
	assert.Equal(t, Unique, v)
}

func TestForgottenHashIsUniqueAgain(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	d := NewDeduplicator(NewMemoryIndex(1, 16, time.Hour), store, time.Minute, time.Hour, zerolog.Nop())
	now := time.Now().UTC()

	first := newMessage("m1", "u1", "c1", "retry me", now)
	_, err := d.CheckAndMark(ctx, first)
	require.NoError(t, err)
	first.Status = types.StatusFailed
	require.NoError(t, store.PutMessage(ctx, models.FromMessage(first)))
	d.Forget(ctx, first.DedupHash)

	v, err := d.CheckAndMark(ctx, newMessage("m2", "u1", "c1", "retry me", now))
	require.NoError(t, err)
	assert.Equal(t, Unique, v)
}

type brokenIndex struct{}

func (brokenIndex) Claim(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenIndex) Forget(context.Context, string) error { return errors.New("connection refused") }

func TestStoreDecidesWhenIndexFails(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	d := NewDeduplicator(brokenIndex{}, store, time.Minute, time.Hour, zerolog.Nop())
	now := time.Now().UTC()

	first := newMessage("m1", "u1", "c1", "hello", now)
	v, _ := d.CheckAndMark(ctx, first)
	assert.Equal(t, Unique, v)
	require.NoError(t, store.PutMessage(ctx, models.FromMessage(first)))

	v, _ = d.CheckAndMark(ctx, newMessage("m2", "u1", "c1", "hello", now))
	assert.Equal(t, Duplicate, v)
}

func TestRegisterEchoMarksReadBack(t *testing.T) {
	ctx := context.Background()
	d := NewDeduplicator(NewMemoryIndex(4, 16, time.Hour), database.NewMemoryStore(), time.Minute, time.Hour, zerolog.Nop())
	sentAt := time.Now().UTC()

	d.RegisterEcho(ctx, types.NetworkB, "bridge@example.org", "[A] alice: hi", sentAt)

	echo := &types.BridgeMessage{
		ID:            "e1",
		SourceNetwork: types.NetworkB,
		SenderID:      "bridge@example.org",
		Text:          "[A] alice: hi",
		CreatedAt:     sentAt.Add(time.Minute),
	}
	v, err := d.CheckAndMark(ctx, echo)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, v)
}

func TestWarmSkipsFailed(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	now := time.Now().UTC()

	ok := newMessage("m1", "u1", "c1", "kept", now)
	ok.DedupHash = DedupHash(types.NetworkA, "u1", "kept", now, time.Minute)
	ok.Status = types.StatusSent
	failed := newMessage("m2", "u1", "c1", "dropped", now)
	failed.DedupHash = DedupHash(types.NetworkA, "u1", "dropped", now, time.Minute)
	failed.Status = types.StatusFailed
	require.NoError(t, store.PutMessage(ctx, models.FromMessage(ok)))
	require.NoError(t, store.PutMessage(ctx, models.FromMessage(failed)))

	index := NewMemoryIndex(2, 8, time.Hour)
	d := NewDeduplicator(index, store, time.Minute, time.Hour, zerolog.Nop())
	n, err := d.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, index.Len())

	claimed, _ := index.Claim(ctx, ok.DedupHash, now)
	assert.False(t, claimed)
}

func TestMemoryIndexRingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(1, 2, time.Hour)
	now := time.Now()

	for _, h := range []string{"a", "b", "c"} {
		claimed, err := idx.Claim(ctx, h, now)
		require.NoError(t, err)
		assert.True(t, claimed)
	}
	assert.Equal(t, 2, idx.Len())

	claimed, _ := idx.Claim(ctx, "a", now)
	assert.True(t, claimed, "evicted hash is claimable again")
	claimed, _ = idx.Claim(ctx, "c", now)
	assert.False(t, claimed)
}

func TestMemoryIndexRetention(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(1, 8, time.Minute)
	now := time.Now()
	idx.now = func() time.Time { return now }

	claimed, _ := idx.Claim(ctx, "h", now)
	require.True(t, claimed)

	now = now.Add(2 * time.Minute)
	claimed, _ = idx.Claim(ctx, "h", now)
	assert.True(t, claimed, "expired hash counts as absent")
}
