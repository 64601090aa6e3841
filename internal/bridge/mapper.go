package bridge

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"dcrelay/internal/database"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

const (
	mapperShards = 8
	// mappings written by another process become visible after this long
	mapperCacheTTL = 5 * time.Minute
)

// shardedCache spreads keys over independent LRUs so lookups for different
// rooms do not contend on one lock.
type shardedCache[V any] struct {
	shards []*expirable.LRU[string, V]
}

func newShardedCache[V any](capacity int) *shardedCache[V] {
	per := capacity / mapperShards
	if per < 1 {
		per = 1
	}
	c := &shardedCache[V]{shards: make([]*expirable.LRU[string, V], mapperShards)}
	for i := range c.shards {
		c.shards[i] = expirable.NewLRU[string, V](per, nil, mapperCacheTTL)
	}
	return c
}

func (c *shardedCache[V]) shard(key string) *expirable.LRU[string, V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *shardedCache[V]) Get(key string) (V, bool) { return c.shard(key).Get(key) }
func (c *shardedCache[V]) Add(key string, v V)      { c.shard(key).Add(key, v) }
func (c *shardedCache[V]) Remove(key string)        { c.shard(key).Remove(key) }

func cacheKey(network types.Network, id string) string {
	return string(network) + ":" + id
}

// Mapper resolves rooms and identities across the two networks. A nil
// cached value records a known miss.
type Mapper struct {
	store database.Store
	rooms *shardedCache[*models.RoomMapping]
	users *shardedCache[*models.UserMapping]
	log   zerolog.Logger
}

// NewMapper caches up to capacity room and capacity user lookups.
func NewMapper(store database.Store, capacity int, log zerolog.Logger) *Mapper {
	return &Mapper{
		store: store,
		rooms: newShardedCache[*models.RoomMapping](capacity),
		users: newShardedCache[*models.UserMapping](capacity),
		log:   log.With().Str("component", "mapper").Logger(),
	}
}

func (m *Mapper) roomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	key := cacheKey(network, roomID)
	if cached, ok := m.rooms.Get(key); ok {
		return cached, nil
	}
	mapping, err := m.store.GetRoomMapping(ctx, network, roomID)
	if errors.Is(err, types.ErrNotFound) {
		m.rooms.Add(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.rooms.Add(key, mapping)
	return mapping, nil
}

// ResolveRoom returns the counterpart of sourceRoomID. ok is false when the
// room is unmapped or the mapping does not carry this direction.
func (m *Mapper) ResolveRoom(ctx context.Context, sourceNetwork types.Network, sourceRoomID string) (string, bool, error) {
	mapping, err := m.roomMapping(ctx, sourceNetwork, sourceRoomID)
	if err != nil || mapping == nil {
		return "", false, err
	}
	target, ok := mapping.Target(sourceNetwork)
	return target, ok, nil
}

// RoomMapping returns the mapping of a room, or ErrNotFound.
func (m *Mapper) RoomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	mapping, err := m.roomMapping(ctx, network, roomID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, types.ErrNotFound
	}
	return mapping, nil
}

// UpsertRoomMapping links two rooms, replacing whatever either was linked to.
func (m *Mapper) UpsertRoomMapping(ctx context.Context, aRoomID, aRoomName, bRoomID, bRoomName string, bidirectional bool) (*models.RoomMapping, error) {
	stale := m.roomKeys(ctx, types.NetworkA, aRoomID)
	stale = append(stale, m.roomKeys(ctx, types.NetworkB, bRoomID)...)

	mapping, err := m.store.UpsertRoomMapping(ctx, &models.RoomMapping{
		NetworkARoomID:   aRoomID,
		NetworkARoomName: aRoomName,
		NetworkBRoomID:   bRoomID,
		NetworkBRoomName: bRoomName,
		Bidirectional:    bidirectional,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert room mapping: %w", err)
	}

	stale = append(stale, cacheKey(types.NetworkA, aRoomID), cacheKey(types.NetworkB, bRoomID))
	for _, key := range stale {
		m.rooms.Remove(key)
	}

	m.log.Info().
		Str("network_a_room", aRoomID).
		Str("network_b_room", bRoomID).
		Bool("bidirectional", bidirectional).
		Msg("Room mapping updated")
	return mapping, nil
}

// roomKeys lists the cache keys of the mapping currently holding roomID.
func (m *Mapper) roomKeys(ctx context.Context, network types.Network, roomID string) []string {
	if roomID == "" {
		return nil
	}
	existing, err := m.store.GetRoomMapping(ctx, network, roomID)
	if err != nil {
		return nil
	}
	return []string{
		cacheKey(types.NetworkA, existing.NetworkARoomID),
		cacheKey(types.NetworkB, existing.NetworkBRoomID),
	}
}

func (m *Mapper) userMapping(ctx context.Context, network types.Network, userID string) (*models.UserMapping, error) {
	key := cacheKey(network, userID)
	if cached, ok := m.users.Get(key); ok {
		return cached, nil
	}
	mapping, err := m.store.GetUserMapping(ctx, network, userID)
	if errors.Is(err, types.ErrNotFound) {
		m.users.Add(key, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.users.Add(key, mapping)
	return mapping, nil
}

// UpsertUserMapping links identities. Either side may be empty.
func (m *Mapper) UpsertUserMapping(ctx context.Context, aID, aName, bID, bName string) (*models.UserMapping, error) {
	stale := m.userKeys(ctx, types.NetworkA, aID)
	stale = append(stale, m.userKeys(ctx, types.NetworkB, bID)...)

	mapping, err := m.store.UpsertUserMapping(ctx, &models.UserMapping{
		NetworkAUserID:      aID,
		NetworkADisplayName: aName,
		NetworkBUserID:      bID,
		NetworkBDisplayName: bName,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user mapping: %w", err)
	}

	if aID != "" {
		stale = append(stale, cacheKey(types.NetworkA, aID))
	}
	if bID != "" {
		stale = append(stale, cacheKey(types.NetworkB, bID))
	}
	for _, key := range stale {
		m.users.Remove(key)
	}
	return mapping, nil
}

func (m *Mapper) userKeys(ctx context.Context, network types.Network, userID string) []string {
	if userID == "" {
		return nil
	}
	existing, err := m.store.GetUserMapping(ctx, network, userID)
	if err != nil {
		return nil
	}
	var keys []string
	if existing.NetworkAUserID != "" {
		keys = append(keys, cacheKey(types.NetworkA, existing.NetworkAUserID))
	}
	if existing.NetworkBUserID != "" {
		keys = append(keys, cacheKey(types.NetworkB, existing.NetworkBUserID))
	}
	return keys
}

// ObserveSender records a sender on first contact and refreshes the stored
// display name when it changed.
func (m *Mapper) ObserveSender(ctx context.Context, network types.Network, userID, displayName string) error {
	if userID == "" {
		return nil
	}
	existing, err := m.userMapping(ctx, network, userID)
	if err != nil {
		return err
	}
	if existing != nil && (displayName == "" || existing.DisplayName(network) == displayName) {
		return nil
	}

	var aID, aName, bID, bName string
	if network == types.NetworkA {
		aID, aName = userID, displayName
	} else {
		bID, bName = userID, displayName
	}
	if _, err := m.UpsertUserMapping(ctx, aID, aName, bID, bName); err != nil {
		return err
	}
	if existing == nil {
		m.log.Debug().Str("network", string(network)).Str("user_id", userID).Msg("New sender observed")
	}
	return nil
}

// DisplayName returns the best known display name, or "".
func (m *Mapper) DisplayName(ctx context.Context, network types.Network, userID string) string {
	mapping, err := m.userMapping(ctx, network, userID)
	if err != nil || mapping == nil {
		return ""
	}
	return mapping.DisplayName(network)
}
