package bridge

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryIndex is a sharded, bounded HashIndex. Each shard keeps its hashes
// in a ring; when a shard is full the oldest entry is overwritten. Entries
// older than the retention window count as absent.
type MemoryIndex struct {
	shards    []*ringShard
	retention time.Duration
	now       func() time.Time
}

type ringEntry struct {
	hash string
	at   time.Time
}

type ringShard struct {
	mu   sync.Mutex
	ring []ringEntry
	next int
	seen map[string]time.Time
}

// NewMemoryIndex creates shards shards of shardSize entries each.
func NewMemoryIndex(shards, shardSize int, retention time.Duration) *MemoryIndex {
	if shards < 1 {
		shards = 1
	}
	if shardSize < 1 {
		shardSize = 1
	}
	idx := &MemoryIndex{
		shards:    make([]*ringShard, shards),
		retention: retention,
		now:       time.Now,
	}
	for i := range idx.shards {
		idx.shards[i] = &ringShard{
			ring: make([]ringEntry, shardSize),
			seen: make(map[string]time.Time, shardSize),
		}
	}
	return idx
}

func (m *MemoryIndex) shard(hash string) *ringShard {
	h := fnv.New32a()
	h.Write([]byte(hash))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemoryIndex) Claim(_ context.Context, hash string, at time.Time) (bool, error) {
	s := m.shard(hash)
	cutoff := m.now().Add(-m.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seenAt, ok := s.seen[hash]; ok && !seenAt.Before(cutoff) {
		return false, nil
	}

	old := s.ring[s.next]
	if old.hash != "" && s.seen[old.hash].Equal(old.at) {
		delete(s.seen, old.hash)
	}
	s.ring[s.next] = ringEntry{hash: hash, at: at}
	s.next = (s.next + 1) % len(s.ring)
	s.seen[hash] = at
	return true, nil
}

func (m *MemoryIndex) Forget(_ context.Context, hash string) error {
	s := m.shard(hash)
	s.mu.Lock()
	delete(s.seen, hash)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live hashes.
func (m *MemoryIndex) Len() int {
	cutoff := m.now().Add(-m.retention)
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, at := range s.seen {
			if !at.Before(cutoff) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// RedisIndex shares dedup hashes between bridge instances. Keys expire
// after the retention window.
type RedisIndex struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisIndex stores keys as prefix+hash.
func NewRedisIndex(client *redis.Client, prefix string, retention time.Duration) *RedisIndex {
	return &RedisIndex{client: client, prefix: prefix, retention: retention}
}

func (r *RedisIndex) Claim(ctx context.Context, hash string, at time.Time) (bool, error) {
	ttl := r.retention - time.Since(at)
	if ttl <= 0 {
		return true, nil
	}
	return r.client.SetNX(ctx, r.prefix+hash, at.Unix(), ttl).Result()
}

func (r *RedisIndex) Forget(ctx context.Context, hash string) error {
	return r.client.Del(ctx, r.prefix+hash).Err()
}
