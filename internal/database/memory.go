package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// MemoryStore is the volatile Store implementation. Nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	nextUserID int64
	users      map[int64]*models.UserMapping
	usersA     map[string]int64
	usersB     map[string]int64

	nextRoomID int64
	rooms      map[int64]*models.RoomMapping
	roomsA     map[string]int64
	roomsB     map[string]int64

	seq      int64
	messages map[string]*memoryMessage
	byHash   map[string][]string

	state   *models.BridgeState
	configs map[string]*models.ConfigRecord
}

type memoryMessage struct {
	seq    int64
	record models.MessageRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*models.UserMapping),
		usersA:   make(map[string]int64),
		usersB:   make(map[string]int64),
		rooms:    make(map[int64]*models.RoomMapping),
		roomsA:   make(map[string]int64),
		roomsB:   make(map[string]int64),
		messages: make(map[string]*memoryMessage),
		byHash:   make(map[string][]string),
		configs:  make(map[string]*models.ConfigRecord),
	}
}

func (s *MemoryStore) GetUserMapping(_ context.Context, network types.Network, userID string) (*models.UserMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.usersA
	if network == types.NetworkB {
		index = s.usersB
	}
	id, ok := index[userID]
	if !ok || userID == "" {
		return nil, types.ErrNotFound
	}
	m := *s.users[id]
	return &m, nil
}

func (s *MemoryStore) UpsertUserMapping(_ context.Context, m *models.UserMapping) (*models.UserMapping, error) {
	if err := validateUserMapping(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rowA := s.userRow(s.usersA, m.NetworkAUserID)
	rowB := s.userRow(s.usersB, m.NetworkBUserID)

	if rowA != nil && rowB != nil && rowA.ID != rowB.ID {
		// B moves onto rowA; rowB keeps its A side or disappears.
		moved := *m
		moved.NetworkBDisplayName = keepName(m.NetworkBDisplayName, rowB.NetworkBDisplayName)
		m = &moved
		delete(s.usersB, rowB.NetworkBUserID)
		if rowB.NetworkAUserID == "" {
			delete(s.users, rowB.ID)
		} else {
			rowB.NetworkBUserID = ""
			rowB.NetworkBDisplayName = ""
			rowB.UpdatedAt = now
		}
		rowB = nil
	}

	row := rowA
	if row == nil {
		row = rowB
	}
	if row == nil {
		s.nextUserID++
		row = &models.UserMapping{ID: s.nextUserID, CreatedAt: now}
		s.users[row.ID] = row
	}

	if m.NetworkAUserID != "" {
		if row.NetworkAUserID != "" && row.NetworkAUserID != m.NetworkAUserID {
			delete(s.usersA, row.NetworkAUserID)
		}
		row.NetworkAUserID = m.NetworkAUserID
		row.NetworkADisplayName = keepName(m.NetworkADisplayName, row.NetworkADisplayName)
		s.usersA[row.NetworkAUserID] = row.ID
	}
	if m.NetworkBUserID != "" {
		if row.NetworkBUserID != "" && row.NetworkBUserID != m.NetworkBUserID {
			delete(s.usersB, row.NetworkBUserID)
		}
		row.NetworkBUserID = m.NetworkBUserID
		row.NetworkBDisplayName = keepName(m.NetworkBDisplayName, row.NetworkBDisplayName)
		s.usersB[row.NetworkBUserID] = row.ID
	}
	row.UpdatedAt = now

	out := *row
	return &out, nil
}

func (s *MemoryStore) userRow(index map[string]int64, key string) *models.UserMapping {
	if key == "" {
		return nil
	}
	if id, ok := index[key]; ok {
		return s.users[id]
	}
	return nil
}

func (s *MemoryStore) ListUserMappings(_ context.Context) ([]*models.UserMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UserMapping, 0, len(s.users))
	for _, m := range s.users {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetRoomMapping(_ context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := s.roomsA
	if network == types.NetworkB {
		index = s.roomsB
	}
	id, ok := index[roomID]
	if !ok || roomID == "" {
		return nil, types.ErrNotFound
	}
	m := *s.rooms[id]
	return &m, nil
}

func (s *MemoryStore) UpsertRoomMapping(_ context.Context, m *models.RoomMapping) (*models.RoomMapping, error) {
	if err := validateRoomMapping(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var rowA, rowB *models.RoomMapping
	if id, ok := s.roomsA[m.NetworkARoomID]; ok {
		rowA = s.rooms[id]
	}
	if id, ok := s.roomsB[m.NetworkBRoomID]; ok {
		rowB = s.rooms[id]
	}
	if rowA != nil && rowB != nil && rowA.ID != rowB.ID {
		s.dropRoom(rowB)
		rowB = nil
	}

	row := rowA
	if row == nil {
		row = rowB
	}
	if row == nil {
		s.nextRoomID++
		row = &models.RoomMapping{ID: s.nextRoomID, CreatedAt: now}
		s.rooms[row.ID] = row
	}

	delete(s.roomsA, row.NetworkARoomID)
	delete(s.roomsB, row.NetworkBRoomID)
	row.NetworkARoomID = m.NetworkARoomID
	row.NetworkARoomName = keepName(m.NetworkARoomName, row.NetworkARoomName)
	row.NetworkBRoomID = m.NetworkBRoomID
	row.NetworkBRoomName = keepName(m.NetworkBRoomName, row.NetworkBRoomName)
	row.Bidirectional = m.Bidirectional
	row.UpdatedAt = now
	s.roomsA[row.NetworkARoomID] = row.ID
	s.roomsB[row.NetworkBRoomID] = row.ID

	out := *row
	return &out, nil
}

func (s *MemoryStore) dropRoom(row *models.RoomMapping) {
	delete(s.roomsA, row.NetworkARoomID)
	delete(s.roomsB, row.NetworkBRoomID)
	delete(s.rooms, row.ID)
}

func (s *MemoryStore) ListRoomMappings(_ context.Context) ([]*models.RoomMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.RoomMapping, 0, len(s.rooms))
	for _, m := range s.rooms {
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutMessage(_ context.Context, m *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[m.ID]; ok {
		existing.record = *m
		return nil
	}
	s.seq++
	s.messages[m.ID] = &memoryMessage{seq: s.seq, record: *m}
	if m.DedupHash != "" {
		s.byHash[m.DedupHash] = append(s.byHash[m.DedupHash], m.ID)
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	r := m.record
	return &r, nil
}

func (s *MemoryStore) FindMessageByDedupHash(_ context.Context, hash string, since time.Time) (*models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byHash[hash]
	for i := len(ids) - 1; i >= 0; i-- {
		m, ok := s.messages[ids[i]]
		if !ok {
			continue
		}
		if m.record.Status == string(types.StatusDeduped) || m.record.CreatedAt.Before(since) {
			continue
		}
		r := m.record
		return &r, nil
	}
	return nil, types.ErrNotFound
}

func (s *MemoryStore) ListMessagesByStatus(_ context.Context, status types.MessageStatus, limit int) ([]*models.MessageRecord, error) {
	return s.listWhere(limit, func(r *models.MessageRecord) bool {
		return r.Status == string(status)
	}), nil
}

func (s *MemoryStore) ListMessagesSince(_ context.Context, since time.Time) ([]*models.MessageRecord, error) {
	return s.listWhere(0, func(r *models.MessageRecord) bool {
		return r.Status != string(types.StatusDeduped) && !r.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) listWhere(limit int, keep func(*models.MessageRecord) bool) []*models.MessageRecord {
	// records are copied under the lock; PutMessage rewrites them in place
	s.mu.RLock()
	matched := make([]memoryMessage, 0)
	for _, m := range s.messages {
		if keep(&m.record) {
			matched = append(matched, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*models.MessageRecord, len(matched))
	for i := range matched {
		out[i] = &matched[i].record
	}
	return out
}

func (s *MemoryStore) CountMessagesByStatus(_ context.Context) (map[types.MessageStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.MessageStatus]int64)
	for _, m := range s.messages {
		counts[types.MessageStatus(m.record.Status)]++
	}
	return counts, nil
}

func (s *MemoryStore) RecordDeliveryOutcome(_ context.Context, outcome models.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[outcome.MessageID]
	if !ok {
		return types.ErrNotFound
	}
	m.record.Status = string(outcome.Status)
	m.record.ErrorDetail = outcome.ErrorDetail
	if outcome.TargetRoomID != "" {
		m.record.TargetRoomID = outcome.TargetRoomID
	}
	m.record.Attempts = outcome.Attempts
	m.record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.messages {
		if !m.record.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.messages, id)
		deleted++
	}
	for hash, ids := range s.byHash {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.messages[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byHash, hash)
		} else {
			s.byHash[hash] = kept
		}
	}
	return deleted, nil
}

func (s *MemoryStore) GetBridgeState(_ context.Context) (*models.BridgeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, types.ErrNotFound
	}
	st := *s.state
	return &st, nil
}

func (s *MemoryStore) PutBridgeState(_ context.Context, st *models.BridgeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *st
	c.ID = 1
	s.state = &c
	return nil
}

func (s *MemoryStore) GetConfigRecord(_ context.Context, deployment string) (*models.ConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.configs[deployment]
	if !ok {
		return nil, types.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) PutConfigRecord(_ context.Context, r *models.ConfigRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *r
	s.configs[r.Deployment] = &c
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
