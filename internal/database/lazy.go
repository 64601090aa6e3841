package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// lazyDatabase is a Database that could not be opened at startup. Every
// call retries the open until it succeeds, so a FailoverStore probing it
// can leave the fallback once the file becomes reachable.
type lazyDatabase struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
	db *Database
}

var _ Store = (*lazyDatabase)(nil)

func newLazyDatabase(path string, log zerolog.Logger) *lazyDatabase {
	return &lazyDatabase{path: path, log: log}
}

func (l *lazyDatabase) open() (*Database, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db, nil
	}
	db, err := NewDatabase(l.path, l.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	l.log.Info().Str("path", l.path).Msg("Database opened")
	l.db = db
	return db, nil
}

func onDB[T any](l *lazyDatabase, fn func(*Database) (T, error)) (T, error) {
	db, err := l.open()
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(db)
}

func (l *lazyDatabase) GetUserMapping(ctx context.Context, network types.Network, userID string) (*models.UserMapping, error) {
	return onDB(l, func(db *Database) (*models.UserMapping, error) { return db.GetUserMapping(ctx, network, userID) })
}

func (l *lazyDatabase) UpsertUserMapping(ctx context.Context, m *models.UserMapping) (*models.UserMapping, error) {
	return onDB(l, func(db *Database) (*models.UserMapping, error) { return db.UpsertUserMapping(ctx, m) })
}

func (l *lazyDatabase) ListUserMappings(ctx context.Context) ([]*models.UserMapping, error) {
	return onDB(l, func(db *Database) ([]*models.UserMapping, error) { return db.ListUserMappings(ctx) })
}

func (l *lazyDatabase) GetRoomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	return onDB(l, func(db *Database) (*models.RoomMapping, error) { return db.GetRoomMapping(ctx, network, roomID) })
}

func (l *lazyDatabase) UpsertRoomMapping(ctx context.Context, m *models.RoomMapping) (*models.RoomMapping, error) {
	return onDB(l, func(db *Database) (*models.RoomMapping, error) { return db.UpsertRoomMapping(ctx, m) })
}

func (l *lazyDatabase) ListRoomMappings(ctx context.Context) ([]*models.RoomMapping, error) {
	return onDB(l, func(db *Database) ([]*models.RoomMapping, error) { return db.ListRoomMappings(ctx) })
}

func (l *lazyDatabase) PutMessage(ctx context.Context, m *models.MessageRecord) error {
	_, err := onDB(l, func(db *Database) (struct{}, error) { return struct{}{}, db.PutMessage(ctx, m) })
	return err
}

func (l *lazyDatabase) GetMessage(ctx context.Context, id string) (*models.MessageRecord, error) {
	return onDB(l, func(db *Database) (*models.MessageRecord, error) { return db.GetMessage(ctx, id) })
}

func (l *lazyDatabase) FindMessageByDedupHash(ctx context.Context, hash string, since time.Time) (*models.MessageRecord, error) {
	return onDB(l, func(db *Database) (*models.MessageRecord, error) { return db.FindMessageByDedupHash(ctx, hash, since) })
}

func (l *lazyDatabase) ListMessagesByStatus(ctx context.Context, status types.MessageStatus, limit int) ([]*models.MessageRecord, error) {
	return onDB(l, func(db *Database) ([]*models.MessageRecord, error) {
		return db.ListMessagesByStatus(ctx, status, limit)
	})
}

func (l *lazyDatabase) ListMessagesSince(ctx context.Context, since time.Time) ([]*models.MessageRecord, error) {
	return onDB(l, func(db *Database) ([]*models.MessageRecord, error) { return db.ListMessagesSince(ctx, since) })
}

func (l *lazyDatabase) CountMessagesByStatus(ctx context.Context) (map[types.MessageStatus]int64, error) {
	return onDB(l, func(db *Database) (map[types.MessageStatus]int64, error) { return db.CountMessagesByStatus(ctx) })
}

func (l *lazyDatabase) RecordDeliveryOutcome(ctx context.Context, outcome models.DeliveryOutcome) error {
	_, err := onDB(l, func(db *Database) (struct{}, error) { return struct{}{}, db.RecordDeliveryOutcome(ctx, outcome) })
	return err
}

func (l *lazyDatabase) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return onDB(l, func(db *Database) (int64, error) { return db.DeleteMessagesBefore(ctx, cutoff) })
}

func (l *lazyDatabase) GetBridgeState(ctx context.Context) (*models.BridgeState, error) {
	return onDB(l, func(db *Database) (*models.BridgeState, error) { return db.GetBridgeState(ctx) })
}

func (l *lazyDatabase) PutBridgeState(ctx context.Context, s *models.BridgeState) error {
	_, err := onDB(l, func(db *Database) (struct{}, error) { return struct{}{}, db.PutBridgeState(ctx, s) })
	return err
}

func (l *lazyDatabase) GetConfigRecord(ctx context.Context, deployment string) (*models.ConfigRecord, error) {
	return onDB(l, func(db *Database) (*models.ConfigRecord, error) { return db.GetConfigRecord(ctx, deployment) })
}

func (l *lazyDatabase) PutConfigRecord(ctx context.Context, r *models.ConfigRecord) error {
	_, err := onDB(l, func(db *Database) (struct{}, error) { return struct{}{}, db.PutConfigRecord(ctx, r) })
	return err
}

func (l *lazyDatabase) Ping(ctx context.Context) error {
	_, err := onDB(l, func(db *Database) (struct{}, error) { return struct{}{}, db.Ping(ctx) })
	return err
}

func (l *lazyDatabase) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
