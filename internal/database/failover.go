package database

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// FailoverStore serves from a durable primary and falls back to an in-memory
// store when the primary starts failing. Records written while degraded are
// not copied back once the primary recovers.
type FailoverStore struct {
	primary  Store
	fallback *MemoryStore
	degraded atomic.Bool
	log      zerolog.Logger
}

var _ Store = (*FailoverStore)(nil)

// NewFailoverStore wraps primary with an in-memory fallback.
func NewFailoverStore(primary Store, log zerolog.Logger) *FailoverStore {
	return &FailoverStore{
		primary:  primary,
		fallback: NewMemoryStore(),
		log:      log.With().Str("component", "store").Logger(),
	}
}

// Open builds the configured store. backend is "sqlite" or "memory". A
// SQLite file that cannot be opened yields a store that starts degraded
// and keeps retrying the file on Probe.
func Open(backend, path string, log zerolog.Logger) (Store, error) {
	switch backend {
	case "memory":
		log.Warn().Msg("Using in-memory store, state will not survive a restart")
		return NewMemoryStore(), nil
	case "sqlite", "":
		db, err := NewDatabase(path, log)
		if err != nil {
			f := NewFailoverStore(newLazyDatabase(path, log), log)
			f.degrade("open", err)
			return f, nil
		}
		return NewFailoverStore(db, log), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (f *FailoverStore) Degraded() bool {
	return f.degraded.Load()
}

// Probe pings the primary while degraded and switches back when it answers.
func (f *FailoverStore) Probe(ctx context.Context) bool {
	if !f.degraded.Load() {
		return true
	}
	if err := f.primary.Ping(ctx); err != nil {
		f.log.Debug().Err(err).Msg("Primary store still unavailable")
		return false
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.log.Info().Msg("Primary store recovered, leaving in-memory fallback")
	}
	return true
}

func (f *FailoverStore) backendFailed(err error) bool {
	return err != nil &&
		!errors.Is(err, types.ErrNotFound) &&
		!errors.Is(err, types.ErrInvalidMapping) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (f *FailoverStore) degrade(op string, err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.log.Warn().Err(fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)).
			Str("op", op).
			Msg("Primary store failed, continuing on in-memory fallback")
	}
}

func call[T any](f *FailoverStore, op string, fn func(Store) (T, error)) (T, error) {
	if !f.degraded.Load() {
		v, err := fn(f.primary)
		if !f.backendFailed(err) {
			return v, err
		}
		f.degrade(op, err)
	}
	return fn(f.fallback)
}

func exec(f *FailoverStore, op string, fn func(Store) error) error {
	_, err := call(f, op, func(s Store) (struct{}, error) { return struct{}{}, fn(s) })
	return err
}

func (f *FailoverStore) GetUserMapping(ctx context.Context, network types.Network, userID string) (*models.UserMapping, error) {
	return call(f, "get_user_mapping", func(s Store) (*models.UserMapping, error) {
		return s.GetUserMapping(ctx, network, userID)
	})
}

func (f *FailoverStore) UpsertUserMapping(ctx context.Context, m *models.UserMapping) (*models.UserMapping, error) {
	return call(f, "upsert_user_mapping", func(s Store) (*models.UserMapping, error) {
		return s.UpsertUserMapping(ctx, m)
	})
}

func (f *FailoverStore) ListUserMappings(ctx context.Context) ([]*models.UserMapping, error) {
	return call(f, "list_user_mappings", func(s Store) ([]*models.UserMapping, error) {
		return s.ListUserMappings(ctx)
	})
}

func (f *FailoverStore) GetRoomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error) {
	return call(f, "get_room_mapping", func(s Store) (*models.RoomMapping, error) {
		return s.GetRoomMapping(ctx, network, roomID)
	})
}

func (f *FailoverStore) UpsertRoomMapping(ctx context.Context, m *models.RoomMapping) (*models.RoomMapping, error) {
	return call(f, "upsert_room_mapping", func(s Store) (*models.RoomMapping, error) {
		return s.UpsertRoomMapping(ctx, m)
	})
}

func (f *FailoverStore) ListRoomMappings(ctx context.Context) ([]*models.RoomMapping, error) {
	return call(f, "list_room_mappings", func(s Store) ([]*models.RoomMapping, error) {
		return s.ListRoomMappings(ctx)
	})
}

func (f *FailoverStore) PutMessage(ctx context.Context, m *models.MessageRecord) error {
	return exec(f, "put_message", func(s Store) error { return s.PutMessage(ctx, m) })
}

func (f *FailoverStore) GetMessage(ctx context.Context, id string) (*models.MessageRecord, error) {
	return call(f, "get_message", func(s Store) (*models.MessageRecord, error) {
		return s.GetMessage(ctx, id)
	})
}

func (f *FailoverStore) FindMessageByDedupHash(ctx context.Context, hash string, since time.Time) (*models.MessageRecord, error) {
	return call(f, "find_message_by_hash", func(s Store) (*models.MessageRecord, error) {
		return s.FindMessageByDedupHash(ctx, hash, since)
	})
}

func (f *FailoverStore) ListMessagesByStatus(ctx context.Context, status types.MessageStatus, limit int) ([]*models.MessageRecord, error) {
	return call(f, "list_messages_by_status", func(s Store) ([]*models.MessageRecord, error) {
		return s.ListMessagesByStatus(ctx, status, limit)
	})
}

func (f *FailoverStore) ListMessagesSince(ctx context.Context, since time.Time) ([]*models.MessageRecord, error) {
	return call(f, "list_messages_since", func(s Store) ([]*models.MessageRecord, error) {
		return s.ListMessagesSince(ctx, since)
	})
}

func (f *FailoverStore) CountMessagesByStatus(ctx context.Context) (map[types.MessageStatus]int64, error) {
	return call(f, "count_messages", func(s Store) (map[types.MessageStatus]int64, error) {
		return s.CountMessagesByStatus(ctx)
	})
}

func (f *FailoverStore) RecordDeliveryOutcome(ctx context.Context, outcome models.DeliveryOutcome) error {
	return exec(f, "record_delivery_outcome", func(s Store) error { return s.RecordDeliveryOutcome(ctx, outcome) })
}

func (f *FailoverStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return call(f, "delete_messages_before", func(s Store) (int64, error) {
		return s.DeleteMessagesBefore(ctx, cutoff)
	})
}

func (f *FailoverStore) GetBridgeState(ctx context.Context) (*models.BridgeState, error) {
	return call(f, "get_bridge_state", func(s Store) (*models.BridgeState, error) {
		return s.GetBridgeState(ctx)
	})
}

func (f *FailoverStore) PutBridgeState(ctx context.Context, st *models.BridgeState) error {
	return exec(f, "put_bridge_state", func(s Store) error { return s.PutBridgeState(ctx, st) })
}

func (f *FailoverStore) GetConfigRecord(ctx context.Context, deployment string) (*models.ConfigRecord, error) {
	return call(f, "get_config_record", func(s Store) (*models.ConfigRecord, error) {
		return s.GetConfigRecord(ctx, deployment)
	})
}

func (f *FailoverStore) PutConfigRecord(ctx context.Context, r *models.ConfigRecord) error {
	return exec(f, "put_config_record", func(s Store) error { return s.PutConfigRecord(ctx, r) })
}

// Ping reports the primary's health even while degraded.
func (f *FailoverStore) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (f *FailoverStore) Close() error {
	return f.primary.Close()
}
