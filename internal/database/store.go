package database

import (
	"context"
	"fmt"
	"time"

	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

// Store is the persistence contract shared by the durable and the in-memory
// backends. Lookups that find nothing return types.ErrNotFound.
type Store interface {
	GetUserMapping(ctx context.Context, network types.Network, userID string) (*models.UserMapping, error)
	// UpsertUserMapping links the non-empty sides of m. An id already linked
	// elsewhere is moved to this mapping; empty display names keep the stored value.
	UpsertUserMapping(ctx context.Context, m *models.UserMapping) (*models.UserMapping, error)
	ListUserMappings(ctx context.Context) ([]*models.UserMapping, error)

	GetRoomMapping(ctx context.Context, network types.Network, roomID string) (*models.RoomMapping, error)
	UpsertRoomMapping(ctx context.Context, m *models.RoomMapping) (*models.RoomMapping, error)
	ListRoomMappings(ctx context.Context) ([]*models.RoomMapping, error)

	PutMessage(ctx context.Context, m *models.MessageRecord) error
	GetMessage(ctx context.Context, id string) (*models.MessageRecord, error)
	// FindMessageByDedupHash returns the most recent non-deduped record with
	// the given hash created at or after since.
	FindMessageByDedupHash(ctx context.Context, hash string, since time.Time) (*models.MessageRecord, error)
	// ListMessagesByStatus returns records in insertion order. limit <= 0 means no limit.
	ListMessagesByStatus(ctx context.Context, status types.MessageStatus, limit int) ([]*models.MessageRecord, error)
	// ListMessagesSince returns non-deduped records created at or after since.
	ListMessagesSince(ctx context.Context, since time.Time) ([]*models.MessageRecord, error)
	CountMessagesByStatus(ctx context.Context) (map[types.MessageStatus]int64, error)
	RecordDeliveryOutcome(ctx context.Context, outcome models.DeliveryOutcome) error
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetBridgeState(ctx context.Context) (*models.BridgeState, error)
	PutBridgeState(ctx context.Context, s *models.BridgeState) error

	GetConfigRecord(ctx context.Context, deployment string) (*models.ConfigRecord, error)
	PutConfigRecord(ctx context.Context, r *models.ConfigRecord) error

	Ping(ctx context.Context) error
	Close() error
}

func validateUserMapping(m *models.UserMapping) error {
	if m.NetworkAUserID == "" && m.NetworkBUserID == "" {
		return errEmptyMapping
	}
	return nil
}

func validateRoomMapping(m *models.RoomMapping) error {
	if m.NetworkARoomID == "" || m.NetworkBRoomID == "" {
		return errEmptyMapping
	}
	return nil
}

func keepName(update, existing string) string {
	if update != "" {
		return update
	}
	return existing
}

var errEmptyMapping = fmt.Errorf("%w: missing network id", types.ErrInvalidMapping)
