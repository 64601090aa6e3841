package models

import (
	"time"

	"dcrelay/internal/types"
)

// UserMapping links one identity on network A with its counterpart on network B.
// Either side may be empty while the counterpart is still unknown.
type UserMapping struct {
	ID                  int64     `db:"id" json:"id"`
	NetworkAUserID      string    `db:"network_a_user_id" json:"network_a_user_id"`
	NetworkADisplayName string    `db:"network_a_display_name" json:"network_a_display_name"`
	NetworkBUserID      string    `db:"network_b_user_id" json:"network_b_user_id"`
	NetworkBDisplayName string    `db:"network_b_display_name" json:"network_b_display_name"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// UserID returns the id on the given network.
func (m *UserMapping) UserID(network types.Network) string {
	if network == types.NetworkA {
		return m.NetworkAUserID
	}
	return m.NetworkBUserID
}

// DisplayName returns the display name on the given network.
func (m *UserMapping) DisplayName(network types.Network) string {
	if network == types.NetworkA {
		return m.NetworkADisplayName
	}
	return m.NetworkBDisplayName
}

// RoomMapping represents the mapping between rooms on different platforms
type RoomMapping struct {
	ID               int64     `db:"id" json:"id"`
	NetworkARoomID   string    `db:"network_a_room_id" json:"network_a_room_id"`
	NetworkARoomName string    `db:"network_a_room_name" json:"network_a_room_name"`
	NetworkBRoomID   string    `db:"network_b_room_id" json:"network_b_room_id"`
	NetworkBRoomName string    `db:"network_b_room_name" json:"network_b_room_name"`
	Bidirectional    bool      `db:"bidirectional" json:"bidirectional"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// RoomID returns the room id on the given network.
func (m *RoomMapping) RoomID(network types.Network) string {
	if network == types.NetworkA {
		return m.NetworkARoomID
	}
	return m.NetworkBRoomID
}

// Target resolves the counterpart room for a message coming from source.
// One-way mappings only carry A to B.
func (m *RoomMapping) Target(source types.Network) (string, bool) {
	if source == types.NetworkB && !m.Bidirectional {
		return "", false
	}
	target := m.RoomID(source.Other())
	return target, target != ""
}

// MessageRecord is the persisted form of a types.BridgeMessage.
type MessageRecord struct {
	ID                string    `db:"id" json:"id"`
	SourceNetwork     string    `db:"source_network" json:"source_network"`
	TargetNetwork     string    `db:"target_network" json:"target_network"`
	SourceMessageID   string    `db:"source_message_id" json:"source_message_id"`
	SenderID          string    `db:"sender_id" json:"sender_id"`
	SenderDisplayName string    `db:"sender_display_name" json:"sender_display_name"`
	RoomID            string    `db:"room_id" json:"room_id"`
	TargetRoomID      string    `db:"target_room_id" json:"target_room_id"`
	Text              string    `db:"text" json:"text"`
	Status            string    `db:"status" json:"status"`
	ErrorDetail       string    `db:"error_detail" json:"error_detail"`
	DedupHash         string    `db:"dedup_hash" json:"dedup_hash"`
	Attempts          int       `db:"attempts" json:"attempts"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// FromMessage converts a bridge message to its record form.
func FromMessage(m *types.BridgeMessage) *MessageRecord {
	return &MessageRecord{
		ID:                m.ID,
		SourceNetwork:     string(m.SourceNetwork),
		TargetNetwork:     string(m.TargetNetwork),
		SourceMessageID:   m.SourceMessageID,
		SenderID:          m.SenderID,
		SenderDisplayName: m.SenderDisplayName,
		RoomID:            m.RoomID,
		TargetRoomID:      m.TargetRoomID,
		Text:              m.Text,
		Status:            string(m.Status),
		ErrorDetail:       m.ErrorDetail,
		DedupHash:         m.DedupHash,
		Attempts:          m.Attempts,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// ToMessage converts the record back into a bridge message.
func (r *MessageRecord) ToMessage() *types.BridgeMessage {
	return &types.BridgeMessage{
		ID:                r.ID,
		SourceNetwork:     types.Network(r.SourceNetwork),
		TargetNetwork:     types.Network(r.TargetNetwork),
		SourceMessageID:   r.SourceMessageID,
		SenderID:          r.SenderID,
		SenderDisplayName: r.SenderDisplayName,
		RoomID:            r.RoomID,
		TargetRoomID:      r.TargetRoomID,
		Text:              r.Text,
		Status:            types.MessageStatus(r.Status),
		ErrorDetail:       r.ErrorDetail,
		DedupHash:         r.DedupHash,
		Attempts:          r.Attempts,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// DeliveryOutcome is the terminal (or deferred) result of relaying one message.
type DeliveryOutcome struct {
	MessageID    string
	Status       types.MessageStatus
	ErrorDetail  string
	TargetRoomID string
	Attempts     int
}

// BridgeState is the singleton health record of a deployment.
type BridgeState struct {
	ID                   int64     `db:"id" json:"-"`
	NetworkAConnected    bool      `db:"network_a_connected" json:"network_a_connected"`
	NetworkBConnected    bool      `db:"network_b_connected" json:"network_b_connected"`
	ErrorCount           int64     `db:"error_count" json:"error_count"`
	TotalMessagesRelayed int64     `db:"total_messages_relayed" json:"total_messages_relayed"`
	LastHeartbeat        time.Time `db:"last_heartbeat" json:"last_heartbeat"`
}

// ConfigRecord snapshots the effective relay configuration of a deployment.
type ConfigRecord struct {
	Deployment string    `db:"deployment" json:"deployment"`
	Payload    string    `db:"payload" json:"payload"` // JSON
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
