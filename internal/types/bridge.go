package types

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Network identifies one side of the bridge.
type Network string

// Network constants
const (
	NetworkA Network = "A" // room-based synchronous network (Discord)
	NetworkB Network = "B" // email-transport network (Delta Chat)
)

// Other returns the opposite side of the bridge.
func (n Network) Other() Network {
	if n == NetworkA {
		return NetworkB
	}
	return NetworkA
}

// Valid reports whether n is one of the two bridged networks.
func (n Network) Valid() bool {
	return n == NetworkA || n == NetworkB
}

// ParseNetwork accepts "a", "A", "b", "B".
func ParseNetwork(s string) (Network, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(NetworkA):
		return NetworkA, nil
	case string(NetworkB):
		return NetworkB, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// MessageStatus is the delivery state of a BridgeMessage.
type MessageStatus string

// MessageStatus constants
const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
	StatusDeduped MessageStatus = "deduped"
)

// Terminal reports whether no further transition can happen from s.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusDeduped
}

// BridgeMessage represents a message that needs to be bridged
type BridgeMessage struct {
	ID                string        `json:"id"`
	SourceNetwork     Network       `json:"source_network"`
	TargetNetwork     Network       `json:"target_network"`
	SourceMessageID   string        `json:"source_message_id,omitempty"`
	SenderID          string        `json:"sender_id"`
	SenderDisplayName string        `json:"sender_display_name"`
	RoomID            string        `json:"room_id"`
	TargetRoomID      string        `json:"target_room_id,omitempty"`
	Text              string        `json:"text"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Status            MessageStatus `json:"status"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	DedupHash         string        `json:"dedup_hash"`
	Attempts          int           `json:"attempts"`
}

// RoomKey identifies the source room queue the message belongs to.
func (m *BridgeMessage) RoomKey() string {
	return string(m.SourceNetwork) + ":" + m.RoomID
}

// Clone returns a shallow copy safe to hand to another goroutine.
func (m *BridgeMessage) Clone() *BridgeMessage {
	c := *m
	return &c
}

// ConnectionStatus reports whether an adapter is currently connected.
type ConnectionStatus string

// ConnectionStatus constants
const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// FormattingHint carries the display convention for a relayed message.
// Adapters that can render the sender natively (e.g. Discord webhooks) use
// SenderName and Body; the rest send the pre-formatted text as is.
type FormattingHint struct {
	Prefix        string
	SenderName    string
	SourceNetwork Network
	SourceLabel   string
	Body          string
}

// Ack is returned by a platform after a successful send.
type Ack struct {
	MessageID string
	// SenderID is the identity the bridge posted as on the target network.
	SenderID string
	SentAt   time.Time
	// Text is what was actually posted, which can differ from the text
	// handed to SendMessage (a webhook post carries only the body).
	Text string
}

// Platform interface defines methods that each platform must implement
type Platform interface {
	Network() Network
	// OnMessage registers the callback invoked for every inbound event.
	// The raw event is network specific and is decoded by the normalizer.
	OnMessage(handler func(raw any, network Network))
	SendMessage(ctx context.Context, targetRoomID, text string, hint FormattingHint) (Ack, error)
	ConnectionStatus(ctx context.Context) ConnectionStatus
}

// Notifier delivers operator-facing alerts out of band.
type Notifier interface {
	Notify(ctx context.Context, subject, detail string) error
}
