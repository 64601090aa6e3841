package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"dcrelay/internal/config"
	"dcrelay/internal/platforms/deltachat"
	"dcrelay/internal/types"
)

// NormalizerConfig controls length limits and dedup bucketing.
type NormalizerConfig struct {
	MaxLength        int
	TruncationPolicy string
	TruncationMarker string
	DedupBucket      time.Duration
}

// inbound is the network independent view of a raw event.
type inbound struct {
	messageID  string
	senderID   string
	senderName string
	roomID     string
	text       string
	createdAt  time.Time
	// synthetic marks posts made by the bridge itself (webhooks, self contact).
	synthetic bool
}

type decodeFunc func(raw any) (inbound, error)

// Normalizer converts raw adapter events into BridgeMessages.
type Normalizer struct {
	cfg        NormalizerConfig
	strategies map[types.Network]decodeFunc
	now        func() time.Time

	mu       sync.RWMutex
	accounts map[types.Network]map[string]struct{}
}

// NewNormalizer creates a normalizer with the Discord and Delta Chat strategies.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = time.Minute
	}
	if cfg.TruncationPolicy == "" {
		cfg.TruncationPolicy = config.TruncationTruncate
	}
	n := &Normalizer{
		cfg: cfg,
		now: time.Now,
		accounts: map[types.Network]map[string]struct{}{
			types.NetworkA: {},
			types.NetworkB: {},
		},
	}
	n.strategies = map[types.Network]decodeFunc{
		types.NetworkA: decodeDiscord,
		types.NetworkB: decodeDeltaChat,
	}
	return n
}

// AddBridgeAccount registers an id the bridge posts as on network. Events
// authored by it are rejected with ErrSelfMessage.
func (n *Normalizer) AddBridgeAccount(network types.Network, id string) {
	if id == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[network][strings.ToLower(id)] = struct{}{}
}

func (n *Normalizer) isBridgeAccount(network types.Network, id string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.accounts[network][strings.ToLower(id)]
	return ok
}

// Normalize decodes raw according to sourceNetwork's strategy.
func (n *Normalizer) Normalize(raw any, sourceNetwork types.Network) (*types.BridgeMessage, error) {
	decode, ok := n.strategies[sourceNetwork]
	if !ok {
		return nil, &types.MalformedEventError{Network: sourceNetwork, Field: "network"}
	}
	in, err := decode(raw)
	if err != nil {
		return nil, err
	}

	if in.synthetic || n.isBridgeAccount(sourceNetwork, in.senderID) {
		return nil, types.ErrSelfMessage
	}
	if in.senderID == "" {
		return nil, &types.MalformedEventError{Network: sourceNetwork, Field: "sender"}
	}
	if in.roomID == "" {
		return nil, &types.MalformedEventError{Network: sourceNetwork, Field: "room"}
	}
	// whitespace is only folded for hashing; the relayed text is left as sent
	text := in.text
	if strings.TrimSpace(text) == "" {
		return nil, &types.MalformedEventError{Network: sourceNetwork, Field: "text"}
	}

	if runes := utf8.RuneCountInString(text); runes > n.cfg.MaxLength && n.cfg.MaxLength > 0 {
		if n.cfg.TruncationPolicy == config.TruncationReject {
			return nil, fmt.Errorf("%w: %d > %d runes", types.ErrMessageTooLong, runes, n.cfg.MaxLength)
		}
		text = string([]rune(text)[:n.cfg.MaxLength]) + n.cfg.TruncationMarker
	}

	createdAt := in.createdAt
	if createdAt.IsZero() {
		createdAt = n.now()
	}
	createdAt = createdAt.UTC()

	return &types.BridgeMessage{
		ID:                uuid.NewString(),
		SourceNetwork:     sourceNetwork,
		TargetNetwork:     sourceNetwork.Other(),
		SourceMessageID:   in.messageID,
		SenderID:          in.senderID,
		SenderDisplayName: in.senderName,
		RoomID:            in.roomID,
		Text:              text,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
		Status:            types.StatusPending,
		DedupHash:         DedupHash(sourceNetwork, in.senderID, text, createdAt, n.cfg.DedupBucket),
	}, nil
}

func decodeDiscord(raw any) (inbound, error) {
	var m *discordgo.Message
	switch ev := raw.(type) {
	case *discordgo.MessageCreate:
		if ev != nil {
			m = ev.Message
		}
	case *discordgo.Message:
		m = ev
	default:
		return inbound{}, &types.MalformedEventError{Network: types.NetworkA, Field: fmt.Sprintf("event type %T", raw)}
	}
	if m == nil {
		return inbound{}, &types.MalformedEventError{Network: types.NetworkA, Field: "message"}
	}
	if m.Author == nil {
		return inbound{}, &types.MalformedEventError{Network: types.NetworkA, Field: "sender"}
	}

	name := m.Author.Username
	if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}

	return inbound{
		messageID:  m.ID,
		senderID:   m.Author.ID,
		senderName: name,
		roomID:     m.ChannelID,
		text:       m.Content,
		createdAt:  m.Timestamp,
		synthetic:  m.WebhookID != "",
	}, nil
}

func decodeDeltaChat(raw any) (inbound, error) {
	m, ok := raw.(*deltachat.Message)
	if !ok || m == nil {
		return inbound{}, &types.MalformedEventError{Network: types.NetworkB, Field: fmt.Sprintf("event type %T", raw)}
	}

	in := inbound{
		messageID:  strconv.FormatInt(m.ID, 10),
		senderName: m.SenderName(),
		text:       m.Text,
		synthetic:  m.FromID > 0 && m.FromID <= deltachat.ContactLastSpecial,
	}
	if m.ChatID > 0 {
		in.roomID = strconv.FormatInt(m.ChatID, 10)
	}
	if m.Sender != nil && m.Sender.Address != "" {
		in.senderID = strings.ToLower(m.Sender.Address)
	} else if m.FromID > 0 {
		in.senderID = strconv.FormatInt(m.FromID, 10)
	}
	if m.Timestamp > 0 {
		in.createdAt = time.Unix(m.Timestamp, 0)
	}
	return in, nil
}
