package deltachat

import "strings"

// Reserved contact ids. Ids up to ContactLastSpecial never belong to a person.
const (
	ContactSelf        int64 = 1
	ContactInfo        int64 = 2
	ContactDevice      int64 = 5
	ContactLastSpecial int64 = 9
)

// Connectivity values reported by get_connectivity.
const (
	ConnectivityNotConnected = 1000
	ConnectivityConnecting   = 2000
	ConnectivityWorking      = 3000
	ConnectivityConnected    = 4000
)

// Contact is the sender object embedded in a message.
type Contact struct {
	ID          int64  `json:"id"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
	AuthName    string `json:"authName"`
	IsBot       bool   `json:"isBot"`
}

// Message is the subset of the server's message object the bridge reads.
type Message struct {
	ID                 int64    `json:"id"`
	ChatID             int64    `json:"chatId"`
	FromID             int64    `json:"fromId"`
	Text               string   `json:"text"`
	Timestamp          int64    `json:"timestamp"`
	IsInfo             bool     `json:"isInfo"`
	IsBot              bool     `json:"isBot"`
	OverrideSenderName *string  `json:"overrideSenderName"`
	Sender             *Contact `json:"sender"`
}

// SenderName picks the override name, then the display name, then the address.
func (m *Message) SenderName() string {
	if m.OverrideSenderName != nil && strings.TrimSpace(*m.OverrideSenderName) != "" {
		return strings.TrimSpace(*m.OverrideSenderName)
	}
	if m.Sender == nil {
		return ""
	}
	if m.Sender.DisplayName != "" {
		return m.Sender.DisplayName
	}
	return m.Sender.Address
}

// Event is one item of the get_next_event stream.
type Event struct {
	ContextID int64 `json:"contextId"`
	Event     struct {
		Kind   string `json:"kind"`
		ChatID int64  `json:"chatId"`
		MsgID  int64  `json:"msgId"`
		Msg    string `json:"msg"`
	} `json:"event"`
}

// BasicChatInfo is returned by get_basic_chat_info.
type BasicChatInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
