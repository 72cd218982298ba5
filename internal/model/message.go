package model

import "time"

type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeFile        MessageType = "file"
	TypeVoice       MessageType = "voice"
	TypeCallRequest MessageType = "call_request"
	TypeSystem      MessageType = "system"
)

// SendingState tracks the optimistic-send lifecycle of a local message.
type SendingState string

const (
	StateSending SendingState = "sending"
	StateSent    SendingState = "sent"
	StateFailed  SendingState = "failed"
)

// Message is one entry in a conversation. Content is ciphertext at rest when
// IsEncrypted; once decrypted locally, IsEncrypted is cleared.
type Message struct {
	ID               string           `json:"id,omitempty"`
	ConversationID   string           `json:"conversationId"`
	SenderID         string           `json:"senderId"`
	ReceiverID       string           `json:"receiverId"`
	Content          string           `json:"content"`
	Type             MessageType      `json:"type"`
	IsEncrypted      bool             `json:"isEncrypted"`
	AutoDeleteAt     *time.Time       `json:"autoDeleteAt,omitempty"`
	AutoDeletePeriod AutoDeletePeriod `json:"autoDeletePeriod"`
	IsRead           bool             `json:"isRead"`
	DeliveredAt      *time.Time       `json:"deliveredAt,omitempty"`
	ReadAt           *time.Time       `json:"readAt,omitempty"`
	AttachmentURL    string           `json:"attachmentUrl,omitempty"`
	AttachmentType   string           `json:"attachmentType,omitempty"`
	AttachmentSize   int64            `json:"attachmentSize,omitempty"`
	ReplyTo          string           `json:"replyTo,omitempty"`
	CreatedAt        time.Time        `json:"createdAt,omitempty"`

	// ReactionsEnc is the authoritative persisted form: a JSON-encoded
	// emoji -> [userID] map. The decoded forms below are derived from it.
	ReactionsEnc string `json:"reactions,omitempty"`

	// Transient, never persisted.
	Reactions    map[string]int      `json:"-"` // emoji -> count, for display
	ReactionsRaw map[string][]string `json:"-"` // emoji -> reactor IDs
	SendingState SendingState        `json:"-"`
	IsTemp       bool                `json:"-"`
	TempID       string              `json:"-"`
	Error        string              `json:"-"`
}

// Matches reports whether id refers to this message, by server ID or by the
// local correlation ID. A message has exactly one of the two active.
func (m *Message) Matches(id string) bool {
	return (m.ID != "" && m.ID == id) || (m.TempID != "" && m.TempID == id)
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL      string
	MimeType string
	Size     int64
}

// Expired reports whether the message's retention window has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.AutoDeleteAt != nil && !m.AutoDeleteAt.After(now)
}
