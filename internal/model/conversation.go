package model

import (
	"sort"
	"time"
)

// Role of a participant inside a conversation.
type Role string

const (
	RoleClient  Role = "client"
	RoleEscort  Role = "escort"
	RoleSupport Role = "support"
)

// ConversationType is derived from the two participant roles.
type ConversationType string

const (
	ConversationClientEscort  ConversationType = "client_escort"
	ConversationClientSupport ConversationType = "client_support"
	ConversationEscortSupport ConversationType = "escort_support"
)

// AutoDeletePeriod is a message retention period in minutes.
// PeriodImmediate expires a message at send time; PeriodNever disables expiry.
type AutoDeletePeriod int

const (
	PeriodImmediate   AutoDeletePeriod = 0
	PeriodFiveMinutes AutoDeletePeriod = 5
	PeriodOneHour     AutoDeletePeriod = 60
	PeriodOneDay      AutoDeletePeriod = 1440
	PeriodOneWeek     AutoDeletePeriod = 10080
	PeriodNever       AutoDeletePeriod = -1
)

// AutoDeleteAt resolves the period to an absolute expiry timestamp relative
// to now. Nil means the message never expires.
func (p AutoDeletePeriod) AutoDeleteAt(now time.Time) *time.Time {
	switch p {
	case PeriodNever:
		return nil
	case PeriodImmediate:
		t := now
		return &t
	default:
		t := now.Add(time.Duration(p) * time.Minute)
		return &t
	}
}

// Conversation is a two-party thread. Participants are stored sorted so the
// unordered pair is the uniqueness key and key derivation is order-free.
type Conversation struct {
	ID               string           `json:"id,omitempty"`
	Participants     []string         `json:"participants"`
	ParticipantRoles map[string]Role  `json:"participantRoles"`
	InitiatedBy      string           `json:"initiatedBy"`
	ConversationType ConversationType `json:"conversationType"`
	LastMessageID    string           `json:"lastMessageId,omitempty"`
	LastActivity     time.Time        `json:"lastActivity"`
	UnreadCount      map[string]int   `json:"unreadCount,omitempty"`
	EncryptionKey    string           `json:"encryptionKey"`
	AutoDeletePeriod AutoDeletePeriod `json:"autoDeletePeriod"`
	IsArchived       bool             `json:"isArchived"`
	CreatedAt        time.Time        `json:"createdAt,omitempty"`

	// LastMessage is a local cache of the record behind LastMessageID.
	LastMessage *Message `json:"-"`
}

// SortParticipants returns the pair in canonical (sorted) order.
func SortParticipants(a, b string) []string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the participant that is not userID, or "".
func (c *Conversation) OtherParticipant(userID string) string {
	for _, id := range c.Participants {
		if id != userID {
			return id
		}
	}
	return ""
}

// TypeFor derives the conversation type tag from the two roles.
// Pairs not covered by the initiation rules default to client_escort.
func TypeFor(a, b Role) ConversationType {
	switch {
	case a == RoleSupport || b == RoleSupport:
		other := a
		if a == RoleSupport {
			other = b
		}
		if other == RoleEscort {
			return ConversationEscortSupport
		}
		return ConversationClientSupport
	default:
		return ConversationClientEscort
	}
}
