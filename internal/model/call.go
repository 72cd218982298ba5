package model

import "time"

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallActive   CallStatus = "active"
	CallEnded    CallStatus = "ended"
	CallRejected CallStatus = "rejected"
)

// CallSession is one voice/video call attempt inside a conversation.
// pending -> active -> ended, or pending -> ended/rejected (missed: StartedAt
// was never set).
type CallSession struct {
	ID             string     `json:"id,omitempty"`
	ConversationID string     `json:"conversationId"`
	CallerID       string     `json:"callerId"`
	ReceiverID     string     `json:"receiverId"`
	Type           CallType   `json:"type"`
	Status         CallStatus `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Duration       int        `json:"duration,omitempty"` // seconds, floor
	CreatedAt      time.Time  `json:"createdAt,omitempty"`
}

// Peer returns the other party of the call relative to userID.
func (c *CallSession) Peer(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}
