package model

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// UserPresence is a user's live status document. The document ID in the
// presence collection equals UserID, so writes are idempotent upserts.
type UserPresence struct {
	UserID   string         `json:"userId"`
	IsOnline bool           `json:"isOnline"`
	LastSeen time.Time      `json:"lastSeen"`
	Status   PresenceStatus `json:"status"`
}
