// Package cache persists an encrypted snapshot of the conversation
// list and recent messages so the UI can paint instantly on startup
// while the fresh load runs. Snapshots are sealed with a key derived
// from the device fingerprint; a snapshot that fails to open is simply
// discarded and the data refetched.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ndolo/messenger/internal/crypto"
	"github.com/ndolo/messenger/internal/model"
)

// ErrMiss is returned when no snapshot exists or the stored one could
// not be opened.
var ErrMiss = errors.New("cache: miss")

const snapshotVersion = 2

// Snapshot is the cached view of a user's messaging state.
type Snapshot struct {
	Version       int                         `json:"version"`
	UserID        string                      `json:"userId"`
	Conversations []*model.Conversation       `json:"conversations"`
	Messages      map[string][]*model.Message `json:"messages"`
	SavedAt       time.Time                   `json:"savedAt"`
}

// Store holds sealed snapshots keyed by user ID.
type Store interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, sealed []byte, ttl time.Duration) error
	Drop(ctx context.Context, userID string) error
}

// Cache seals and opens snapshots on top of a Store.
type Cache struct {
	store       Store
	fingerprint string
	salt        string
	ttl         time.Duration
}

func New(s Store, fingerprint, salt string, ttl time.Duration) *Cache {
	return &Cache{store: s, fingerprint: fingerprint, salt: salt, ttl: ttl}
}

// Save seals the snapshot and writes it. Transient message fields are
// not part of the snapshot; callers pass only persisted state.
func (c *Cache) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = snapshotVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache.Save: %w", err)
	}
	key := crypto.DeriveLocalKey(c.fingerprint, c.salt)
	sealed, err := crypto.EncryptContent(string(plain), key)
	if err != nil {
		return fmt.Errorf("cache.Save seal: %w", err)
	}
	if err := c.store.Save(ctx, snap.UserID, []byte(sealed), c.ttl); err != nil {
		return fmt.Errorf("cache.Save: %w", err)
	}
	return nil
}

// Load opens the snapshot for the user. Any failure — absent entry,
// wrong fingerprint, stale version, corrupt payload — reads as a miss.
func (c *Cache) Load(ctx context.Context, userID string) (*Snapshot, error) {
	sealed, err := c.store.Load(ctx, userID)
	if err != nil {
		return nil, ErrMiss
	}
	key := crypto.DeriveLocalKey(c.fingerprint, c.salt)
	plain, err := crypto.DecryptContent(string(sealed), key)
	if err != nil {
		_ = c.store.Drop(ctx, userID)
		return nil, ErrMiss
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(plain), &snap); err != nil {
		_ = c.store.Drop(ctx, userID)
		return nil, ErrMiss
	}
	if snap.Version != snapshotVersion || snap.UserID != userID {
		_ = c.store.Drop(ctx, userID)
		return nil, ErrMiss
	}
	return &snap, nil
}

// Drop removes the user's snapshot, e.g. on sign-out.
func (c *Cache) Drop(ctx context.Context, userID string) error {
	return c.store.Drop(ctx, userID)
}
