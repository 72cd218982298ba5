// Package docstore defines the document database contract the messaging
// core is built against. The backend itself is an external collaborator;
// this package only fixes the operations the core needs (create, get,
// update, delete, list) plus the change-event model the realtime layer
// consumes. Implementations: memory (dev/tests, with a local change feed),
// postgres (pgx, JSONB documents), remote (HTTP client for syncd).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Collection names used by the messaging core.
const (
	ColConversations = "conversations"
	ColMessages      = "messages"
	ColCalls         = "calls"
	ColPresence      = "presence"
	ColPushSubs      = "push_subscriptions"
)

var ErrNotFound = errors.New("docstore: document not found")

// Document is one stored record: an opaque JSON object plus metadata.
type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decode unmarshals the document body into out.
func (d *Document) Decode(out any) error {
	return json.Unmarshal(d.Data, out)
}

// Op is a filter operator.
type Op string

const (
	OpEqual    Op = "eq"       // field equals value
	OpIn       Op = "in"       // field equals any of the values
	OpContains Op = "contains" // array field contains the value; string field contains the substring
)

// Filter constrains one field.
type Filter struct {
	Field  string `json:"field"`
	Op     Op     `json:"op"`
	Values []any  `json:"values"`
}

// Query selects and orders documents within a collection.
type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	OrderBy string   `json:"orderBy,omitempty"` // field name; "" keeps insertion order
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

// List is a page of documents plus the total match count before paging.
type List struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
}

// Store is the document database contract.
//
// Create with id == "" lets the store assign one. Update applies a shallow
// field patch to the stored JSON object; a nil patch value removes the
// field. Every mutation returns the resulting document.
type Store interface {
	Create(ctx context.Context, collection, id string, data any) (*Document, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) (*Document, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, q Query) (*List, error)
}

// EventKind distinguishes change-feed events.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change-feed notification. For deletes, Document carries the
// last known state (at minimum the ID).
type Event struct {
	Kind       EventKind `json:"kind"`
	Collection string    `json:"collection"`
	Document   Document  `json:"document"`
}

// Watcher delivers change events for a collection. The returned cancel
// function revokes just that registration. Handlers must not block: they
// run on the transport's delivery goroutine.
type Watcher interface {
	Watch(collection string, fn func(Event)) (cancel func())
}

// DisconnectNotifier is implemented by watchers whose transport can drop;
// the dispatcher registers a handler to drive its reconnect schedule.
type DisconnectNotifier interface {
	OnDisconnect(fn func())
}

// Marshal encodes a model value the way every store implementation persists
// it, so documents are byte-comparable across backends.
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
