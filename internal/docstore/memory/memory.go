// Package memory is the in-process docstore used by syncd's dev mode and by
// tests. It keeps documents in insertion order per collection and fans
// change events out to local watchers synchronously, which makes tests
// deterministic: by the time a mutation returns, every watcher has run.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ndolo/messenger/internal/docstore"
)

type collection struct {
	order []string
	docs  map[string]*docstore.Document
}

type watcher struct {
	id         int
	collection string
	fn         func(docstore.Event)
}

type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	watchers    []watcher
	nextWatch   int
	now         func() time.Time
}

func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		now:         time.Now,
	}
}

func (s *Store) col(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]*docstore.Document)}
		s.collections[name] = c
	}
	return c
}

func (s *Store) Create(ctx context.Context, col, id string, data any) (*docstore.Document, error) {
	raw, err := docstore.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("memory.Create: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC()
	doc := &docstore.Document{ID: id, Data: raw, CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	c := s.col(col)
	if _, exists := c.docs[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory.Create: duplicate id %s in %s", id, col)
	}
	c.docs[id] = doc
	c.order = append(c.order, id)
	s.mu.Unlock()

	out := *doc
	s.emit(docstore.Event{Kind: docstore.EventCreate, Collection: col, Document: out})
	return &out, nil
}

func (s *Store) Get(ctx context.Context, col, id string) (*docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.col(col).docs[id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	out := *doc
	return &out, nil
}

func (s *Store) Update(ctx context.Context, col, id string, patch map[string]any) (*docstore.Document, error) {
	s.mu.Lock()
	c := s.col(col)
	doc, ok := c.docs[id]
	if !ok {
		s.mu.Unlock()
		return nil, docstore.ErrNotFound
	}
	var fields map[string]any
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory.Update: %w", err)
	}
	for k, v := range patch {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	raw, err := docstore.Marshal(fields)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory.Update: %w", err)
	}
	doc.Data = raw
	doc.UpdatedAt = s.now().UTC()
	out := *doc
	s.mu.Unlock()

	s.emit(docstore.Event{Kind: docstore.EventUpdate, Collection: col, Document: out})
	return &out, nil
}

func (s *Store) Delete(ctx context.Context, col, id string) error {
	s.mu.Lock()
	c := s.col(col)
	doc, ok := c.docs[id]
	if !ok {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	delete(c.docs, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	out := *doc
	s.mu.Unlock()

	s.emit(docstore.Event{Kind: docstore.EventDelete, Collection: col, Document: out})
	return nil
}

func (s *Store) List(ctx context.Context, col string, q docstore.Query) (*docstore.List, error) {
	s.mu.Lock()
	c := s.col(col)
	matched := make([]docstore.Document, 0, len(c.order))
	for _, id := range c.order {
		doc := c.docs[id]
		ok, err := matches(doc, q.Filters)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("memory.List: %w", err)
		}
		if ok {
			matched = append(matched, *doc)
		}
	}
	s.mu.Unlock()

	if q.OrderBy != "" {
		sortDocs(matched, q.OrderBy, q.Desc)
	}
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return &docstore.List{Documents: matched, Total: total}, nil
}

// Watch registers a change handler for one collection. Implements
// docstore.Watcher.
func (s *Store) Watch(col string, fn func(docstore.Event)) (cancel func()) {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers = append(s.watchers, watcher{id: id, collection: col, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w.id == id {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				return
			}
		}
	}
}

// WatchAll registers a handler for every collection.
func (s *Store) WatchAll(fn func(docstore.Event)) (cancel func()) {
	return s.Watch("", fn)
}

func (s *Store) emit(ev docstore.Event) {
	s.mu.Lock()
	targets := make([]func(docstore.Event), 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.collection == "" || w.collection == ev.Collection {
			targets = append(targets, w.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
}

func fieldValue(doc *docstore.Document, field string) (any, error) {
	var fields map[string]any
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return nil, err
	}
	return fields[field], nil
}

func matches(doc *docstore.Document, filters []docstore.Filter) (bool, error) {
	for _, f := range filters {
		val, err := fieldValue(doc, f.Field)
		if err != nil {
			return false, err
		}
		if !matchFilter(val, f) {
			return false, nil
		}
	}
	return true, nil
}

func matchFilter(val any, f docstore.Filter) bool {
	switch f.Op {
	case docstore.OpEqual:
		return len(f.Values) == 1 && jsonEqual(val, f.Values[0])
	case docstore.OpIn:
		for _, want := range f.Values {
			if jsonEqual(val, want) {
				return true
			}
		}
		return false
	case docstore.OpContains:
		if len(f.Values) != 1 {
			return false
		}
		switch v := val.(type) {
		case []any:
			for _, item := range v {
				if jsonEqual(item, f.Values[0]) {
					return true
				}
			}
			return false
		case string:
			want, ok := f.Values[0].(string)
			return ok && strings.Contains(strings.ToLower(v), strings.ToLower(want))
		}
		return false
	}
	return false
}

// jsonEqual compares values after JSON normalization, so an int filter value
// matches the float64 the decoder produced.
func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ab) == string(bb)
}

func sortDocs(docs []docstore.Document, field string, desc bool) {
	key := func(d *docstore.Document) string {
		switch field {
		case "createdAt":
			return d.CreatedAt.Format(time.RFC3339Nano)
		case "updatedAt":
			return d.UpdatedAt.Format(time.RFC3339Nano)
		}
		val, err := fieldValue(d, field)
		if err != nil || val == nil {
			return ""
		}
		switch v := val.(type) {
		case string:
			return v
		case float64:
			// Zero-padded for lexicographic numeric order.
			return fmt.Sprintf("%020.6f", v)
		default:
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := key(&docs[i]), key(&docs[j])
		if desc {
			return a > b
		}
		return a < b
	})
}
