// Package presence keeps the local user's online status fresh and
// reads other users' presence. The state machine is online <-> away,
// collapsing to offline on teardown, with the support identity pinned
// to busy.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

const (
	// DefaultHeartbeat re-asserts online often enough that a crashed
	// client reads as stale within a minute.
	DefaultHeartbeat = 30 * time.Second

	opTimeout = 5 * time.Second
)

// Hooks is the runtime lifecycle the tracker reacts to: app visible,
// hidden, terminating. A UI shell maps these to visibility and unload
// events; headless runs use NopHooks.
type Hooks interface {
	OnForeground(fn func())
	OnBackground(fn func())
	OnTerminate(fn func())
}

// NopHooks never fires.
type NopHooks struct{}

func (NopHooks) OnForeground(func()) {}
func (NopHooks) OnBackground(func()) {}
func (NopHooks) OnTerminate(func()) {}

// Beacon delivers the final offline write when the process may die
// before a normal request completes. Fire and forget.
type Beacon interface {
	SendOffline(userID string)
}

// Deps are the tracker's collaborators. Docs and Identity are
// required.
type Deps struct {
	Docs       docstore.Store
	Dispatcher *realtime.Dispatcher
	Identity   session.Identity
	Hooks      Hooks
	Beacon     Beacon

	SupportUserID string
	Heartbeat     time.Duration
}

type Tracker struct {
	docs       docstore.Store
	dispatcher *realtime.Dispatcher
	identity   session.Identity
	hooks      Hooks
	beacon     Beacon

	supportUserID string
	heartbeat     time.Duration

	mu        sync.Mutex
	stop      chan struct{}
	observers map[int]func(*model.UserPresence)
	nextObsID int

	now func() time.Time
}

func New(deps Deps) *Tracker {
	if deps.Hooks == nil {
		deps.Hooks = NopHooks{}
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = DefaultHeartbeat
	}
	return &Tracker{
		docs:          deps.Docs,
		dispatcher:    deps.Dispatcher,
		identity:      deps.Identity,
		hooks:         deps.Hooks,
		beacon:        deps.Beacon,
		supportUserID: deps.SupportUserID,
		heartbeat:     deps.Heartbeat,
		observers:     make(map[int]func(*model.UserPresence)),
		now:           time.Now,
	}
}

// Init writes the initial online state, starts the heartbeat, hooks
// the lifecycle transitions and subscribes to the presence channel.
// No-op when signed out.
func (t *Tracker) Init(ctx context.Context) error {
	user := t.identity.CurrentUser()
	if user == nil {
		return nil
	}
	if err := t.setStatus(ctx, model.StatusOnline); err != nil {
		return err
	}
	t.startHeartbeat()

	t.hooks.OnForeground(func() { t.Foreground(context.Background()) })
	t.hooks.OnBackground(func() { t.Background(context.Background()) })
	t.hooks.OnTerminate(func() { t.Terminate(context.Background()) })

	if t.dispatcher != nil {
		t.dispatcher.Subscribe(realtime.KeyPresence, docstore.ColPresence, t.handleEvent)
	}
	return nil
}

// Foreground: the app is visible again. Back to online, heartbeat
// restarts.
func (t *Tracker) Foreground(ctx context.Context) {
	if err := t.setStatus(ctx, model.StatusOnline); err != nil {
		logger.Errorf("presence foreground: %v", err)
	}
	t.startHeartbeat()
}

// Background: the app is hidden. Heartbeat stops, status goes away.
func (t *Tracker) Background(ctx context.Context) {
	t.stopHeartbeat()
	if err := t.setStatus(ctx, model.StatusAway); err != nil {
		logger.Errorf("presence background: %v", err)
	}
}

// Terminate: explicit sign-out or page unload. The beacon carries the
// offline write in case the normal one never lands.
func (t *Tracker) Terminate(ctx context.Context) {
	t.stopHeartbeat()
	user := t.identity.CurrentUser()
	if user != nil && t.beacon != nil {
		t.beacon.SendOffline(user.ID)
	}
	if err := t.setStatus(ctx, model.StatusOffline); err != nil {
		logger.Errorf("presence terminate: %v", err)
	}
	if t.dispatcher != nil {
		t.dispatcher.Unsubscribe(realtime.KeyPresence)
	}
}

// setStatus writes the user's presence document, pinning the support
// identity to busy for any non-offline state.
func (t *Tracker) setStatus(ctx context.Context, status model.PresenceStatus) error {
	user := t.identity.CurrentUser()
	if user == nil {
		return nil
	}
	if t.supportUserID != "" && user.ID == t.supportUserID && status != model.StatusOffline {
		status = model.StatusBusy
	}
	p := model.UserPresence{
		UserID:   user.ID,
		IsOnline: status == model.StatusOnline || status == model.StatusBusy,
		LastSeen: t.now(),
		Status:   status,
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := t.docs.Update(opCtx, docstore.ColPresence, user.ID, map[string]any{
		"userId":   p.UserID,
		"isOnline": p.IsOnline,
		"lastSeen": p.LastSeen,
		"status":   p.Status,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		_, err = t.docs.Create(opCtx, docstore.ColPresence, user.ID, p)
	}
	if err != nil {
		return fmt.Errorf("presence.setStatus: %w", err)
	}
	return nil
}

func (t *Tracker) startHeartbeat() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := t.setStatus(context.Background(), model.StatusOnline); err != nil {
					logger.Errorf("presence heartbeat: %v", err)
				}
			}
		}
	}()
}

func (t *Tracker) stopHeartbeat() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()
}

// GetUsersPresence batch-fetches presence for a set of users. Unknown
// users are simply absent from the result. Failures log and return an
// empty map.
func (t *Tracker) GetUsersPresence(ctx context.Context, userIDs []string) map[string]*model.UserPresence {
	if len(userIDs) == 0 {
		return map[string]*model.UserPresence{}
	}
	var filter docstore.Filter
	if len(userIDs) == 1 {
		filter = docstore.Filter{Field: "userId", Op: docstore.OpEqual, Values: []any{userIDs[0]}}
	} else {
		vals := make([]any, len(userIDs))
		for i, id := range userIDs {
			vals[i] = id
		}
		filter = docstore.Filter{Field: "userId", Op: docstore.OpIn, Values: vals}
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := t.docs.List(opCtx, docstore.ColPresence, docstore.Query{Filters: []docstore.Filter{filter}})
	if err != nil {
		logger.Errorf("presence.GetUsersPresence: %v", err)
		return map[string]*model.UserPresence{}
	}

	out := make(map[string]*model.UserPresence, len(list.Documents))
	for i := range list.Documents {
		var p model.UserPresence
		if err := list.Documents[i].Decode(&p); err != nil {
			logger.Errorf("presence decode %s: %v", list.Documents[i].ID, err)
			continue
		}
		out[p.UserID] = &p
	}
	return out
}

// OnPresenceChange registers a live-update callback. Returns a cancel
// func.
func (t *Tracker) OnPresenceChange(fn func(*model.UserPresence)) (cancel func()) {
	t.mu.Lock()
	id := t.nextObsID
	t.nextObsID++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) handleEvent(ev docstore.Event) {
	if ev.Kind == docstore.EventDelete {
		return
	}
	var p model.UserPresence
	if err := ev.Document.Decode(&p); err != nil {
		logger.Errorf("presence event decode: %v", err)
		return
	}
	t.mu.Lock()
	fns := make([]func(*model.UserPresence), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(&p)
	}
}

// LastSeenText buckets elapsed time for display. Online always reads
// "online" regardless of the timestamp.
func LastSeenText(p *model.UserPresence, now time.Time) string {
	if p == nil {
		return "offline"
	}
	if p.IsOnline {
		return "online"
	}
	elapsed := now.Sub(p.LastSeen)
	switch {
	case elapsed < 5*time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(elapsed.Hours()))
	case elapsed < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(elapsed.Hours()/24))
	default:
		return p.LastSeen.Format("Jan 2, 2006")
	}
}
