package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/docstore/memory"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

func newTracker(docs *memory.Store, userID, supportID string) *Tracker {
	return New(Deps{
		Docs:          docs,
		Dispatcher:    realtime.NewDispatcher(docs),
		Identity:      &session.Static{User: &session.User{ID: userID}},
		SupportUserID: supportID,
		Heartbeat:     time.Hour, // not under test unless stated
	})
}

func storedPresence(t *testing.T, docs *memory.Store, userID string) *model.UserPresence {
	t.Helper()
	doc, err := docs.Get(context.Background(), docstore.ColPresence, userID)
	if err != nil {
		t.Fatalf("get presence %s: %v", userID, err)
	}
	var p model.UserPresence
	if err := doc.Decode(&p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return &p
}

func TestLifecycleTransitions(t *testing.T) {
	docs := memory.New()
	tr := newTracker(docs, "u1", "")
	ctx := context.Background()

	if err := tr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer tr.Terminate(ctx)

	p := storedPresence(t, docs, "u1")
	if p.Status != model.StatusOnline || !p.IsOnline {
		t.Errorf("after init: %+v", p)
	}

	tr.Background(ctx)
	p = storedPresence(t, docs, "u1")
	if p.Status != model.StatusAway || p.IsOnline {
		t.Errorf("after background: %+v", p)
	}

	tr.Foreground(ctx)
	p = storedPresence(t, docs, "u1")
	if p.Status != model.StatusOnline || !p.IsOnline {
		t.Errorf("after foreground: %+v", p)
	}

	tr.Terminate(ctx)
	p = storedPresence(t, docs, "u1")
	if p.Status != model.StatusOffline || p.IsOnline {
		t.Errorf("after terminate: %+v", p)
	}
}

func TestSupportPinnedBusy(t *testing.T) {
	docs := memory.New()
	tr := newTracker(docs, "sup-1", "sup-1")
	ctx := context.Background()

	if err := tr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer tr.Terminate(ctx)

	if p := storedPresence(t, docs, "sup-1"); p.Status != model.StatusBusy {
		t.Errorf("support after init = %s, want busy", p.Status)
	}
	tr.Background(ctx)
	if p := storedPresence(t, docs, "sup-1"); p.Status != model.StatusBusy {
		t.Errorf("support after background = %s, want busy", p.Status)
	}
	tr.Foreground(ctx)
	if p := storedPresence(t, docs, "sup-1"); p.Status != model.StatusBusy {
		t.Errorf("support after foreground = %s, want busy", p.Status)
	}
	// Offline is the one state that is not pinned.
	tr.Terminate(ctx)
	if p := storedPresence(t, docs, "sup-1"); p.Status != model.StatusOffline {
		t.Errorf("support after terminate = %s, want offline", p.Status)
	}
}

func TestHeartbeatReassertsOnline(t *testing.T) {
	docs := memory.New()
	tr := New(Deps{
		Docs:      docs,
		Identity:  &session.Static{User: &session.User{ID: "u1"}},
		Heartbeat: 30 * time.Millisecond,
	})
	ctx := context.Background()
	if err := tr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer tr.Terminate(ctx)

	first := storedPresence(t, docs, "u1")

	deadline := time.After(2 * time.Second)
	for {
		p := storedPresence(t, docs, "u1")
		if p.LastSeen.After(first.LastSeen) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never refreshed lastSeen")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// After terminate the heartbeat must stay quiet.
	tr.Terminate(ctx)
	settled := storedPresence(t, docs, "u1")
	time.Sleep(150 * time.Millisecond)
	if p := storedPresence(t, docs, "u1"); !p.LastSeen.Equal(settled.LastSeen) || p.Status != model.StatusOffline {
		t.Errorf("presence changed after terminate: %+v", p)
	}
}

func TestGetUsersPresence(t *testing.T) {
	docs := memory.New()
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		tr := newTracker(docs, id, "")
		if err := tr.Init(ctx); err != nil {
			t.Fatalf("init %s: %v", id, err)
		}
		tr.stopHeartbeat()
	}

	reader := newTracker(docs, "u1", "")
	single := reader.GetUsersPresence(ctx, []string{"u2"})
	if len(single) != 1 || single["u2"] == nil || !single["u2"].IsOnline {
		t.Errorf("single fetch = %+v", single)
	}
	multi := reader.GetUsersPresence(ctx, []string{"u1", "u3", "ghost"})
	if len(multi) != 2 || multi["u1"] == nil || multi["u3"] == nil {
		t.Errorf("multi fetch = %+v", multi)
	}
	if got := reader.GetUsersPresence(ctx, nil); len(got) != 0 {
		t.Errorf("empty fetch = %+v", got)
	}
}

func TestOnPresenceChange(t *testing.T) {
	docs := memory.New()
	watcher := newTracker(docs, "u1", "")
	ctx := context.Background()
	if err := watcher.Init(ctx); err != nil {
		t.Fatalf("init watcher: %v", err)
	}
	defer watcher.Terminate(ctx)

	var mu sync.Mutex
	var seen []model.PresenceStatus
	cancel := watcher.OnPresenceChange(func(p *model.UserPresence) {
		if p.UserID != "u2" {
			return
		}
		mu.Lock()
		seen = append(seen, p.Status)
		mu.Unlock()
	})
	defer cancel()

	other := newTracker(docs, "u2", "")
	if err := other.Init(ctx); err != nil {
		t.Fatalf("init other: %v", err)
	}
	other.Background(ctx)
	other.Terminate(ctx)

	mu.Lock()
	defer mu.Unlock()
	want := []model.PresenceStatus{model.StatusOnline, model.StatusAway, model.StatusOffline}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestLastSeenText(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	offline := func(ago time.Duration) *model.UserPresence {
		return &model.UserPresence{UserID: "u", LastSeen: now.Add(-ago), Status: model.StatusOffline}
	}
	tests := []struct {
		name string
		p    *model.UserPresence
		want string
	}{
		{"nil", nil, "offline"},
		{"online overrides elapsed", &model.UserPresence{UserID: "u", IsOnline: true, LastSeen: now.Add(-48 * time.Hour)}, "online"},
		{"just now", offline(2 * time.Minute), "just now"},
		{"minutes", offline(25 * time.Minute), "25 minutes ago"},
		{"hours", offline(3 * time.Hour), "3 hours ago"},
		{"days", offline(2 * 24 * time.Hour), "2 days ago"},
		{"calendar date", offline(30 * 24 * time.Hour), "Jul 29, 2026"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastSeenText(tt.p, now); got != tt.want {
				t.Errorf("LastSeenText() = %q, want %q", got, tt.want)
			}
		})
	}
}
