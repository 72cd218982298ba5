package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ndolo/messenger/internal/access"
	"github.com/ndolo/messenger/internal/crypto"
	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/docstore/memory"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

// recordingAlerter captures in-app cues for assertions.
type recordingAlerter struct {
	mu        sync.Mutex
	alerts    []string
	sounds    []string
	ringtones int // +1 start, -1 stop
}

func (a *recordingAlerter) Alert(msg string) {
	a.mu.Lock()
	a.alerts = append(a.alerts, msg)
	a.mu.Unlock()
}

func (a *recordingAlerter) PlaySound(name string) {
	a.mu.Lock()
	a.sounds = append(a.sounds, name)
	a.mu.Unlock()
}

func (a *recordingAlerter) StartRingtone() {
	a.mu.Lock()
	a.ringtones++
	a.mu.Unlock()
}

func (a *recordingAlerter) StopRingtone() {
	a.mu.Lock()
	a.ringtones--
	a.mu.Unlock()
}

type testEnv struct {
	docs    *memory.Store
	store   *Store
	alerter *recordingAlerter
	user    *session.User
}

// newEnv builds a store for one user over a shared memory docstore.
func newEnv(t *testing.T, docs *memory.Store, userID string, prefs map[string]string) *testEnv {
	t.Helper()
	user := &session.User{ID: userID, Name: userID, Prefs: prefs}
	alerter := &recordingAlerter{}
	s := New(Deps{
		Docs:       docs,
		Dispatcher: realtime.NewDispatcher(docs),
		Identity:   &session.Static{User: user},
		Alerter:    alerter,
	})
	s.Start()
	t.Cleanup(s.Stop)
	return &testEnv{docs: docs, store: s, alerter: alerter, user: user}
}

func escortPrefs() map[string]string { return map[string]string{"userType": "escort"} }

func countDocs(t *testing.T, docs docstore.Store, col string) int {
	t.Helper()
	list, err := docs.List(context.Background(), col, docstore.Query{})
	if err != nil {
		t.Fatalf("list %s: %v", col, err)
	}
	return list.Total
}

func TestEndToEndClientEscort(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	escort := newEnv(t, docs, "escort1", escortPrefs())
	ctx := context.Background()

	// Escort may not open the channel.
	_, err := escort.store.GetOrCreateConversation(ctx, "client1", model.RoleClient)
	if !errors.Is(err, access.ErrEscortInitiate) {
		t.Fatalf("escort initiate: err = %v, want ErrEscortInitiate", err)
	}
	if n := countDocs(t, docs, docstore.ColConversations); n != 0 {
		t.Fatalf("conversations after denied initiate = %d, want 0", n)
	}

	// Client may.
	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("client initiate: %v", err)
	}
	if conv.ParticipantRoles["client1"] != model.RoleClient || conv.ParticipantRoles["escort1"] != model.RoleEscort {
		t.Errorf("participantRoles = %v", conv.ParticipantRoles)
	}
	if conv.ConversationType != model.ConversationClientEscort {
		t.Errorf("conversationType = %s", conv.ConversationType)
	}
	want := crypto.DeriveConversationKey([]string{"client1", "escort1"}, crypto.DefaultSalt)
	if conv.EncryptionKey != want {
		t.Error("encryption key does not match derivation")
	}

	client.store.SetActiveConversation(ctx, conv.ID)
	sent, err := client.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1",
		Content:    "Hello",
		TargetRole: model.RoleEscort,
		Period:     model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.SendingState != model.StateSent || sent.Content != "Hello" {
		t.Errorf("sent = state %s content %q", sent.SendingState, sent.Content)
	}

	msgs := client.store.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("client messages = %d, want 1 (echo deduped)", len(msgs))
	}

	// At rest the content is ciphertext.
	doc, err := docs.Get(ctx, docstore.ColMessages, sent.ID)
	if err != nil {
		t.Fatalf("get stored message: %v", err)
	}
	var stored model.Message
	if err := doc.Decode(&stored); err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if !stored.IsEncrypted || stored.Content == "Hello" {
		t.Errorf("stored content is not encrypted: %+v", stored.Content)
	}

	// Escort replies despite not being allowed to initiate.
	escort.store.LoadConversations(ctx)
	reply, err := escort.store.SendMessage(ctx, SendOptions{
		ReceiverID: "client1",
		Content:    "Hi",
		TargetRole: model.RoleClient,
		Period:     model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("escort reply: %v", err)
	}
	if reply.Content != "Hi" || reply.SendingState != model.StateSent {
		t.Errorf("reply = %+v", reply)
	}
	if n := countDocs(t, docs, docstore.ColConversations); n != 1 {
		t.Errorf("conversations = %d, want exactly 1", n)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	first, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("IDs differ: %s vs %s", first.ID, second.ID)
	}
	if n := countDocs(t, docs, docstore.ColConversations); n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
}

func TestGetOrCreateFindsRemoteConversation(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()
	if _, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh store for the same user has an empty cache and must find
	// the pair remotely instead of creating a duplicate.
	again := newEnv(t, docs, "client1", nil)
	if _, err := again.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort); err != nil {
		t.Fatalf("refind: %v", err)
	}
	if n := countDocs(t, docs, docstore.ColConversations); n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
}

func TestSameRoleCannotConverse(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	if _, err := client.store.GetOrCreateConversation(context.Background(), "client2", model.RoleClient); !errors.Is(err, access.ErrSameRole) {
		t.Errorf("client-client: err = %v, want ErrSameRole", err)
	}
}

func TestKeyHealingOnLoad(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Corrupt the stored key.
	if _, err := docs.Update(ctx, docstore.ColConversations, conv.ID, map[string]any{
		"encryptionKey": "short",
	}); err != nil {
		t.Fatalf("corrupt key: %v", err)
	}

	loaded := client.store.LoadConversations(ctx)
	if len(loaded) != 1 {
		t.Fatalf("loaded = %d conversations", len(loaded))
	}
	want := crypto.DeriveConversationKey([]string{"client1", "escort1"}, crypto.DefaultSalt)
	if loaded[0].EncryptionKey != want {
		t.Error("key not healed in memory")
	}
	doc, err := docs.Get(ctx, docstore.ColConversations, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var persisted model.Conversation
	if err := doc.Decode(&persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if persisted.EncryptionKey != want {
		t.Error("healed key not persisted")
	}
}

// Two clients that each regenerate independently must converge on the
// same key, by determinism of the derivation.
func TestKeyHealingConverges(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	escort := newEnv(t, docs, "escort1", escortPrefs())
	ctx := context.Background()

	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := docs.Update(ctx, docstore.ColConversations, conv.ID, map[string]any{
		"encryptionKey": "",
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	a := client.store.LoadConversations(ctx)
	// Corrupt again between the two loads, simulating a race.
	if _, err := docs.Update(ctx, docstore.ColConversations, conv.ID, map[string]any{
		"encryptionKey": "garbage-value",
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	b := escort.store.LoadConversations(ctx)

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("loads = %d, %d", len(a), len(b))
	}
	if a[0].EncryptionKey != b[0].EncryptionKey {
		t.Error("independently regenerated keys diverged")
	}
}

func TestDeleteConversationRemovesMessages(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := client.store.SendMessage(ctx, SendOptions{
			ReceiverID: "escort1", Content: text, TargetRole: model.RoleEscort, Period: model.PeriodNever,
		}); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}

	if err := client.store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if n := countDocs(t, docs, docstore.ColConversations); n != 0 {
		t.Errorf("conversations = %d, want 0", n)
	}
	if n := countDocs(t, docs, docstore.ColMessages); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if got := client.store.Conversations(); len(got) != 0 {
		t.Errorf("cached conversations = %d, want 0", len(got))
	}
}

func TestUnreadAccounting(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	escort := newEnv(t, docs, "escort1", escortPrefs())
	ctx := context.Background()

	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "hi", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	loaded := escort.store.LoadConversations(ctx)
	if len(loaded) != 1 {
		t.Fatalf("escort conversations = %d", len(loaded))
	}
	if loaded[0].UnreadCount["escort1"] != 1 {
		t.Errorf("unread before read = %d, want 1", loaded[0].UnreadCount["escort1"])
	}

	// Loading the messages marks them read and resets the counter.
	msgs := escort.store.LoadMessages(ctx, conv.ID, 0)
	if len(msgs) != 1 {
		t.Fatalf("escort messages = %d", len(msgs))
	}
	if !msgs[0].IsRead {
		t.Error("message not marked read on load")
	}
	doc, err := docs.Get(ctx, docstore.ColConversations, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	var persisted model.Conversation
	if err := doc.Decode(&persisted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if persisted.UnreadCount["escort1"] != 0 {
		t.Errorf("persisted unread = %d, want 0", persisted.UnreadCount["escort1"])
	}
}

func TestMarkMessageAsReadReceiverOnly(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := client.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sent, err := client.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "hi", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// The sender is not the receiver.
	if err := client.store.MarkMessageAsRead(ctx, conv.ID, sent.ID); err == nil {
		t.Error("sender could mark own message read")
	}
}

func TestObserverFiresOnMutation(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)

	var mu sync.Mutex
	fired := 0
	cancel := client.store.OnChange(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	if _, err := client.store.GetOrCreateConversation(context.Background(), "escort1", model.RoleEscort); err != nil {
		t.Fatalf("create: %v", err)
	}
	mu.Lock()
	n := fired
	mu.Unlock()
	if n == 0 {
		t.Error("observer never fired")
	}

	cancel()
	if _, err := client.store.GetOrCreateConversation(context.Background(), "escort1", model.RoleEscort); err != nil {
		t.Fatalf("get: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if fired != n {
		t.Error("cancelled observer fired")
	}
}

// fixedNow pins the store clock for deterministic timing assertions.
func fixedNow(s *Store, at time.Time) *time.Time {
	current := at
	s.now = func() time.Time { return current }
	return &current
}
