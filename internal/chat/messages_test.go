package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/docstore/memory"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

// flakyDocs fails Create on demand to exercise the failed-send path.
type flakyDocs struct {
	docstore.Store
	failCreate bool
}

var errInjected = errors.New("injected storage failure")

func (f *flakyDocs) Create(ctx context.Context, col, id string, data any) (*docstore.Document, error) {
	if f.failCreate && col == docstore.ColMessages {
		return nil, errInjected
	}
	return f.Store.Create(ctx, col, id, data)
}

func TestOptimisticFailureAndResend(t *testing.T) {
	inner := memory.New()
	flaky := &flakyDocs{Store: inner}
	user := &session.User{ID: "client1"}
	s := New(Deps{
		Docs:       flaky,
		Dispatcher: realtime.NewDispatcher(inner),
		Identity:   &session.Static{User: user},
	})
	s.Start()
	t.Cleanup(s.Stop)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	flaky.failCreate = true
	if _, err := s.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "hello", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	}); !errors.Is(err, errInjected) {
		t.Fatalf("send: err = %v, want injected failure", err)
	}

	msgs := s.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("messages after failed send = %d, want 1", len(msgs))
	}
	failed := msgs[0]
	if failed.SendingState != model.StateFailed || !failed.IsTemp || failed.Error == "" {
		t.Fatalf("failed entry = state %s temp %v err %q", failed.SendingState, failed.IsTemp, failed.Error)
	}
	if failed.Content != "hello" {
		t.Errorf("optimistic content = %q", failed.Content)
	}

	// Resend succeeds once storage recovers; no duplicate from the
	// failed attempt.
	flaky.failCreate = false
	sent, err := s.ResendMessage(ctx, conv.ID, failed.TempID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if sent.SendingState != model.StateSent || sent.Content != "hello" {
		t.Errorf("resent = state %s content %q", sent.SendingState, sent.Content)
	}
	msgs = s.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("messages after resend = %d, want 1", len(msgs))
	}
	if msgs[0].ID != sent.ID || msgs[0].IsTemp {
		t.Errorf("surviving entry = %+v", msgs[0])
	}
}

func TestResendRequiresFailedState(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.store.ResendMessage(ctx, conv.ID, "temp_missing"); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("resend unknown: err = %v, want ErrNotFound", err)
	}
}

func TestReactionSingleOwnership(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sent, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "hi", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	buckets := func() map[string][]string {
		for _, m := range env.store.Messages(conv.ID) {
			if m.ID == sent.ID {
				return m.ReactionsRaw
			}
		}
		t.Fatal("message vanished")
		return nil
	}
	countFor := func(raw map[string][]string, userID string) int {
		n := 0
		for _, ids := range raw {
			for _, id := range ids {
				if id == userID {
					n++
				}
			}
		}
		return n
	}

	// Add.
	if err := env.store.ToggleReaction(ctx, conv.ID, sent.ID, "👍"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	raw := buckets()
	if countFor(raw, "client1") != 1 || len(raw["👍"]) != 1 {
		t.Fatalf("after add: %v", raw)
	}

	// Move to another emoji: still exactly one entry anywhere.
	if err := env.store.ToggleReaction(ctx, conv.ID, sent.ID, "❤️"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	raw = buckets()
	if countFor(raw, "client1") != 1 || len(raw["👍"]) != 0 || len(raw["❤️"]) != 1 {
		t.Fatalf("after move: %v", raw)
	}

	// Same emoji again removes it.
	if err := env.store.ToggleReaction(ctx, conv.ID, sent.ID, "❤️"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if raw = buckets(); countFor(raw, "client1") != 0 {
		t.Fatalf("after remove: %v", raw)
	}

	// The persisted form is cleared too.
	doc, err := docs.Get(ctx, docstore.ColMessages, sent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var stored model.Message
	if err := doc.Decode(&stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.ReactionsEnc != "" {
		t.Errorf("persisted reactions = %q, want empty", stored.ReactionsEnc)
	}
}

func TestToggleRefetchesRawForm(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sent, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "hi", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Another client reacted; locally only the display counts exist.
	enc := model.EncodeReactions(map[string][]string{"👍": {"escort1"}})
	if _, err := docs.Update(ctx, docstore.ColMessages, sent.ID, map[string]any{"reactions": enc}); err != nil {
		t.Fatalf("seed remote reaction: %v", err)
	}
	for _, m := range env.store.Messages(conv.ID) {
		if m.ID == sent.ID {
			m.ReactionsRaw = nil
			m.Reactions = map[string]int{"👍": 1}
		}
	}

	if err := env.store.ToggleReaction(ctx, conv.ID, sent.ID, "👍"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	// The other user's reaction survives; ours joined the bucket.
	var raw map[string][]string
	for _, m := range env.store.Messages(conv.ID) {
		if m.ID == sent.ID {
			raw = m.ReactionsRaw
		}
	}
	if len(raw["👍"]) != 2 {
		t.Fatalf("bucket = %v, want escort1 and client1", raw)
	}
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	escort := newEnv(t, docs, "escort1", escortPrefs())
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

	escort.store.LoadConversations(ctx)
	escort.store.LoadMessages(ctx, conv.ID, 0)
	if err := escort.store.DeleteMessage(ctx, conv.ID, sent.ID); err == nil {
		t.Error("receiver could delete the sender's message")
	}

	if err := client.store.DeleteMessage(ctx, conv.ID, sent.ID); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	if n := countDocs(t, docs, docstore.ColMessages); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if got := client.store.Messages(conv.ID); len(got) != 0 {
		t.Errorf("cached messages = %d, want 0", len(got))
	}
}

func TestDeleteLastMessageRepointsConversation(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "one", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send one: %v", err)
	}
	second, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "two", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send two: %v", err)
	}

	if err := env.store.DeleteMessage(ctx, conv.ID, second.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := env.store.Conversations()
	if len(got) != 1 || got[0].LastMessageID != first.ID {
		t.Errorf("lastMessageId = %q, want %q", got[0].LastMessageID, first.ID)
	}
}

func TestDeleteTempIsLocalOnly(t *testing.T) {
	inner := memory.New()
	flaky := &flakyDocs{Store: inner, failCreate: false}
	user := &session.User{ID: "client1"}
	s := New(Deps{
		Docs:       flaky,
		Dispatcher: realtime.NewDispatcher(inner),
		Identity:   &session.Static{User: user},
	})
	s.Start()
	t.Cleanup(s.Stop)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	flaky.failCreate = true
	s.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "doomed", TargetRole: model.RoleEscort, Period: model.PeriodNever,
	})
	msgs := s.Messages(conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if err := s.DeleteMessage(ctx, conv.ID, msgs[0].TempID); err != nil {
		t.Fatalf("delete temp: %v", err)
	}
	if got := s.Messages(conv.ID); len(got) != 0 {
		t.Errorf("messages after temp delete = %d, want 0", len(got))
	}
}

func TestSearchMessages(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, text := range []string{"Dinner on Friday?", "Sure, see you then", "Friday works"} {
		if _, err := env.store.SendMessage(ctx, SendOptions{
			ReceiverID: "escort1", Content: text, TargetRole: model.RoleEscort, Period: model.PeriodNever,
		}); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}

	got := env.store.SearchMessages(ctx, conv.ID, "friday")
	if len(got) != 2 {
		t.Fatalf("search friday = %d results, want 2", len(got))
	}
	if env.store.SearchMessages(ctx, conv.ID, "saturday") != nil {
		t.Error("search saturday should be empty")
	}
	if env.store.SearchMessages(ctx, conv.ID, "   ") != nil {
		t.Error("blank term should be empty")
	}
}

func TestExpiredMessagesDropOnLoadAndCleanup(t *testing.T) {
	docs := memory.New()
	env := newEnv(t, docs, "client1", nil)
	ctx := context.Background()
	current := fixedNow(env.store, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	conv, err := env.store.GetOrCreateConversation(ctx, "escort1", model.RoleEscort)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "short lived", TargetRole: model.RoleEscort,
		Period: model.PeriodFiveMinutes,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "keeper", TargetRole: model.RoleEscort,
		Period: model.PeriodNever,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	*current = current.Add(10 * time.Minute)

	// The sweep drops the expired message locally and remotely.
	env.store.cleanupExpired(ctx)
	msgs := env.store.Messages(conv.ID)
	if len(msgs) != 1 || msgs[0].Content != "keeper" {
		t.Fatalf("after sweep: %d messages", len(msgs))
	}
	if n := countDocs(t, docs, docstore.ColMessages); n != 1 {
		t.Errorf("remote messages = %d, want 1", n)
	}

	// A reload also filters anything expired that storage still holds.
	loaded := env.store.LoadMessages(ctx, conv.ID, 0)
	if len(loaded) != 1 || loaded[0].Content != "keeper" {
		t.Errorf("after reload: %d messages", len(loaded))
	}
}

func TestDecryptClearsEncryptedFlagLocally(t *testing.T) {
	docs := memory.New()
	client := newEnv(t, docs, "client1", nil)
	ctx := context.Background()

	sent, err := client.store.SendMessage(ctx, SendOptions{
		ReceiverID: "escort1", Content: "meet at noon", TargetRole: model.RoleEscort,
		Period: model.PeriodNever,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.IsEncrypted {
		t.Error("confirmed copy still flagged encrypted")
	}

	escort := newEnv(t, docs, "escort1", escortPrefs())
	convs := escort.store.LoadConversations(ctx)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	loaded := escort.store.LoadMessages(ctx, convs[0].ID, 0)
	if len(loaded) != 1 {
		t.Fatalf("messages = %d, want 1", len(loaded))
	}
	if loaded[0].IsEncrypted || loaded[0].Content != "meet at noon" {
		t.Errorf("loaded message = %+v, want decrypted with flag cleared", loaded[0])
	}

	// At rest the flag and the ciphertext are untouched.
	doc, err := docs.Get(ctx, docstore.ColMessages, sent.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	var stored model.Message
	if err := doc.Decode(&stored); err != nil {
		t.Fatalf("decode stored: %v", err)
	}
	if !stored.IsEncrypted || stored.Content == "meet at noon" {
		t.Errorf("stored message lost encryption at rest: %+v", stored.Content)
	}
}
