// Package chat is the messaging core: the conversation and message
// state machine, the call session manager and the realtime event
// handlers that keep them in sync with the document store.
//
// One Store exists per signed-in session. All state mutation happens
// under the store mutex; the mutex is never held across a network
// call, so a realtime event arriving mid-send interleaves cleanly with
// the optimistic update.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ndolo/messenger/internal/access"
	"github.com/ndolo/messenger/internal/crypto"
	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/feature"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/notify"
	"github.com/ndolo/messenger/internal/realtime"
	"github.com/ndolo/messenger/internal/session"
)

const opTimeout = 5 * time.Second

// ErrNotAuthenticated is returned by every operation that needs a
// signed-in user when there is none.
var ErrNotAuthenticated = errors.New("chat: not authenticated")

// Deps are the collaborators a Store runs against. Docs, Dispatcher
// and Identity are required; the rest default to no-ops.
type Deps struct {
	Docs       docstore.Store
	Dispatcher *realtime.Dispatcher
	Identity   session.Identity
	Features   feature.Checker
	Notifier   notify.Notifier
	Alerter    notify.Alerter

	Salt          string
	SupportUserID string
}

type Store struct {
	docs       docstore.Store
	dispatcher *realtime.Dispatcher
	identity   session.Identity
	features   feature.Checker
	notifier   notify.Notifier
	alerter    notify.Alerter

	salt          string
	supportUserID string

	mu            sync.Mutex
	conversations []*model.Conversation
	messages      map[string][]*model.Message
	activeConv    string
	activeCalls   map[string]*model.CallSession
	lastErr       error
	observers     map[int]func()
	nextObsID     int

	cleanupStop chan struct{}

	now func() time.Time
}

func New(deps Deps) *Store {
	if deps.Features == nil {
		deps.Features = feature.AllowAll{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Alerter == nil {
		deps.Alerter = notify.LogAlerter{}
	}
	if deps.Salt == "" {
		deps.Salt = crypto.DefaultSalt
	}
	return &Store{
		docs:          deps.Docs,
		dispatcher:    deps.Dispatcher,
		identity:      deps.Identity,
		features:      deps.Features,
		notifier:      deps.Notifier,
		alerter:       deps.Alerter,
		salt:          deps.Salt,
		supportUserID: deps.SupportUserID,
		messages:      make(map[string][]*model.Message),
		activeCalls:   make(map[string]*model.CallSession),
		observers:     make(map[int]func()),
		now:           time.Now,
	}
}

// OnChange registers an observer called after every state mutation.
// Returns a cancel func.
func (s *Store) OnChange(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// notifyChange runs observers outside the lock.
func (s *Store) notifyChange() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// LastError returns the error recorded by the most recent failed read
// operation, or nil.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Conversations returns the cached conversation list, newest activity
// first.
func (s *Store) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Messages returns the cached message list for one conversation, in
// chronological order.
func (s *Store) Messages(conversationID string) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]*model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ExportSnapshot copies the cached conversations and message backlogs,
// for sealing into a local snapshot.
func (s *Store) ExportSnapshot() ([]*model.Conversation, map[string][]*model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]*model.Conversation, len(s.conversations))
	copy(convs, s.conversations)
	msgs := make(map[string][]*model.Message, len(s.messages))
	for id, list := range s.messages {
		cp := make([]*model.Message, len(list))
		copy(cp, list)
		msgs[id] = cp
	}
	return convs, msgs
}

// ImportSnapshot seeds the caches from a previously sealed snapshot so
// the conversation list renders before the first network load. The next
// LoadConversations/LoadMessages replaces it with fresh data.
func (s *Store) ImportSnapshot(convs []*model.Conversation, msgs map[string][]*model.Message) {
	s.mu.Lock()
	s.conversations = make([]*model.Conversation, len(convs))
	copy(s.conversations, convs)
	s.messages = make(map[string][]*model.Message, len(msgs))
	for id, list := range msgs {
		cp := make([]*model.Message, len(list))
		copy(cp, list)
		s.messages[id] = cp
	}
	s.mu.Unlock()
	s.notifyChange()
}

// ActiveConversation returns the currently open conversation ID.
func (s *Store) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// ActiveCalls returns the active call sessions keyed by call ID.
func (s *Store) ActiveCalls() []*model.CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.CallSession, 0, len(s.activeCalls))
	for _, c := range s.activeCalls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) currentUser() (*session.User, error) {
	u := s.identity.CurrentUser()
	if u == nil {
		return nil, ErrNotAuthenticated
	}
	return u, nil
}

func (s *Store) myRole(u *session.User) model.Role {
	return session.RoleOf(u, s.supportUserID)
}

// GetOrCreateConversation resolves the conversation between the
// current user and otherUserID, creating it when the initiation rules
// allow. targetRole is the counterpart's role, needed only for
// creation.
func (s *Store) GetOrCreateConversation(ctx context.Context, otherUserID string, targetRole model.Role) (*model.Conversation, error) {
	user, err := s.currentUser()
	if err != nil {
		return nil, err
	}
	if otherUserID == "" || otherUserID == user.ID {
		return nil, fmt.Errorf("chat.GetOrCreateConversation: invalid counterpart %q", otherUserID)
	}

	if conv := s.findConversationWith(user.ID, otherUserID); conv != nil {
		if !access.CanReply(conv, user.ID) {
			return nil, access.ErrReplyForbidden
		}
		return conv, nil
	}

	// Not cached: the pair may still exist remotely.
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := s.docs.List(opCtx, docstore.ColConversations, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "participants", Op: docstore.OpContains, Values: []any{user.ID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat.GetOrCreateConversation: %w", err)
	}
	for i := range list.Documents {
		conv, err := decodeConversation(&list.Documents[i])
		if err != nil {
			logger.Errorf("chat conversation decode %s: %v", list.Documents[i].ID, err)
			continue
		}
		if conv.HasParticipant(otherUserID) {
			s.upsertConversation(conv)
			s.notifyChange()
			return conv, nil
		}
	}

	myRole := s.myRole(user)
	if !access.CanInitiate(myRole, targetRole) {
		return nil, access.InitiateError(myRole, targetRole)
	}

	now := s.now()
	conv := &model.Conversation{
		Participants: model.SortParticipants(user.ID, otherUserID),
		ParticipantRoles: map[string]model.Role{
			user.ID:     myRole,
			otherUserID: targetRole,
		},
		InitiatedBy:      user.ID,
		ConversationType: model.TypeFor(myRole, targetRole),
		LastActivity:     now,
		UnreadCount:      map[string]int{user.ID: 0, otherUserID: 0},
		EncryptionKey:    crypto.DeriveConversationKey([]string{user.ID, otherUserID}, s.salt),
		AutoDeletePeriod: model.PeriodNever,
		CreatedAt:        now,
	}
	doc, err := s.docs.Create(opCtx, docstore.ColConversations, "", conv)
	if err != nil {
		return nil, fmt.Errorf("chat.GetOrCreateConversation: %w", err)
	}
	conv.ID = doc.ID
	s.upsertConversation(conv)
	s.notifyChange()
	return conv, nil
}

// LoadConversations fetches the user's conversations and runs the key
// healing pass. Storage failures are recorded and an empty list
// returned so callers can render an empty state.
func (s *Store) LoadConversations(ctx context.Context) []*model.Conversation {
	defer logger.DeferLogDuration("chat.LoadConversations", time.Now())()
	user, err := s.currentUser()
	if err != nil {
		s.setLastError(err)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := s.docs.List(opCtx, docstore.ColConversations, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "participants", Op: docstore.OpContains, Values: []any{user.ID}},
		},
		OrderBy: "lastActivity",
		Desc:    true,
	})
	if err != nil {
		logger.Errorf("chat.LoadConversations: %v", err)
		s.setLastError(err)
		return nil
	}

	convs := make([]*model.Conversation, 0, len(list.Documents))
	for i := range list.Documents {
		conv, err := decodeConversation(&list.Documents[i])
		if err != nil {
			logger.Errorf("chat conversation decode %s: %v", list.Documents[i].ID, err)
			continue
		}
		s.healConversationKey(ctx, conv)
		convs = append(convs, conv)
	}

	s.mu.Lock()
	s.conversations = convs
	s.lastErr = nil
	s.mu.Unlock()
	s.notifyChange()
	return convs
}

// healConversationKey regenerates and persists the encryption key when
// the stored one is missing, implausible or diverges from the derived
// value. Runs on every load: corrupt keys can reappear from races, so
// this is a standing repair, not a migration.
func (s *Store) healConversationKey(ctx context.Context, conv *model.Conversation) {
	if len(conv.Participants) != 2 {
		return
	}
	derived := crypto.DeriveConversationKey(conv.Participants, s.salt)
	if crypto.ValidStoredKey(conv.EncryptionKey) && conv.EncryptionKey == derived {
		return
	}
	logger.Warnf("chat conversation %s: regenerating encryption key", conv.ID)
	conv.EncryptionKey = derived
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColConversations, conv.ID, map[string]any{
		"encryptionKey": derived,
	}); err != nil {
		logger.Errorf("chat conversation %s: persist regenerated key: %v", conv.ID, err)
	}
}

// DeleteConversation removes the conversation and all its messages,
// remotely then locally.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}
	conv := s.conversationByID(conversationID)
	if conv == nil || !conv.HasParticipant(user.ID) {
		return docstore.ErrNotFound
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := s.docs.List(opCtx, docstore.ColMessages, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "conversationId", Op: docstore.OpEqual, Values: []any{conversationID}},
		},
	})
	if err != nil {
		return fmt.Errorf("chat.DeleteConversation: %w", err)
	}
	for i := range list.Documents {
		if err := s.docs.Delete(opCtx, docstore.ColMessages, list.Documents[i].ID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("chat.DeleteConversation: %w", err)
		}
	}
	if err := s.docs.Delete(opCtx, docstore.ColConversations, conversationID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("chat.DeleteConversation: %w", err)
	}

	s.mu.Lock()
	s.removeConversationLocked(conversationID)
	active := s.activeConv == conversationID
	if active {
		s.activeConv = ""
	}
	s.mu.Unlock()
	if active && s.dispatcher != nil {
		s.dispatcher.Unsubscribe(realtime.MessagesKey(conversationID))
	}
	s.notifyChange()
	return nil
}

// MarkMessageAsRead marks one message read. Only the receiver may mark
// read; the conversation's unread counter for the reader is
// decremented and persisted.
func (s *Store) MarkMessageAsRead(ctx context.Context, conversationID, messageID string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}

	s.mu.Lock()
	msg := s.findMessageLocked(conversationID, messageID)
	if msg == nil {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	if msg.ReceiverID != user.ID {
		s.mu.Unlock()
		return fmt.Errorf("chat.MarkMessageAsRead: only the receiver may mark a message read")
	}
	if msg.IsRead {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	readAt := s.now()
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColMessages, msg.ID, map[string]any{
		"isRead": true,
		"readAt": readAt,
	}); err != nil {
		return fmt.Errorf("chat.MarkMessageAsRead: %w", err)
	}

	s.mu.Lock()
	msg.IsRead = true
	msg.ReadAt = &readAt
	conv := s.conversationByIDLocked(conversationID)
	var unread map[string]int
	if conv != nil {
		if conv.UnreadCount == nil {
			conv.UnreadCount = map[string]int{}
		}
		if conv.UnreadCount[user.ID] > 0 {
			conv.UnreadCount[user.ID]--
		}
		unread = conv.UnreadCount
	}
	s.mu.Unlock()

	if conv != nil {
		if _, err := s.docs.Update(opCtx, docstore.ColConversations, conversationID, map[string]any{
			"unreadCount": unread,
		}); err != nil {
			logger.Errorf("chat.MarkMessageAsRead unread persist: %v", err)
		}
	}
	s.notifyChange()
	return nil
}

// --- cache helpers ---

func (s *Store) findConversationWith(a, b string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.HasParticipant(a) && c.HasParticipant(b) {
			return c
		}
	}
	return nil
}

func (s *Store) conversationByID(id string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationByIDLocked(id)
}

func (s *Store) conversationByIDLocked(id string) *model.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) upsertConversation(conv *model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conversations {
		if c.ID == conv.ID {
			conv.LastMessage = c.LastMessage
			s.conversations[i] = conv
			return
		}
	}
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
}

func (s *Store) removeConversationLocked(id string) {
	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	delete(s.messages, id)
}

func (s *Store) findMessageLocked(conversationID, id string) *model.Message {
	for _, m := range s.messages[conversationID] {
		if m.Matches(id) {
			return m
		}
	}
	return nil
}

func decodeConversation(doc *docstore.Document) (*model.Conversation, error) {
	var conv model.Conversation
	if err := doc.Decode(&conv); err != nil {
		return nil, err
	}
	conv.ID = doc.ID
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = doc.CreatedAt
	}
	return &conv, nil
}

func decodeMessage(doc *docstore.Document) (*model.Message, error) {
	var msg model.Message
	if err := doc.Decode(&msg); err != nil {
		return nil, err
	}
	msg.ID = doc.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = doc.CreatedAt
	}
	return &msg, nil
}
