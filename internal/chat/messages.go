package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ndolo/messenger/internal/crypto"
	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/notify"
)

const defaultMessagePage = 50

// SendOptions describe one outgoing message.
type SendOptions struct {
	ReceiverID string
	Content    string
	Type       model.MessageType
	Period     model.AutoDeletePeriod
	// TargetRole is used only when the conversation does not exist yet.
	TargetRole model.Role
	Attachment *model.Attachment
	ReplyTo    string
}

// SendMessage sends optimistically: a temp entry appears in the
// conversation immediately, flips to sent on confirmation or to failed
// with the error captured for resend. The returned message is the
// confirmed entry on success.
func (s *Store) SendMessage(ctx context.Context, opts SendOptions) (*model.Message, error) {
	user, err := s.currentUser()
	if err != nil {
		return nil, err
	}
	if opts.Type == "" {
		opts.Type = model.TypeText
	}

	conv, err := s.GetOrCreateConversation(ctx, opts.ReceiverID, opts.TargetRole)
	if err != nil {
		return nil, err
	}

	now := s.now()
	temp := &model.Message{
		ConversationID:   conv.ID,
		SenderID:         user.ID,
		ReceiverID:       opts.ReceiverID,
		Content:          opts.Content,
		Type:             opts.Type,
		AutoDeleteAt:     opts.Period.AutoDeleteAt(now),
		AutoDeletePeriod: opts.Period,
		ReplyTo:          opts.ReplyTo,
		CreatedAt:        now,
		SendingState:     model.StateSending,
		IsTemp:           true,
		TempID:           "temp_" + uuid.New().String(),
	}
	if opts.Attachment != nil {
		temp.AttachmentURL = opts.Attachment.URL
		temp.AttachmentType = opts.Attachment.MimeType
		temp.AttachmentSize = opts.Attachment.Size
	}

	s.mu.Lock()
	s.messages[conv.ID] = append(s.messages[conv.ID], temp)
	s.mu.Unlock()
	s.notifyChange()

	return s.persistTemp(ctx, conv, temp)
}

// ResendMessage retries a failed temp message. It re-enters the
// sending state and follows the normal confirmation path.
func (s *Store) ResendMessage(ctx context.Context, conversationID, tempID string) (*model.Message, error) {
	if _, err := s.currentUser(); err != nil {
		return nil, err
	}
	conv := s.conversationByID(conversationID)
	if conv == nil {
		return nil, docstore.ErrNotFound
	}

	s.mu.Lock()
	temp := s.findMessageLocked(conversationID, tempID)
	if temp == nil || !temp.IsTemp {
		s.mu.Unlock()
		return nil, docstore.ErrNotFound
	}
	if temp.SendingState != model.StateFailed {
		s.mu.Unlock()
		return nil, fmt.Errorf("chat.ResendMessage: message %s is not in the failed state", tempID)
	}
	temp.SendingState = model.StateSending
	temp.Error = ""
	s.mu.Unlock()
	s.notifyChange()

	return s.persistTemp(ctx, conv, temp)
}

// persistTemp encrypts and writes a temp message, then swaps the temp
// entry for the confirmed one. On failure the temp flips to failed and
// stays visible for retry.
func (s *Store) persistTemp(ctx context.Context, conv *model.Conversation, temp *model.Message) (*model.Message, error) {
	out := *temp
	out.TempID = ""
	out.IsTemp = false
	if out.Content != "" {
		sealed, err := crypto.EncryptContent(out.Content, conv.EncryptionKey)
		if err != nil {
			s.failTemp(conv.ID, temp, err)
			return nil, fmt.Errorf("chat.SendMessage encrypt: %w", err)
		}
		out.Content = sealed
		out.IsEncrypted = true
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	doc, err := s.docs.Create(opCtx, docstore.ColMessages, "", &out)
	if err != nil {
		s.failTemp(conv.ID, temp, err)
		return nil, fmt.Errorf("chat.SendMessage: %w", err)
	}

	confirmed, err := decodeMessage(doc)
	if err != nil {
		s.failTemp(conv.ID, temp, err)
		return nil, fmt.Errorf("chat.SendMessage decode: %w", err)
	}
	confirmed.Content = temp.Content // keep plaintext in memory
	confirmed.IsEncrypted = false
	confirmed.SendingState = model.StateSent
	confirmed.ApplyReactions()

	s.mu.Lock()
	msgs := s.messages[conv.ID]
	replaced := false
	kept := msgs[:0]
	for _, m := range msgs {
		switch {
		case m.TempID == temp.TempID && m.IsTemp:
			continue // drop the optimistic entry
		case m.ID == confirmed.ID:
			// Realtime echo got here first: update in place.
			*m = *confirmed
			replaced = true
			kept = append(kept, m)
		default:
			kept = append(kept, m)
		}
	}
	if !replaced {
		kept = append(kept, confirmed)
	}
	s.messages[conv.ID] = kept
	s.mu.Unlock()

	s.bumpConversation(ctx, conv, confirmed)
	s.notifyChange()

	go s.notifier.NotifyUser(context.Background(), confirmed.ReceiverID, notify.KindMessage,
		"New message", previewFor(confirmed), map[string]string{"conversationId": conv.ID})

	return confirmed, nil
}

func (s *Store) failTemp(conversationID string, temp *model.Message, err error) {
	s.mu.Lock()
	temp.SendingState = model.StateFailed
	temp.Error = err.Error()
	s.mu.Unlock()
	s.notifyChange()
}

// bumpConversation moves the conversation's last-message pointer and
// increments the receiver's unread counter, persisting both.
func (s *Store) bumpConversation(ctx context.Context, conv *model.Conversation, msg *model.Message) {
	s.mu.Lock()
	conv.LastMessageID = msg.ID
	conv.LastMessage = msg
	conv.LastActivity = msg.CreatedAt
	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	if !msg.IsRead {
		conv.UnreadCount[msg.ReceiverID]++
	}
	patch := map[string]any{
		"lastMessageId": conv.LastMessageID,
		"lastActivity":  conv.LastActivity,
		"unreadCount":   conv.UnreadCount,
	}
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColConversations, conv.ID, patch); err != nil {
		logger.Errorf("chat conversation %s bump: %v", conv.ID, err)
	}
}

func previewFor(msg *model.Message) string {
	switch msg.Type {
	case model.TypeImage:
		return "📷 Photo"
	case model.TypeVideo:
		return "🎬 Video"
	case model.TypeVoice:
		return "🎤 Voice message"
	case model.TypeFile:
		return "📎 File"
	case model.TypeCallRequest:
		return "📞 Call"
	default:
		return "You have a new message"
	}
}

// DeleteMessage removes a message. Only the sender may delete. A temp
// message is a local-only removal; a confirmed one is deleted remotely
// first. The conversation's last-message pointer falls back to the
// previous message when needed.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
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
	if msg.SenderID != user.ID {
		s.mu.Unlock()
		return fmt.Errorf("chat.DeleteMessage: only the sender may delete a message")
	}
	isTemp := msg.IsTemp
	serverID := msg.ID
	s.mu.Unlock()

	if !isTemp {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if err := s.docs.Delete(opCtx, docstore.ColMessages, serverID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("chat.DeleteMessage: %w", err)
		}
	}

	s.removeMessageLocal(ctx, conversationID, messageID)
	s.notifyChange()
	return nil
}

// removeMessageLocal drops the message from the cached list and repairs
// the conversation's last-message pointer if it pointed at it.
func (s *Store) removeMessageLocal(ctx context.Context, conversationID, messageID string) {
	s.mu.Lock()
	msgs := s.messages[conversationID]
	kept := msgs[:0]
	var removed *model.Message
	for _, m := range msgs {
		if removed == nil && m.Matches(messageID) {
			removed = m
			continue
		}
		kept = append(kept, m)
	}
	s.messages[conversationID] = kept

	var patch map[string]any
	conv := s.conversationByIDLocked(conversationID)
	if removed != nil && conv != nil && !removed.IsTemp && conv.LastMessageID == removed.ID {
		if len(kept) > 0 {
			last := kept[len(kept)-1]
			conv.LastMessageID = last.ID
			conv.LastMessage = last
		} else {
			conv.LastMessageID = ""
			conv.LastMessage = nil
		}
		patch = map[string]any{"lastMessageId": nil}
		if conv.LastMessageID != "" {
			patch["lastMessageId"] = conv.LastMessageID
		}
	}
	s.mu.Unlock()

	if patch != nil {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		if _, err := s.docs.Update(opCtx, docstore.ColConversations, conversationID, patch); err != nil {
			logger.Errorf("chat conversation %s last-message repair: %v", conversationID, err)
		}
	}
}

// ToggleReaction flips the current user's reaction on a message. One
// reaction per user: toggling the same emoji removes it, a different
// emoji moves it. The sweep removes the user from every bucket, so a
// corrupt double entry is repaired on the next toggle.
func (s *Store) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}
	if emoji == "" {
		return fmt.Errorf("chat.ToggleReaction: empty emoji")
	}

	s.mu.Lock()
	msg := s.findMessageLocked(conversationID, messageID)
	if msg == nil {
		s.mu.Unlock()
		return docstore.ErrNotFound
	}
	if msg.IsTemp {
		s.mu.Unlock()
		return fmt.Errorf("chat.ToggleReaction: message not yet confirmed")
	}
	raw := msg.ReactionsRaw
	needRefetch := raw == nil && len(msg.Reactions) > 0
	serverID := msg.ID
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if needRefetch {
		// Counts alone cannot tell whose reaction to move; fetch the
		// authoritative reactor-ID form first.
		doc, err := s.docs.Get(opCtx, docstore.ColMessages, serverID)
		if err != nil {
			return fmt.Errorf("chat.ToggleReaction refetch: %w", err)
		}
		fresh, err := decodeMessage(doc)
		if err != nil {
			return fmt.Errorf("chat.ToggleReaction decode: %w", err)
		}
		raw = model.DecodeReactions(fresh.ReactionsEnc)
	}

	next := make(map[string][]string, len(raw)+1)
	hadSame := false
	for e, ids := range raw {
		kept := make([]string, 0, len(ids))
		for _, id := range ids {
			if id == user.ID {
				if e == emoji {
					hadSame = true
				}
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) > 0 {
			next[e] = kept
		}
	}
	if !hadSame {
		next[emoji] = append(next[emoji], user.ID)
	}

	encoded := model.EncodeReactions(next)
	patch := map[string]any{"reactions": nil}
	if encoded != "" {
		patch["reactions"] = encoded
	}
	if _, err := s.docs.Update(opCtx, docstore.ColMessages, serverID, patch); err != nil {
		return fmt.Errorf("chat.ToggleReaction: %w", err)
	}

	s.mu.Lock()
	msg.ReactionsEnc = encoded
	msg.ApplyReactions()
	s.mu.Unlock()
	s.notifyChange()
	return nil
}

// LoadMessages fetches the newest page of a conversation's messages,
// decrypts them and marks the current user's unread ones read. Temp
// entries already in the cache survive the reload. Storage failures
// are recorded and an empty list returned.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, limit int) []*model.Message {
	defer logger.DeferLogDuration("chat.LoadMessages", time.Now())()
	user, err := s.currentUser()
	if err != nil {
		s.setLastError(err)
		return nil
	}
	conv := s.conversationByID(conversationID)
	if conv == nil {
		s.setLastError(docstore.ErrNotFound)
		return nil
	}
	if limit <= 0 {
		limit = defaultMessagePage
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := s.docs.List(opCtx, docstore.ColMessages, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "conversationId", Op: docstore.OpEqual, Values: []any{conversationID}},
		},
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		logger.Errorf("chat.LoadMessages: %v", err)
		s.setLastError(err)
		return nil
	}

	now := s.now()
	loaded := make([]*model.Message, 0, len(list.Documents))
	var unreadIDs []string
	// Newest-first from storage; reverse into chronological order.
	for i := len(list.Documents) - 1; i >= 0; i-- {
		msg, err := decodeMessage(&list.Documents[i])
		if err != nil {
			logger.Errorf("chat message decode %s: %v", list.Documents[i].ID, err)
			continue
		}
		if msg.Expired(now) {
			continue
		}
		s.decryptMessage(msg, conv)
		msg.SendingState = model.StateSent
		msg.ApplyReactions()
		if msg.ReceiverID == user.ID && !msg.IsRead {
			unreadIDs = append(unreadIDs, msg.ID)
			readAt := now
			msg.IsRead = true
			msg.ReadAt = &readAt
		}
		loaded = append(loaded, msg)
	}

	s.mu.Lock()
	for _, m := range s.messages[conversationID] {
		if m.IsTemp {
			loaded = append(loaded, m)
		}
	}
	s.messages[conversationID] = loaded
	s.lastErr = nil
	out := make([]*model.Message, len(loaded))
	copy(out, loaded)
	s.mu.Unlock()
	s.notifyChange()

	if len(unreadIDs) > 0 {
		s.markBatchRead(ctx, conv, user.ID, unreadIDs, now)
	}
	return out
}

// markBatchRead persists read receipts for a page of messages and
// zeroes the reader's unread counter. Best effort: failures log only.
func (s *Store) markBatchRead(ctx context.Context, conv *model.Conversation, readerID string, ids []string, readAt time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	for _, id := range ids {
		if _, err := s.docs.Update(opCtx, docstore.ColMessages, id, map[string]any{
			"isRead": true,
			"readAt": readAt,
		}); err != nil {
			logger.Errorf("chat mark read %s: %v", id, err)
		}
	}

	s.mu.Lock()
	if conv.UnreadCount == nil {
		conv.UnreadCount = map[string]int{}
	}
	conv.UnreadCount[readerID] = 0
	unread := conv.UnreadCount
	s.mu.Unlock()
	if _, err := s.docs.Update(opCtx, docstore.ColConversations, conv.ID, map[string]any{
		"unreadCount": unread,
	}); err != nil {
		logger.Errorf("chat unread reset %s: %v", conv.ID, err)
	}
}

// decryptMessage opens the content in place. Failure leaves the
// placeholder so the UI shows a distinguishable marker instead of
// garbage.
func (s *Store) decryptMessage(msg *model.Message, conv *model.Conversation) {
	if !msg.IsEncrypted || msg.Content == "" {
		return
	}
	plain, err := crypto.DecryptContent(msg.Content, conv.EncryptionKey)
	if err != nil {
		logger.Warnf("chat message %s: decrypt failed: %v", msg.ID, err)
	} else {
		msg.IsEncrypted = false
	}
	msg.Content = plain
}

// SearchMessages finds messages in one conversation whose decrypted
// content contains the term, case-insensitive. Content is ciphertext
// at rest, so matching happens after decryption. Failures record and
// return empty.
func (s *Store) SearchMessages(ctx context.Context, conversationID, term string) []*model.Message {
	if strings.TrimSpace(term) == "" {
		return nil
	}
	if _, err := s.currentUser(); err != nil {
		s.setLastError(err)
		return nil
	}
	conv := s.conversationByID(conversationID)
	if conv == nil {
		s.setLastError(docstore.ErrNotFound)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	list, err := s.docs.List(opCtx, docstore.ColMessages, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "conversationId", Op: docstore.OpEqual, Values: []any{conversationID}},
		},
		OrderBy: "createdAt",
	})
	if err != nil {
		logger.Errorf("chat.SearchMessages: %v", err)
		s.setLastError(err)
		return nil
	}

	needle := strings.ToLower(term)
	var out []*model.Message
	for i := range list.Documents {
		msg, err := decodeMessage(&list.Documents[i])
		if err != nil {
			continue
		}
		s.decryptMessage(msg, conv)
		if strings.Contains(strings.ToLower(msg.Content), needle) {
			msg.SendingState = model.StateSent
			msg.ApplyReactions()
			out = append(out, msg)
		}
	}
	return out
}

// StartCleanup runs the expired-message sweep on a fixed interval
// until StopCleanup. Starting twice is a no-op.
func (s *Store) StartCleanup(interval time.Duration) {
	s.mu.Lock()
	if s.cleanupStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.cleanupStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.cleanupExpired(context.Background())
			}
		}
	}()
}

// StopCleanup stops the sweep. Safe when not running.
func (s *Store) StopCleanup() {
	s.mu.Lock()
	if s.cleanupStop != nil {
		close(s.cleanupStop)
		s.cleanupStop = nil
	}
	s.mu.Unlock()
}

// cleanupExpired drops messages past their autoDeleteAt, locally and
// remotely. Remote failures log; the local copy is gone either way.
func (s *Store) cleanupExpired(ctx context.Context) {
	now := s.now()
	type expired struct{ convID, msgID string }
	var gone []expired

	s.mu.Lock()
	for convID, msgs := range s.messages {
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.IsTemp && m.Expired(now) {
				gone = append(gone, expired{convID, m.ID})
				continue
			}
			kept = append(kept, m)
		}
		s.messages[convID] = kept
	}
	s.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	for _, e := range gone {
		if err := s.docs.Delete(opCtx, docstore.ColMessages, e.msgID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			logger.Errorf("chat cleanup %s: %v", e.msgID, err)
		}
	}
	logger.Infof("chat cleanup removed %d expired messages", len(gone))
	s.notifyChange()
}
