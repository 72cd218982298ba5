package chat

import (
	"context"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/realtime"
)

// Start wires the store into the change feed: conversation and call
// channels now, the message channel when a conversation is opened.
func (s *Store) Start() {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Subscribe(realtime.KeyConversations, docstore.ColConversations, s.handleConversationEvent)
	s.dispatcher.Subscribe(realtime.KeyCalls, docstore.ColCalls, s.handleCallEvent)
}

// Stop tears down every channel. Called on sign-out.
func (s *Store) Stop() {
	s.StopCleanup()
	if s.dispatcher != nil {
		s.dispatcher.UnsubscribeAll()
	}
}

// Resubscribe re-establishes the channels after a reconnect and
// refreshes state that may have changed while offline.
func (s *Store) Resubscribe(ctx context.Context) {
	s.Start()
	active := s.ActiveConversation()
	if active != "" && s.dispatcher != nil {
		s.dispatcher.Subscribe(realtime.MessagesKey(active), docstore.ColMessages, s.handleMessageEvent)
	}
	s.LoadConversations(ctx)
	if active != "" {
		s.LoadMessages(ctx, active, 0)
	}
}

// SetActiveConversation opens a conversation: its message channel
// replaces the previous one and its backlog is loaded. Pass "" to
// close without opening another.
func (s *Store) SetActiveConversation(ctx context.Context, conversationID string) {
	s.mu.Lock()
	prev := s.activeConv
	s.activeConv = conversationID
	s.mu.Unlock()

	if s.dispatcher != nil {
		if prev != "" && prev != conversationID {
			s.dispatcher.Unsubscribe(realtime.MessagesKey(prev))
		}
		if conversationID != "" {
			s.dispatcher.Subscribe(realtime.MessagesKey(conversationID), docstore.ColMessages, s.handleMessageEvent)
		}
	}
	if conversationID != "" {
		s.LoadMessages(ctx, conversationID, 0)
	}
	s.notifyChange()
}

func (s *Store) handleConversationEvent(ev docstore.Event) {
	user := s.identity.CurrentUser()
	if user == nil {
		return
	}
	switch ev.Kind {
	case docstore.EventCreate, docstore.EventUpdate:
		conv, err := decodeConversation(&ev.Document)
		if err != nil {
			logger.Errorf("chat conversation event decode: %v", err)
			return
		}
		if !conv.HasParticipant(user.ID) {
			return
		}
		isNew := s.conversationByID(conv.ID) == nil
		s.upsertConversation(conv)
		if ev.Kind == docstore.EventCreate && isNew && conv.InitiatedBy != user.ID {
			s.alerter.Alert("New conversation started")
		}
	case docstore.EventDelete:
		s.mu.Lock()
		s.removeConversationLocked(ev.Document.ID)
		if s.activeConv == ev.Document.ID {
			s.activeConv = ""
		}
		s.mu.Unlock()
	}
	s.notifyChange()
}

func (s *Store) handleMessageEvent(ev docstore.Event) {
	user := s.identity.CurrentUser()
	if user == nil {
		return
	}
	switch ev.Kind {
	case docstore.EventCreate:
		msg, err := decodeMessage(&ev.Document)
		if err != nil {
			logger.Errorf("chat message event decode: %v", err)
			return
		}
		// The channel carries the whole collection; only the open
		// conversation is mirrored here.
		active := s.ActiveConversation()
		if msg.ConversationID != active {
			return
		}
		conv := s.conversationByID(msg.ConversationID)
		if conv == nil {
			return
		}
		s.decryptMessage(msg, conv)
		msg.SendingState = model.StateSent
		msg.ApplyReactions()

		s.mu.Lock()
		if s.findMessageLocked(msg.ConversationID, msg.ID) != nil {
			s.mu.Unlock()
			return // direct write response already applied it
		}
		s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
		conv.LastMessageID = msg.ID
		conv.LastMessage = msg
		conv.LastActivity = msg.CreatedAt
		s.mu.Unlock()

		if msg.SenderID != user.ID {
			s.alerter.PlaySound("message")
			s.alerter.Alert(previewFor(msg))
			if msg.ReceiverID == user.ID {
				// Conversation is open, so the message is seen.
				if err := s.MarkMessageAsRead(context.Background(), msg.ConversationID, msg.ID); err != nil {
					logger.Errorf("chat auto mark read %s: %v", msg.ID, err)
				}
			}
		}
	case docstore.EventUpdate:
		fresh, err := decodeMessage(&ev.Document)
		if err != nil {
			logger.Errorf("chat message event decode: %v", err)
			return
		}
		s.mu.Lock()
		existing := s.findMessageLocked(fresh.ConversationID, fresh.ID)
		if existing == nil {
			s.mu.Unlock()
			return
		}
		// Reaction changes arrive as updates; recompute both forms
		// from the freshest payload.
		existing.ReactionsEnc = fresh.ReactionsEnc
		existing.ApplyReactions()
		existing.IsRead = fresh.IsRead
		existing.ReadAt = fresh.ReadAt
		s.mu.Unlock()
	case docstore.EventDelete:
		var convID string
		if msg, err := decodeMessage(&ev.Document); err == nil {
			convID = msg.ConversationID
		}
		if convID == "" {
			return
		}
		s.removeMessageLocal(context.Background(), convID, ev.Document.ID)
	}
	s.notifyChange()
}

func (s *Store) handleCallEvent(ev docstore.Event) {
	user := s.identity.CurrentUser()
	if user == nil {
		return
	}
	var call model.CallSession
	if err := ev.Document.Decode(&call); err != nil {
		logger.Errorf("chat call event decode: %v", err)
		return
	}
	call.ID = ev.Document.ID
	if call.CallerID != user.ID && call.ReceiverID != user.ID {
		return
	}

	switch ev.Kind {
	case docstore.EventCreate:
		s.mu.Lock()
		s.activeCalls[call.ID] = &call
		s.mu.Unlock()
		if call.ReceiverID == user.ID && call.Status == model.CallPending {
			s.alerter.StartRingtone()
			s.alerter.Alert("Incoming " + callLabel(call.Type))
		}
	case docstore.EventUpdate:
		s.mu.Lock()
		s.activeCalls[call.ID] = &call
		s.mu.Unlock()
		if call.Status != model.CallPending {
			s.alerter.StopRingtone()
		}
		if call.Status == model.CallEnded || call.Status == model.CallRejected {
			s.retireCall(call.ID)
		}
	case docstore.EventDelete:
		s.mu.Lock()
		delete(s.activeCalls, call.ID)
		s.mu.Unlock()
		s.alerter.StopRingtone()
	}
	s.notifyChange()
}
