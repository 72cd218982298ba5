package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
	"github.com/ndolo/messenger/internal/model"
	"github.com/ndolo/messenger/internal/notify"
)

// endedCallRetention keeps an ended call visible briefly so the UI can
// animate the teardown before the entry vanishes.
const endedCallRetention = time.Second

// StartCall opens a pending call session in a conversation. The
// caller's plan is checked first; on denial no record is created and
// the reason is returned.
func (s *Store) StartCall(ctx context.Context, conversationID string, callType model.CallType) (*model.CallSession, error) {
	user, err := s.currentUser()
	if err != nil {
		return nil, err
	}
	conv := s.conversationByID(conversationID)
	if conv == nil || !conv.HasParticipant(user.ID) {
		return nil, docstore.ErrNotFound
	}

	var decision = s.features.CanAccessAudioCall(ctx)
	if callType == model.CallVideo {
		decision = s.features.CanAccessVideoCall(ctx)
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("chat.StartCall: %s", decision.Reason)
	}

	call := &model.CallSession{
		ConversationID: conversationID,
		CallerID:       user.ID,
		ReceiverID:     conv.OtherParticipant(user.ID),
		Type:           callType,
		Status:         model.CallPending,
		CreatedAt:      s.now(),
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	doc, err := s.docs.Create(opCtx, docstore.ColCalls, "", call)
	if err != nil {
		return nil, fmt.Errorf("chat.StartCall: %w", err)
	}
	call.ID = doc.ID

	s.mu.Lock()
	s.activeCalls[call.ID] = call
	s.mu.Unlock()

	s.appendSystemMessage(ctx, conv, user.ID, call.ReceiverID, model.TypeCallRequest, callLabel(callType))
	go s.notifier.NotifyUser(context.Background(), call.ReceiverID, notify.KindCallRequest,
		"Incoming call", callLabel(callType), map[string]string{
			"conversationId": conversationID,
			"callId":         call.ID,
		})
	s.notifyChange()
	return call, nil
}

// AcceptCall answers a pending call: status active, clock starts.
func (s *Store) AcceptCall(ctx context.Context, callID string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}
	call, err := s.callByID(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status != model.CallPending {
		return fmt.Errorf("chat.AcceptCall: call %s is %s, not pending", callID, call.Status)
	}

	startedAt := s.now()
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColCalls, callID, map[string]any{
		"status":    model.CallActive,
		"startedAt": startedAt,
	}); err != nil {
		return fmt.Errorf("chat.AcceptCall: %w", err)
	}

	s.mu.Lock()
	call.Status = model.CallActive
	call.StartedAt = &startedAt
	s.activeCalls[call.ID] = call
	s.mu.Unlock()
	s.alerter.StopRingtone()

	if conv := s.conversationByID(call.ConversationID); conv != nil {
		s.appendSystemMessage(ctx, conv, user.ID, call.Peer(user.ID), model.TypeSystem, "Call answered")
	}
	s.notifyChange()
	return nil
}

// EndCall ends a call. From active, the duration in whole seconds is
// recorded; from pending, the call counts as missed and no duration is
// set.
func (s *Store) EndCall(ctx context.Context, callID string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}
	call, err := s.callByID(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status == model.CallEnded || call.Status == model.CallRejected {
		return nil
	}

	endedAt := s.now()
	patch := map[string]any{
		"status":  model.CallEnded,
		"endedAt": endedAt,
	}
	var systemText string
	var duration int
	if call.Status == model.CallActive && call.StartedAt != nil {
		duration = int(endedAt.Sub(*call.StartedAt).Seconds())
		patch["duration"] = duration
		systemText = "Call ended · " + formatCallDuration(duration)
	} else {
		systemText = "Missed call"
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColCalls, callID, patch); err != nil {
		return fmt.Errorf("chat.EndCall: %w", err)
	}

	s.mu.Lock()
	call.Status = model.CallEnded
	call.EndedAt = &endedAt
	call.Duration = duration
	s.activeCalls[call.ID] = call
	s.mu.Unlock()
	s.alerter.StopRingtone()

	if conv := s.conversationByID(call.ConversationID); conv != nil {
		s.appendSystemMessage(ctx, conv, user.ID, call.Peer(user.ID), model.TypeSystem, systemText)
	}
	s.retireCall(call.ID)
	s.notifyChange()
	return nil
}

// RejectCall declines a pending call.
func (s *Store) RejectCall(ctx context.Context, callID string) error {
	user, err := s.currentUser()
	if err != nil {
		return err
	}
	call, err := s.callByID(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status != model.CallPending {
		return fmt.Errorf("chat.RejectCall: call %s is %s, not pending", callID, call.Status)
	}

	endedAt := s.now()
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.docs.Update(opCtx, docstore.ColCalls, callID, map[string]any{
		"status":  model.CallRejected,
		"endedAt": endedAt,
	}); err != nil {
		return fmt.Errorf("chat.RejectCall: %w", err)
	}

	s.mu.Lock()
	call.Status = model.CallRejected
	call.EndedAt = &endedAt
	s.activeCalls[call.ID] = call
	s.mu.Unlock()
	s.alerter.StopRingtone()

	if conv := s.conversationByID(call.ConversationID); conv != nil {
		s.appendSystemMessage(ctx, conv, user.ID, call.Peer(user.ID), model.TypeSystem, "Call declined")
	}
	s.retireCall(call.ID)
	s.notifyChange()
	return nil
}

// retireCall removes an ended call from the active list after the
// retention window.
func (s *Store) retireCall(callID string) {
	time.AfterFunc(endedCallRetention, func() {
		s.mu.Lock()
		delete(s.activeCalls, callID)
		s.mu.Unlock()
		s.notifyChange()
	})
}

// callByID prefers the locally mirrored session, falling back to the
// store.
func (s *Store) callByID(ctx context.Context, callID string) (*model.CallSession, error) {
	s.mu.Lock()
	if call, ok := s.activeCalls[callID]; ok {
		s.mu.Unlock()
		return call, nil
	}
	s.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	doc, err := s.docs.Get(opCtx, docstore.ColCalls, callID)
	if err != nil {
		return nil, fmt.Errorf("chat call %s: %w", callID, err)
	}
	var call model.CallSession
	if err := doc.Decode(&call); err != nil {
		return nil, fmt.Errorf("chat call %s decode: %w", callID, err)
	}
	call.ID = doc.ID
	return &call, nil
}

// appendSystemMessage writes a call transition marker into the
// conversation. Best effort: failures log, the call operation already
// succeeded.
func (s *Store) appendSystemMessage(ctx context.Context, conv *model.Conversation, senderID, receiverID string, msgType model.MessageType, text string) {
	now := s.now()
	temp := &model.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        text,
		Type:           msgType,
		CreatedAt:      now,
		SendingState:   model.StateSending,
		IsTemp:         true,
		TempID:         "temp_" + uuid.New().String(),
	}
	s.mu.Lock()
	s.messages[conv.ID] = append(s.messages[conv.ID], temp)
	s.mu.Unlock()
	if _, err := s.persistTemp(ctx, conv, temp); err != nil {
		logger.Errorf("chat system message: %v", err)
	}
}

func callLabel(t model.CallType) string {
	if t == model.CallVideo {
		return "📹 Video call"
	}
	return "📞 Voice call"
}

func formatCallDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm %02ds", seconds/60, seconds%60)
}
