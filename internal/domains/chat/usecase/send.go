package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

// Send composes an optimistic message, inserts it into the list before any
// network round-trip, then dispatches it. The server's echo, whether it comes
// back as the direct response or through the live subscription first,
// converges onto the same entry by ClientRef. A failed dispatch marks that
// entry failed; it is never removed.
func (s *Session) Send(ctx context.Context, text string, attachments []models.Attachment) error {
	text, err := ParseSendText(text, attachments)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.canSendLocked() {
		s.mu.Unlock()
		s.recordSend("rejected")
		return contracts.ErrRoomUnavailable
	}
	now := s.deps.Now()
	roomID := s.room.ID
	if s.deps.AllowSend != nil && !s.deps.AllowSend(roomID, now) {
		s.mu.Unlock()
		s.recordSend("throttled")
		return fmt.Errorf("%w: send rate exceeded", contracts.ErrSendFailed)
	}

	ref, err := s.generateRef()
	if err != nil {
		s.mu.Unlock()
		return contracts.WrapCategorizedError(contracts.ErrorCategoryAPI, err)
	}
	msg := models.Message{
		ClientRef:   ref,
		RoomID:      roomID,
		CaseID:      s.caseID,
		SenderID:    s.userID,
		SenderRole:  models.SenderRoleClient,
		Body:        text,
		Attachments: attachments,
		Timestamp:   now,
		Delivery:    models.DeliveryPending,
	}
	merged, outcome := s.deps.Merger.Apply(s.messages, msg)
	s.messages = merged
	s.recordMerge(outcome)
	s.notifyMessagesLocked()
	gen := s.gen
	s.mu.Unlock()

	return s.dispatch(ctx, gen, roomID, msg)
}

// Retry re-dispatches a failed entry under its original ClientRef. The
// timestamp moves to now so the echo correlation window stays meaningful.
func (s *Session) Retry(ctx context.Context, clientRef string) error {
	s.mu.Lock()
	if !s.canSendLocked() {
		s.mu.Unlock()
		return contracts.ErrRoomUnavailable
	}
	idx := -1
	for i, msg := range s.messages {
		if msg.ClientRef == clientRef && msg.Delivery == models.DeliveryFailed {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return errors.New("no failed message with that client ref")
	}
	s.messages[idx].Delivery = models.DeliveryPending
	s.messages[idx].DeliveryError = ""
	s.messages[idx].Timestamp = s.deps.Now()
	msg := s.messages[idx]
	s.messages = models.SortAscending(s.messages)
	s.notifyMessagesLocked()
	gen := s.gen
	roomID := s.room.ID
	s.mu.Unlock()

	return s.dispatch(ctx, gen, roomID, msg)
}

func (s *Session) dispatch(ctx context.Context, gen int, roomID string, msg models.Message) error {
	ack, err := s.deps.Transport.Send(ctx, roomID, msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	if err != nil {
		s.markSendFailedLocked(msg.ClientRef, err)
		s.recordSend("failed")
		s.recordError(contracts.ErrorCategoryNetwork, err)
		return fmt.Errorf("%w: %w", contracts.ErrSendFailed, err)
	}

	merged, outcome := s.deps.Merger.Apply(s.messages, ack)
	s.messages = merged
	s.recordMerge(outcome)
	s.recordSend("sent")
	s.notifyMessagesLocked()
	return nil
}

// markSendFailedLocked mutates the optimistic entry in place; send failures
// are local to one message and never change session state.
func (s *Session) markSendFailedLocked(clientRef string, cause error) {
	for i := range s.messages {
		if s.messages[i].ClientRef != clientRef {
			continue
		}
		s.messages[i].Delivery = models.DeliveryFailed
		s.messages[i].DeliveryError = cause.Error()
		s.notify("notify.chat.send.failed", map[string]any{
			"client_ref": clientRef,
			"error":      cause.Error(),
			"retry_at":   NextRetryTime(1, s.deps.Now()),
		})
		s.notifyMessagesLocked()
		return
	}
}

func (s *Session) generateRef() (string, error) {
	if s.deps.GenerateRef != nil {
		return s.deps.GenerateRef("ref")
	}
	return fmt.Sprintf("ref_%d", s.deps.Now().UnixNano()), nil
}

// NextRetryTime is the backoff hint surfaced with a failed send: 2s doubling
// per attempt, capped at 30s.
func NextRetryTime(retryCount int, now time.Time) time.Time {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := 2 * time.Second
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= 30*time.Second {
			backoff = 30 * time.Second
			break
		}
	}
	return now.Add(backoff)
}
