package usecase

import (
	"context"

	"casetrack/go-chat/pkg/models"
)

// liveHandler builds the subscription callback for one session generation.
// Deliveries for a torn-down or restarted generation are dropped unseen.
func (s *Session) liveHandler(gen int) func(models.Message) {
	return func(msg models.Message) {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}

		merged, outcome := s.deps.Merger.Apply(s.messages, msg)
		s.messages = merged
		s.recordMerge(outcome)
		s.recordLive()

		promoted := false
		if s.room.State == models.RoomStateResolvedPending {
			// First observed traffic confirms the inferred room.
			s.room.State = models.RoomStateSubscribed
			promoted = true
		}
		if s.oldest.IsZero() && len(s.messages) > 0 {
			s.oldest = s.messages[0].Timestamp
		}
		s.notifyMessagesLocked()

		room := s.room
		userID := s.userID
		markRead := promoted && !s.markedRead
		if markRead {
			s.markedRead = true
		}
		s.mu.Unlock()

		if promoted {
			s.persistRoom(room)
			s.logger().Info("room promoted to active", "room_id", room.ID, "case_id", room.CaseID)
		}
		if markRead {
			s.markRead(context.Background(), room.ID, userID)
		}
	}
}
