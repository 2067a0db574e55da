package contracts

import (
	"context"
	"time"

	"casetrack/go-chat/pkg/models"
)

// IdentityProvider exposes the signed-in user. An empty id means signed out.
type IdentityProvider interface {
	CurrentUserID() string
}

// Case workflow statuses in which chat is allowed. Anything else gates the
// session into pending-review.
const (
	CaseStatusInReview  = "in_review"
	CaseStatusActive    = "active"
	CaseStatusCompleted = "completed"
)

func CaseStatusReviewable(status string) bool {
	switch status {
	case CaseStatusInReview, CaseStatusActive, CaseStatusCompleted:
		return true
	default:
		return false
	}
}

type CaseDetails struct {
	ID                      string
	CanonicalID             string
	Reference               string
	Status                  string
	AssignedCounterpartID   string
	AssignedCounterpartName string
}

type CaseService interface {
	GetCaseByID(ctx context.Context, caseID string) (CaseDetails, error)
}

type ConversationDirectory interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	// FindRoomIDForCase is the secondary index lookup; "" means no room known.
	FindRoomIDForCase(ctx context.Context, userID, caseID string) (string, error)
}

type LoadPageParams struct {
	CaseID        string
	RoomID        string
	UserID        string
	CounterpartID string
	PageSize      int
}

type InitialPage struct {
	RoomID   string
	Messages []models.Message
	HasMore  bool
}

type MessagePage struct {
	Messages []models.Message
	HasMore  bool
}

// MessageTransport is the narrow wire contract the session drives. Subscribe
// must deliver each new message exactly once, in receive order, and only
// messages strictly newer than since; the returned unsubscribe is idempotent.
type MessageTransport interface {
	LoadInitialPage(ctx context.Context, params LoadPageParams) (InitialPage, error)
	LoadOlderPage(ctx context.Context, roomID string, before time.Time, pageSize int) (MessagePage, error)
	Send(ctx context.Context, roomID string, msg models.Message) (models.Message, error)
	Subscribe(roomID string, since time.Time, onMessage func(models.Message)) (func(), error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

// RoomStatePersister is the cross-screen read-through cache; the session
// writes a promoted room through it so other screens resolve instantly.
type RoomStatePersister interface {
	SaveConversation(conv models.Conversation) error
	FindByCase(caseID string) (models.Conversation, bool)
}
