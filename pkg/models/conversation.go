package models

import "strings"

// Room lifecycle. A room reverts to unresolved when the screen closes or the
// case driving it changes.
const (
	RoomStateUnresolved      = "unresolved"
	RoomStateResolvedPending = "resolved-pending"
	RoomStateActive          = "active"
	RoomStateSubscribed      = "subscribed"
)

// Conversation is the addressable channel a client and a counterpart exchange
// messages through for one case. ID may be empty while the room is unresolved.
type Conversation struct {
	ID              string `json:"id,omitempty"`
	CaseID          string `json:"case_id,omitempty"`
	CaseReference   string `json:"case_reference,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	CounterpartID   string `json:"counterpart_id,omitempty"`
	CounterpartName string `json:"counterpart_name,omitempty"`
	State           string `json:"state,omitempty"`
}

func NormalizeRoomState(raw string) string {
	switch strings.TrimSpace(raw) {
	case RoomStateResolvedPending:
		return RoomStateResolvedPending
	case RoomStateActive:
		return RoomStateActive
	case RoomStateSubscribed:
		return RoomStateSubscribed
	default:
		return RoomStateUnresolved
	}
}

func NormalizeConversation(conv Conversation) Conversation {
	conv.ID = strings.TrimSpace(conv.ID)
	conv.CaseID = strings.TrimSpace(conv.CaseID)
	conv.CaseReference = strings.TrimSpace(conv.CaseReference)
	conv.ClientID = strings.TrimSpace(conv.ClientID)
	conv.CounterpartID = strings.TrimSpace(conv.CounterpartID)
	conv.State = NormalizeRoomState(conv.State)
	return conv
}
