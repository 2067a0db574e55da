package models

import (
	"sort"
	"strings"
	"time"
)

type SenderRole string

const (
	SenderRoleClient      SenderRole = "client"
	SenderRoleCounterpart SenderRole = "counterpart"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// Message is the canonical chat message. ID is empty until the server
// acknowledges the send; ClientRef is the client-side correlation id minted at
// compose time and is how an optimistic entry is matched to its echo.
type Message struct {
	ID            string        `json:"id,omitempty"`
	ClientRef     string        `json:"client_ref,omitempty"`
	RoomID        string        `json:"room_id,omitempty"`
	CaseID        string        `json:"case_id,omitempty"`
	SenderID      string        `json:"sender_id,omitempty"`
	SenderRole    SenderRole    `json:"sender_role,omitempty"`
	SenderName    string        `json:"sender_name,omitempty"`
	Body          string        `json:"body"`
	Attachments   []Attachment  `json:"attachments,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Delivery      DeliveryState `json:"delivery,omitempty"`
	DeliveryError string        `json:"delivery_error,omitempty"`
	Read          bool          `json:"read,omitempty"`
}

// LocalOrigin reports whether the message started life on this client, i.e.
// it carries a compose-time correlation id.
func (m Message) LocalOrigin() bool {
	return strings.TrimSpace(m.ClientRef) != ""
}

func (m Message) Confirmed() bool {
	return strings.TrimSpace(m.ID) != ""
}

func IsTerminalDelivery(state DeliveryState) bool {
	return state == DeliverySent || state == DeliveryFailed
}

// MergeDeliveryState keeps the further-progressed of two delivery states so a
// late pending echo can never demote a sent or failed entry.
func MergeDeliveryState(current, candidate DeliveryState) DeliveryState {
	if deliveryOrder(candidate) >= deliveryOrder(current) {
		return candidate
	}
	return current
}

func deliveryOrder(state DeliveryState) int {
	switch state {
	case DeliveryPending:
		return 1
	case DeliverySent:
		return 2
	case DeliveryFailed:
		return 3
	default:
		return 0
	}
}

// SortAscending returns a copy of msgs in ascending timestamp order. The sort
// is stable, so equal timestamps keep their insertion order, and sorting an
// already-sorted list returns an equal list.
func SortAscending(msgs []Message) []Message {
	out := append([]Message(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
