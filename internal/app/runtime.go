package app

import (
	"crypto/rand"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"casetrack/go-chat/internal/platform/privacylog"
)

// NotificationEvent is one UI-facing notification. Seq is monotonically
// increasing per hub, so a reconnecting subscriber can replay what it missed.
type NotificationEvent struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// NotificationHub fans session notifications out to UI subscribers. It keeps
// a bounded history for replay; a subscriber that stops draining its channel
// is dropped rather than allowed to block the publisher.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int
}

func NewNotificationHub(limit int) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	return &NotificationHub{
		limit: limit,
		subs:  make(map[int]chan NotificationEvent),
	}
}

func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: nowUTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}

	return event
}

func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// DefaultLogger is the JSON stdout logger with the privacy sanitizer in
// front, so nothing downstream can leak identifiers or message content.
func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
}

// GeneratePrefixedID returns prefix + "_" + 12 random bytes in base58,
// matching the alphabet of every other identifier in the system.
func GeneratePrefixedID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + base58.Encode(buf), nil
}
