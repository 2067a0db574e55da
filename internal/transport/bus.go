package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

// Bus is an in-process message transport: one append-only log per room,
// fanned out to that room's subscribers on every append. It backs the
// simulator and the test suites; a remote backend implements the same
// contract.
type Bus struct {
	logger     *slog.Logger
	generateID func() string

	mu         sync.Mutex
	logs       map[string][]models.Message
	subs       map[string]map[int]func(models.Message)
	roomByCase map[string]string
	lastRead   map[string]time.Time
	nextSubID  int
	seq        int
}

type BusOption func(*Bus)

// WithIDGenerator overrides the server-side message id source.
func WithIDGenerator(fn func() string) BusOption {
	return func(b *Bus) { b.generateID = fn }
}

func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:     logger,
		logs:       make(map[string][]models.Message),
		subs:       make(map[string]map[int]func(models.Message)),
		roomByCase: make(map[string]string),
		lastRead:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.generateID == nil {
		b.generateID = b.sequentialID
	}
	return b
}

// sequentialID must be called with b.mu held.
func (b *Bus) sequentialID() string {
	b.seq++
	return fmt.Sprintf("msg_%06d", b.seq)
}

// Seed installs existing history for a room and binds it to a case, so
// LoadInitialPage can resolve the room by case id alone.
func (b *Bus) Seed(roomID, caseID string, msgs ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if caseID != "" {
		b.roomByCase[caseID] = roomID
	}
	b.logs[roomID] = models.SortAscending(append(b.logs[roomID], msgs...))
}

func (b *Bus) LoadInitialPage(_ context.Context, params contracts.LoadPageParams) (contracts.InitialPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	roomID := params.RoomID
	if roomID == "" {
		roomID = b.roomByCase[params.CaseID]
	}
	if roomID == "" {
		return contracts.InitialPage{}, nil
	}
	log, ok := b.logs[roomID]
	if !ok {
		return contracts.InitialPage{}, nil
	}

	page, hasMore := tailPage(log, params.PageSize)
	return contracts.InitialPage{RoomID: roomID, Messages: page, HasMore: hasMore}, nil
}

func (b *Bus) LoadOlderPage(_ context.Context, roomID string, before time.Time, pageSize int) (contracts.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logs[roomID]
	cut := sort.Search(len(log), func(i int) bool {
		return !log[i].Timestamp.Before(before)
	})
	page, hasMore := tailPage(log[:cut], pageSize)
	return contracts.MessagePage{Messages: page, HasMore: hasMore}, nil
}

// tailPage returns the newest pageSize entries of an ascending log.
func tailPage(log []models.Message, pageSize int) ([]models.Message, bool) {
	if pageSize <= 0 || pageSize >= len(log) {
		return append([]models.Message(nil), log...), false
	}
	return append([]models.Message(nil), log[len(log)-pageSize:]...), true
}

// Send assigns the server-side id, appends to the room log and echoes the
// stored message to every subscriber, the sender's own included.
func (b *Bus) Send(_ context.Context, roomID string, msg models.Message) (models.Message, error) {
	if roomID == "" {
		return models.Message{}, fmt.Errorf("send without room id")
	}

	b.mu.Lock()
	msg.ID = b.generateID()
	msg.RoomID = roomID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Delivery = models.DeliverySent
	b.logs[roomID] = models.SortAscending(append(b.logs[roomID], msg))
	if msg.CaseID != "" {
		b.roomByCase[msg.CaseID] = roomID
	}
	handlers := b.handlersLocked(roomID)
	b.mu.Unlock()

	b.logger.Debug("message appended", "room_id", roomID, "message_id", msg.ID, "subscribers", len(handlers))
	for _, handler := range handlers {
		handler(msg)
	}
	return msg, nil
}

// Subscribe replays stored messages strictly newer than since, then delivers
// each later append once, in append order. The returned unsubscribe is
// idempotent.
func (b *Bus) Subscribe(roomID string, since time.Time, onMessage func(models.Message)) (func(), error) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	if b.subs[roomID] == nil {
		b.subs[roomID] = make(map[int]func(models.Message))
	}
	b.subs[roomID][id] = onMessage
	var replay []models.Message
	for _, msg := range b.logs[roomID] {
		if msg.Timestamp.After(since) {
			replay = append(replay, msg)
		}
	}
	b.mu.Unlock()

	for _, msg := range replay {
		onMessage(msg)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[roomID], id)
			b.mu.Unlock()
		})
	}, nil
}

// handlersLocked snapshots the room's subscribers so delivery can run
// without holding the bus lock. Handlers may call back into the bus.
func (b *Bus) handlersLocked(roomID string) []func(models.Message) {
	handlers := make([]func(models.Message), 0, len(b.subs[roomID]))
	for _, handler := range b.subs[roomID] {
		handlers = append(handlers, handler)
	}
	return handlers
}

// MarkRead records the user's read watermark and flips the read flag on
// every stored message from the other participant.
func (b *Bus) MarkRead(_ context.Context, roomID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastRead[roomID+"|"+userID] = time.Now().UTC()
	log := b.logs[roomID]
	for i := range log {
		if log[i].SenderID != userID {
			log[i].Read = true
		}
	}
	return nil
}

// LastRead reports the most recent mark-read call for a user in a room.
func (b *Bus) LastRead(roomID, userID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.lastRead[roomID+"|"+userID]
	return t, ok
}

var _ contracts.MessageTransport = (*Bus)(nil)
