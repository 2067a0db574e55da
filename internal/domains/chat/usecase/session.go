package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"casetrack/go-chat/internal/domains/chat/policy"
	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

// Status is the session state exposed to the UI layer.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusResolving   Status = "resolving"
	StatusLoading     Status = "loading"
	StatusActive      Status = "active"
	StatusUnavailable Status = "unavailable"
	StatusTornDown    Status = "torn-down"
)

const DefaultPageSize = 30

type SessionDeps struct {
	Identity  contracts.IdentityProvider
	Cases     contracts.CaseService
	Directory contracts.ConversationDirectory
	Transport contracts.MessageTransport
	Cache     contracts.RoomStatePersister

	Merger   policy.Merger
	PageSize int
	Logger   *slog.Logger

	Now         func() time.Time
	GenerateRef func(prefix string) (string, error)
	AllowSend   func(roomID string, now time.Time) bool
	Notify      func(method string, payload any)
	RecordError func(category string, err error)
	RecordMerge func(outcome policy.MergeOutcome)
	RecordLive  func()
	RecordSend  func(outcome string)
	RecordState func(status Status)
}

// Session sequences one conversation screen: resolve room, load the first
// page, attach the live subscription, mark read, serve pagination and
// optimistic sends, tear down on exit. It is the sole owner of the message
// list and room lifecycle state; every asynchronous step captures the
// generation counter and discards its result if the session restarted or tore
// down while the step was in flight.
type Session struct {
	deps SessionDeps

	mu              sync.Mutex
	gen             int
	status          Status
	reason          contracts.UnavailableReason
	caseRef         string
	caseID          string
	userID          string
	counterpartID   string
	counterpartName string
	room            models.Conversation
	messages        []models.Message
	oldest          time.Time
	hasMore         bool
	loadingMore     bool
	unsubscribe     func()
	markedRead      bool
}

func NewSession(deps SessionDeps) *Session {
	if deps.PageSize <= 0 {
		deps.PageSize = DefaultPageSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Session{
		deps:   deps,
		status: StatusIdle,
		room:   models.Conversation{State: models.RoomStateUnresolved},
	}
}

// Open starts (or restarts) the session for a case reference. An empty
// reference clears the session back to idle. Open runs the initialization
// sequence to completion; callers drive it from their own goroutine.
func (s *Session) Open(ctx context.Context, caseRef string) {
	caseRef = strings.TrimSpace(caseRef)

	s.mu.Lock()
	gen, unsub := s.resetLocked()
	s.caseRef = caseRef
	if caseRef == "" {
		s.setStatusLocked(StatusIdle, contracts.ReasonNone)
		s.mu.Unlock()
		callUnsub(unsub)
		return
	}

	userID := ""
	if s.deps.Identity != nil {
		userID = strings.TrimSpace(s.deps.Identity.CurrentUserID())
	}
	if userID == "" {
		s.setStatusLocked(StatusUnavailable, contracts.ReasonSessionRequired)
		s.mu.Unlock()
		callUnsub(unsub)
		return
	}
	s.userID = userID
	s.setStatusLocked(StatusResolving, contracts.ReasonNone)
	s.mu.Unlock()
	callUnsub(unsub)

	if err := s.initialize(ctx, gen, caseRef, userID, false); err != nil {
		s.failInit(gen, err)
	}
}

// Close tears the session down: live listener detached, in-memory message
// state cleared, in-flight work from this generation suppressed. Safe to call
// multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	_, unsub := s.resetLocked()
	s.caseRef = ""
	s.setStatusLocked(StatusTornDown, contracts.ReasonNone)
	s.mu.Unlock()
	callUnsub(unsub)
}

// resetLocked bumps the generation, clears per-initialization state and hands
// back the previous unsubscribe for the caller to run outside the lock.
func (s *Session) resetLocked() (int, func()) {
	s.gen++
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.messages = nil
	s.room = models.Conversation{State: models.RoomStateUnresolved}
	s.caseID = ""
	s.counterpartID = ""
	s.counterpartName = ""
	s.oldest = time.Time{}
	s.hasMore = false
	s.loadingMore = false
	s.markedRead = false
	return s.gen, unsub
}

func callUnsub(unsub func()) {
	if unsub != nil {
		unsub()
	}
}

func (s *Session) initialize(ctx context.Context, gen int, caseRef, userID string, corrected bool) error {
	details, err := s.deps.Cases.GetCaseByID(ctx, caseRef)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	if s.stale(gen) {
		return nil
	}

	canonical := strings.TrimSpace(details.CanonicalID)
	if canonical != "" && canonical != caseRef {
		if corrected {
			// A second divergent correction means the caller fed us an
			// unstable identifier; bail out instead of resolving in a loop.
			return fmt.Errorf("case id correction loop: %s -> %s", caseRef, canonical)
		}
		s.logger().Info("restarting resolution under canonical case id",
			"case_id", caseRef, "canonical_case_id", canonical)
		return s.initialize(ctx, gen, canonical, userID, true)
	}
	if !contracts.CaseStatusReviewable(details.Status) {
		return contracts.ErrCaseNotReviewable
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.caseID = caseRef
	s.counterpartID = strings.TrimSpace(details.AssignedCounterpartID)
	s.counterpartName = details.AssignedCounterpartName
	s.mu.Unlock()

	candidates, err := s.deps.Directory.ListConversations(ctx, userID)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	if s.stale(gen) {
		return nil
	}

	key := policy.RoomKey{CaseID: caseRef, CaseReference: s.caseReference()}
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.FindByCase(caseRef); ok {
			key.RoomID = cached.ID
		}
	}
	roomID := ""
	if resolved, ok := policy.ResolveRoom(candidates, key); ok {
		roomID = resolved.ID
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.setStatusLocked(StatusLoading, contracts.ReasonNone)
	counterpartID := s.counterpartID
	s.mu.Unlock()

	page, err := s.deps.Transport.LoadInitialPage(ctx, contracts.LoadPageParams{
		CaseID:        caseRef,
		RoomID:        roomID,
		UserID:        userID,
		CounterpartID: counterpartID,
		PageSize:      s.deps.PageSize,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrLoadFailed, err)
	}
	if s.stale(gen) {
		return nil
	}

	if page.RoomID != "" {
		return s.activateLoaded(ctx, gen, page)
	}
	return s.attachPending(ctx, gen, userID, caseRef, counterpartID)
}

// activateLoaded seeds the list from the initial page and attaches the live
// subscription anchored at the newest loaded timestamp, so the subscription
// only delivers messages strictly newer than what was just loaded. The seed
// and room are committed before Subscribe: a transport may deliver
// synchronously from inside Subscribe, and those deliveries must merge into
// the final list rather than race the seed assignment.
func (s *Session) activateLoaded(ctx context.Context, gen int, page contracts.InitialPage) error {
	seeded := models.SortAscending(page.Messages)
	var newest, oldest time.Time
	if len(seeded) > 0 {
		oldest = seeded[0].Timestamp
		newest = seeded[len(seeded)-1].Timestamp
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.messages = s.deps.Merger.MergeBatch(seeded, s.messages...)
	s.oldest = oldest
	s.hasMore = page.HasMore
	s.room = models.Conversation{
		ID:              page.RoomID,
		CaseID:          s.caseID,
		CaseReference:   s.caseReferenceLocked(),
		ClientID:        s.userID,
		CounterpartID:   s.counterpartID,
		CounterpartName: s.counterpartName,
		State:           models.RoomStateSubscribed,
	}
	s.mu.Unlock()

	unsub, err := s.deps.Transport.Subscribe(page.RoomID, newest, s.liveHandler(gen))
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		callUnsub(unsub)
		return nil
	}
	s.unsubscribe = unsub
	s.setStatusLocked(StatusActive, contracts.ReasonNone)
	s.notifyMessagesLocked()
	room := s.room
	userID := s.userID
	alreadyMarked := s.markedRead
	s.markedRead = true
	s.mu.Unlock()

	s.persistRoom(room)
	if !alreadyMarked {
		s.markRead(ctx, room.ID, userID)
	}
	s.logger().Info("chat session active", "room_id", room.ID, "case_id", room.CaseID, "seeded", len(seeded))
	return nil
}

// attachPending covers the counterpart-not-started-yet path: no history
// exists, but a room id can still be inferred, so the subscription is
// attached to it and the room waits in resolved-pending until the first
// delivered message promotes it.
func (s *Session) attachPending(ctx context.Context, gen int, userID, caseID, counterpartID string) error {
	inferred, err := s.deps.Directory.FindRoomIDForCase(ctx, userID, caseID)
	if err != nil {
		s.recordError(contracts.ErrorCategoryNetwork, err)
		inferred = ""
	}
	if s.stale(gen) {
		return nil
	}
	if inferred == "" {
		if counterpartID == "" {
			return contracts.ErrCounterpartNotAssigned
		}
		inferred = policy.PairRoomID(userID, counterpartID)
	}

	// Commit the resolved-pending room before Subscribe, so a message
	// delivered synchronously from inside Subscribe already sees the pending
	// state and fires the promotion path.
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	s.room = models.Conversation{
		ID:              inferred,
		CaseID:          caseID,
		CaseReference:   s.caseReferenceLocked(),
		ClientID:        userID,
		CounterpartID:   counterpartID,
		CounterpartName: s.counterpartName,
		State:           models.RoomStateResolvedPending,
	}
	s.mu.Unlock()

	unsub, err := s.deps.Transport.Subscribe(inferred, time.Time{}, s.liveHandler(gen))
	if err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrRoomUnavailable, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		callUnsub(unsub)
		return nil
	}
	s.unsubscribe = unsub
	s.setStatusLocked(StatusActive, contracts.ReasonNone)
	s.mu.Unlock()

	s.logger().Info("chat session awaiting first message", "room_id", inferred, "case_id", caseID)
	return nil
}

func (s *Session) failInit(gen int, err error) {
	reason := contracts.ReasonForError(err)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusUnavailable, reason)
	s.mu.Unlock()

	s.recordError(contracts.ErrorCategory(err), err)
	s.logger().Warn("chat session unavailable", "reason", string(reason), "error", err.Error())
}

// LoadOlder fetches the previous page of history and merges it in. It is a
// no-op while a load is in flight, while no further page exists, or while the
// list is empty.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusActive || s.loadingMore || !s.hasMore || len(s.messages) == 0 || s.room.ID == "" {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	roomID := s.room.ID
	before := s.oldest
	pageSize := s.deps.PageSize
	s.loadingMore = true
	s.mu.Unlock()

	page, err := s.deps.Transport.LoadOlderPage(ctx, roomID, before, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.loadingMore = false
	if err != nil {
		s.recordError(contracts.ErrorCategoryNetwork, err)
		return fmt.Errorf("%w: %w", contracts.ErrLoadFailed, err)
	}

	s.messages = s.deps.Merger.MergeBatch(s.messages, page.Messages...)
	for _, msg := range page.Messages {
		if s.oldest.IsZero() || msg.Timestamp.Before(s.oldest) {
			s.oldest = msg.Timestamp
		}
	}
	s.hasMore = page.HasMore && len(page.Messages) >= pageSize
	s.notifyMessagesLocked()
	return nil
}

func (s *Session) stale(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) caseReference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caseReferenceLocked()
}

// caseReferenceLocked returns the free-text reference that opened the
// session, unless it was already a structural case id.
func (s *Session) caseReferenceLocked() string {
	if policy.IsCaseID(s.caseRef) {
		return ""
	}
	return s.caseRef
}

func (s *Session) setStatusLocked(status Status, reason contracts.UnavailableReason) {
	s.status = status
	s.reason = reason
	if s.deps.RecordState != nil {
		s.deps.RecordState(status)
	}
	s.notify("notify.chat.session.status", map[string]any{
		"status": string(status),
		"reason": string(reason),
	})
}

func (s *Session) notifyMessagesLocked() {
	s.notify("notify.chat.messages.changed", map[string]any{
		"room_id": s.room.ID,
		"count":   len(s.messages),
	})
}

func (s *Session) notify(method string, payload any) {
	if s.deps.Notify != nil {
		s.deps.Notify(method, payload)
	}
}

func (s *Session) recordError(category string, err error) {
	if s.deps.RecordError != nil && err != nil {
		s.deps.RecordError(category, err)
	}
}

func (s *Session) recordMerge(outcome policy.MergeOutcome) {
	if s.deps.RecordMerge != nil {
		s.deps.RecordMerge(outcome)
	}
}

func (s *Session) recordLive() {
	if s.deps.RecordLive != nil {
		s.deps.RecordLive()
	}
}

func (s *Session) recordSend(outcome string) {
	if s.deps.RecordSend != nil {
		s.deps.RecordSend(outcome)
	}
}

func (s *Session) persistRoom(room models.Conversation) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.SaveConversation(room); err != nil {
		s.recordError(contracts.ErrorCategoryStorage, err)
	}
}

func (s *Session) markRead(ctx context.Context, roomID, userID string) {
	if err := s.deps.Transport.MarkRead(ctx, roomID, userID); err != nil {
		s.recordError(contracts.ErrorCategoryNetwork, err)
	}
}

func (s *Session) logger() *slog.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return slog.Default()
}

// Status reports the UI-facing session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Reason() contracts.UnavailableReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Messages returns the authoritative sorted, de-duplicated list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

func (s *Session) Room() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// CanSend is true once a confirmed or promoted room id exists. A
// resolved-pending room shows the composer but rejects sends.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSendLocked()
}

func (s *Session) canSendLocked() bool {
	return s.status == StatusActive &&
		s.room.ID != "" &&
		s.room.State != models.RoomStateResolvedPending &&
		s.room.State != models.RoomStateUnresolved
}

func (s *Session) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Session) IsLoadingMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingMore
}
