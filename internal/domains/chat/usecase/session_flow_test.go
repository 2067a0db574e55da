package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"casetrack/go-chat/internal/domains/chat/policy"
	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

const testCaseID = "case_4fz9iKm2Qw7RtY3xBvN8"

func ts(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type fakeIdentity struct {
	id string
}

func (f *fakeIdentity) CurrentUserID() string { return f.id }

type fakeCases struct {
	mu      sync.Mutex
	details map[string]contracts.CaseDetails
	err     error
	calls   []string
}

func (f *fakeCases) GetCaseByID(_ context.Context, caseID string) (contracts.CaseDetails, error) {
	f.mu.Lock()
	f.calls = append(f.calls, caseID)
	f.mu.Unlock()
	if f.err != nil {
		return contracts.CaseDetails{}, f.err
	}
	d, ok := f.details[caseID]
	if !ok {
		return contracts.CaseDetails{}, errors.New("case not found")
	}
	return d, nil
}

type fakeDirectory struct {
	convs      []models.Conversation
	roomByCase map[string]string
	listErr    error
}

func (f *fakeDirectory) ListConversations(_ context.Context, _ string) ([]models.Conversation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.convs, nil
}

func (f *fakeDirectory) FindRoomIDForCase(_ context.Context, _, caseID string) (string, error) {
	return f.roomByCase[caseID], nil
}

type fakeTransport struct {
	mu              sync.Mutex
	initial         contracts.InitialPage
	initialErr      error
	initialCalls    int
	initialStarted  chan struct{}
	initialProceed  chan struct{}
	older           contracts.MessagePage
	olderErr        error
	olderCalls      int
	sendErr         error
	sendSeq         int
	deliverOnSub    []models.Message
	handlers        map[string]func(models.Message)
	subscribedSince map[string]time.Time
	unsubCalls      int
	markReadRooms   []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:        make(map[string]func(models.Message)),
		subscribedSince: make(map[string]time.Time),
	}
}

func (f *fakeTransport) LoadInitialPage(_ context.Context, _ contracts.LoadPageParams) (contracts.InitialPage, error) {
	f.mu.Lock()
	f.initialCalls++
	started := f.initialStarted
	proceed := f.initialProceed
	f.mu.Unlock()
	if started != nil {
		close(started)
		f.mu.Lock()
		f.initialStarted = nil
		f.mu.Unlock()
	}
	if proceed != nil {
		<-proceed
	}
	if f.initialErr != nil {
		return contracts.InitialPage{}, f.initialErr
	}
	return f.initial, nil
}

func (f *fakeTransport) LoadOlderPage(_ context.Context, _ string, _ time.Time, _ int) (contracts.MessagePage, error) {
	f.mu.Lock()
	f.olderCalls++
	f.mu.Unlock()
	if f.olderErr != nil {
		return contracts.MessagePage{}, f.olderErr
	}
	return f.older, nil
}

func (f *fakeTransport) Send(_ context.Context, roomID string, msg models.Message) (models.Message, error) {
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	f.mu.Lock()
	f.sendSeq++
	msg.ID = "srv_" + msg.ClientRef
	f.mu.Unlock()
	msg.RoomID = roomID
	msg.Delivery = models.DeliverySent
	return msg, nil
}

func (f *fakeTransport) Subscribe(roomID string, since time.Time, onMessage func(models.Message)) (func(), error) {
	f.mu.Lock()
	f.handlers[roomID] = onMessage
	f.subscribedSince[roomID] = since
	pending := f.deliverOnSub
	f.deliverOnSub = nil
	f.mu.Unlock()
	// Deliveries that raced the page load are replayed from inside Subscribe,
	// before it returns, the way a replaying transport behaves.
	for _, msg := range pending {
		onMessage(msg)
	}
	return func() {
		f.mu.Lock()
		f.unsubCalls++
		delete(f.handlers, roomID)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) MarkRead(_ context.Context, roomID, _ string) error {
	f.mu.Lock()
	f.markReadRooms = append(f.markReadRooms, roomID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, roomID string, msg models.Message) {
	t.Helper()
	f.mu.Lock()
	handler, ok := f.handlers[roomID]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscriber for room %s", roomID)
	}
	handler(msg)
}

type fakeCache struct {
	mu    sync.Mutex
	saved []models.Conversation
}

func (f *fakeCache) SaveConversation(conv models.Conversation) error {
	f.mu.Lock()
	f.saved = append(f.saved, conv)
	f.mu.Unlock()
	return nil
}

func (f *fakeCache) FindByCase(caseID string) (models.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.saved {
		if conv.CaseID == caseID {
			return conv, true
		}
	}
	return models.Conversation{}, false
}

type sessionFixture struct {
	identity  *fakeIdentity
	cases     *fakeCases
	directory *fakeDirectory
	transport *fakeTransport
	cache     *fakeCache
	session   *Session
}

func newFixture() *sessionFixture {
	f := &sessionFixture{
		identity: &fakeIdentity{id: "user_client"},
		cases: &fakeCases{details: map[string]contracts.CaseDetails{
			testCaseID: {
				ID:                    testCaseID,
				Status:                contracts.CaseStatusActive,
				AssignedCounterpartID: "user_counterpart",
			},
		}},
		directory: &fakeDirectory{roomByCase: map[string]string{}},
		transport: newFakeTransport(),
		cache:     &fakeCache{},
	}
	f.session = NewSession(SessionDeps{
		Identity:  f.identity,
		Cases:     f.cases,
		Directory: f.directory,
		Transport: f.transport,
		Cache:     f.cache,
		Merger:    policy.Merger{},
		PageSize:  2,
	})
	return f
}

func TestOpenSeedsAndSubscribes(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{
		RoomID: "r1",
		Messages: []models.Message{
			{ID: "m2", Body: "later", Timestamp: ts(2000)},
			{ID: "m1", Body: "earlier", Timestamp: ts(1000)},
		},
		HasMore: true,
	}

	f.session.Open(context.Background(), testCaseID)

	if got := f.session.Status(); got != StatusActive {
		t.Fatalf("expected active, got %q (%q)", got, f.session.Reason())
	}
	msgs := f.session.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("seed not sorted: %#v", msgs)
	}
	if !f.session.HasMore() {
		t.Fatal("expected hasMore from initial page")
	}
	if !f.session.CanSend() {
		t.Fatal("expected canSend once room is subscribed")
	}
	if since := f.transport.subscribedSince["r1"]; !since.Equal(ts(2000)) {
		t.Fatalf("subscription not anchored at newest loaded timestamp: %v", since)
	}
	if len(f.transport.markReadRooms) != 1 || f.transport.markReadRooms[0] != "r1" {
		t.Fatalf("expected one mark-read for r1, got %v", f.transport.markReadRooms)
	}
}

func TestOpenWithoutIdentity(t *testing.T) {
	f := newFixture()
	f.identity.id = ""
	f.session.Open(context.Background(), testCaseID)
	if f.session.Status() != StatusUnavailable || f.session.Reason() != contracts.ReasonSessionRequired {
		t.Fatalf("expected session-required, got %q/%q", f.session.Status(), f.session.Reason())
	}
	if f.transport.initialCalls != 0 {
		t.Fatal("no load should be attempted without identity")
	}
}

func TestOpenEmptyCaseClearsToIdle(t *testing.T) {
	f := newFixture()
	f.session.Open(context.Background(), "")
	if f.session.Status() != StatusIdle {
		t.Fatalf("expected idle, got %q", f.session.Status())
	}
}

func TestOpenCaseNotReviewable(t *testing.T) {
	f := newFixture()
	f.cases.details[testCaseID] = contracts.CaseDetails{ID: testCaseID, Status: "submitted"}
	f.session.Open(context.Background(), testCaseID)
	if f.session.Reason() != contracts.ReasonPendingReview {
		t.Fatalf("expected pending-review gate, got %q", f.session.Reason())
	}
	if f.transport.initialCalls != 0 {
		t.Fatal("no load may be attempted for a non-reviewable case")
	}
}

func TestCanonicalCorrectionRestartsOnce(t *testing.T) {
	f := newFixture()
	f.cases.details["REF-9"] = contracts.CaseDetails{ID: "REF-9", CanonicalID: testCaseID}
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}

	f.session.Open(context.Background(), "REF-9")

	if f.session.Status() != StatusActive {
		t.Fatalf("expected active after correction, got %q (%q)", f.session.Status(), f.session.Reason())
	}
	if len(f.cases.calls) != 2 || f.cases.calls[0] != "REF-9" || f.cases.calls[1] != testCaseID {
		t.Fatalf("unexpected case lookups: %v", f.cases.calls)
	}
}

func TestCanonicalCorrectionLoopFails(t *testing.T) {
	f := newFixture()
	f.cases.details["REF-9"] = contracts.CaseDetails{ID: "REF-9", CanonicalID: testCaseID}
	f.cases.details[testCaseID] = contracts.CaseDetails{ID: testCaseID, CanonicalID: "case_9hJk3LmP5qRs7TuV2wXy"}

	f.session.Open(context.Background(), "REF-9")

	if f.session.Status() != StatusUnavailable || f.session.Reason() != contracts.ReasonGenericFailure {
		t.Fatalf("expected generic failure on correction loop, got %q/%q", f.session.Status(), f.session.Reason())
	}
}

func TestPendingRoomPromotion(t *testing.T) {
	f := newFixture()
	// No history anywhere: the room id comes from the deterministic pairing.
	f.session.Open(context.Background(), testCaseID)

	pairID := policy.PairRoomID("user_client", "user_counterpart")
	if f.session.Status() != StatusActive {
		t.Fatalf("expected active while awaiting first message, got %q (%q)", f.session.Status(), f.session.Reason())
	}
	if f.session.CanSend() {
		t.Fatal("sends must be rejected while the room is resolved-pending")
	}
	if room := f.session.Room(); room.ID != pairID || room.State != models.RoomStateResolvedPending {
		t.Fatalf("unexpected pending room: %#v", room)
	}

	f.transport.deliver(t, pairID, models.Message{
		ID: "m1", RoomID: pairID, SenderID: "user_counterpart", Body: "hello", Timestamp: ts(5000),
	})

	if room := f.session.Room(); room.State != models.RoomStateSubscribed {
		t.Fatalf("first delivery must promote the room: %#v", room)
	}
	if !f.session.CanSend() {
		t.Fatal("promotion must enable sending")
	}
	if len(f.transport.markReadRooms) != 1 || f.transport.markReadRooms[0] != pairID {
		t.Fatalf("promotion must mark read once, got %v", f.transport.markReadRooms)
	}
	if _, ok := f.cache.FindByCase(testCaseID); !ok {
		t.Fatal("promoted room must be persisted to the cache")
	}
}

func TestDeliveryDuringSubscribeIsKept(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{
		RoomID:   "r1",
		Messages: []models.Message{{ID: "m1", Body: "seed", Timestamp: ts(1000)}},
	}
	f.transport.deliverOnSub = []models.Message{
		{ID: "m2", SenderID: "user_counterpart", Body: "raced the page load", Timestamp: ts(2000)},
	}

	f.session.Open(context.Background(), testCaseID)

	msgs := f.session.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("message delivered during subscribe was lost: %#v", msgs)
	}
	if f.session.Status() != StatusActive {
		t.Fatalf("expected active, got %q", f.session.Status())
	}
}

func TestDeliveryDuringSubscribePromotesPendingRoom(t *testing.T) {
	f := newFixture()
	pairID := policy.PairRoomID("user_client", "user_counterpart")
	f.transport.deliverOnSub = []models.Message{
		{ID: "m1", RoomID: pairID, SenderID: "user_counterpart", Body: "hello", Timestamp: ts(1000)},
	}

	f.session.Open(context.Background(), testCaseID)

	if room := f.session.Room(); room.State != models.RoomStateSubscribed {
		t.Fatalf("a delivery at subscribe time must promote the room: %#v", room)
	}
	if !f.session.CanSend() {
		t.Fatal("promotion at subscribe time must enable sending")
	}
	if len(f.transport.markReadRooms) != 1 || f.transport.markReadRooms[0] != pairID {
		t.Fatalf("promotion must mark read once, got %v", f.transport.markReadRooms)
	}
	if _, ok := f.cache.FindByCase(testCaseID); !ok {
		t.Fatal("promoted room must be persisted to the cache")
	}
	if msgs := f.session.Messages(); len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("first message missing after promotion: %#v", msgs)
	}
}

func TestCounterpartNotAssigned(t *testing.T) {
	f := newFixture()
	f.cases.details[testCaseID] = contracts.CaseDetails{ID: testCaseID, Status: contracts.CaseStatusActive}
	f.session.Open(context.Background(), testCaseID)
	if f.session.Reason() != contracts.ReasonCounterpartPending {
		t.Fatalf("expected counterpart-pending, got %q/%q", f.session.Status(), f.session.Reason())
	}
}

func TestStaleInitialLoadSuppressed(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{
		RoomID:   "r1",
		Messages: []models.Message{{ID: "m1", Body: "late", Timestamp: ts(1000)}},
	}
	f.transport.initialStarted = make(chan struct{})
	f.transport.initialProceed = make(chan struct{})

	started := f.transport.initialStarted
	done := make(chan struct{})
	go func() {
		f.session.Open(context.Background(), testCaseID)
		close(done)
	}()

	<-started
	f.session.Close()
	close(f.transport.initialProceed)
	<-done

	if got := f.session.Status(); got != StatusTornDown {
		t.Fatalf("expected torn-down, got %q", got)
	}
	if msgs := f.session.Messages(); len(msgs) != 0 {
		t.Fatalf("stale load result must be discarded, got %#v", msgs)
	}
}

func TestLoadOlderMergesAndAdvancesCursor(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{
		RoomID: "r1",
		Messages: []models.Message{
			{ID: "m3", Body: "c", Timestamp: ts(3000)},
			{ID: "m4", Body: "d", Timestamp: ts(4000)},
		},
		HasMore: true,
	}
	f.session.Open(context.Background(), testCaseID)

	// Short page: cursor exhausts.
	f.transport.older = contracts.MessagePage{
		Messages: []models.Message{{ID: "m2", Body: "b", Timestamp: ts(2000)}},
		HasMore:  true,
	}
	if err := f.session.LoadOlder(context.Background()); err != nil {
		t.Fatalf("loadOlder failed: %v", err)
	}

	msgs := f.session.Messages()
	if len(msgs) != 3 || msgs[0].ID != "m2" {
		t.Fatalf("older page not merged in order: %#v", msgs)
	}
	if f.session.HasMore() {
		t.Fatal("a short page must exhaust the cursor")
	}
	if f.transport.olderCalls != 1 {
		t.Fatalf("expected one older fetch, got %d", f.transport.olderCalls)
	}

	// Exhausted cursor: no transport call, list unchanged.
	if err := f.session.LoadOlder(context.Background()); err != nil {
		t.Fatalf("loadOlder after exhaustion errored: %v", err)
	}
	if f.transport.olderCalls != 1 {
		t.Fatal("loadOlder must be a no-op once exhausted")
	}
}

func TestSendRejectedWithoutRoom(t *testing.T) {
	f := newFixture()
	f.session.Open(context.Background(), testCaseID) // resolved-pending room

	err := f.session.Send(context.Background(), "hello", nil)
	if !errors.Is(err, contracts.ErrRoomUnavailable) {
		t.Fatalf("expected room-unavailable, got %v", err)
	}
	if msgs := f.session.Messages(); len(msgs) != 0 {
		t.Fatalf("no optimistic entry may be inserted: %#v", msgs)
	}
}

func TestSendOptimisticConvergesToSent(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session.Open(context.Background(), testCaseID)

	if err := f.session.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msgs := f.session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one entry after ack, got %#v", msgs)
	}
	if msgs[0].Delivery != models.DeliverySent || msgs[0].ID == "" {
		t.Fatalf("unexpected converged entry: %#v", msgs[0])
	}
}

func TestSendEchoViaSubscriptionConverges(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session.Open(context.Background(), testCaseID)

	if err := f.session.Send(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	ref := f.session.Messages()[0].ClientRef

	// The live channel echoes the same logical send again.
	f.transport.deliver(t, "r1", models.Message{
		ID: "srv_" + ref, SenderID: "user_client", Body: "hello",
		Timestamp: f.session.Messages()[0].Timestamp.Add(500 * time.Millisecond),
	})

	msgs := f.session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("echo must not duplicate the send: %#v", msgs)
	}
	if msgs[0].Delivery != models.DeliverySent {
		t.Fatalf("expected sent, got %q", msgs[0].Delivery)
	}
}

func TestSendFailureMarksEntryFailed(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session.Open(context.Background(), testCaseID)

	f.transport.sendErr = errors.New("socket closed")
	err := f.session.Send(context.Background(), "hello", nil)
	if !errors.Is(err, contracts.ErrSendFailed) {
		t.Fatalf("expected send-failed, got %v", err)
	}
	msgs := f.session.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != models.DeliveryFailed || msgs[0].DeliveryError == "" {
		t.Fatalf("failed send must keep the entry marked failed: %#v", msgs)
	}
	if f.session.Status() != StatusActive {
		t.Fatal("a send failure is local to the message, not the session")
	}

	// Retry re-dispatches the same entry.
	f.transport.sendErr = nil
	if err := f.session.Retry(context.Background(), msgs[0].ClientRef); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	msgs = f.session.Messages()
	if len(msgs) != 1 || msgs[0].Delivery != models.DeliverySent {
		t.Fatalf("retry must converge the same entry to sent: %#v", msgs)
	}
}

func TestSendThrottled(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session = NewSession(SessionDeps{
		Identity:  f.identity,
		Cases:     f.cases,
		Directory: f.directory,
		Transport: f.transport,
		Merger:    policy.Merger{},
		AllowSend: func(string, time.Time) bool { return false },
	})
	f.session.Open(context.Background(), testCaseID)

	err := f.session.Send(context.Background(), "hello", nil)
	if !errors.Is(err, contracts.ErrSendFailed) {
		t.Fatalf("expected throttled send to fail, got %v", err)
	}
	if msgs := f.session.Messages(); len(msgs) != 0 {
		t.Fatalf("throttled send must not insert an entry: %#v", msgs)
	}
}

func TestDuplicateLiveDeliveryIsIdempotent(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session.Open(context.Background(), testCaseID)

	msg := models.Message{ID: "m1", SenderID: "user_counterpart", Body: "hi", Timestamp: ts(7000)}
	f.transport.deliver(t, "r1", msg)
	f.transport.deliver(t, "r1", msg)

	if msgs := f.session.Messages(); len(msgs) != 1 {
		t.Fatalf("duplicate delivery must collapse to one entry: %#v", msgs)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture()
	f.transport.initial = contracts.InitialPage{RoomID: "r1"}
	f.session.Open(context.Background(), testCaseID)

	f.session.Close()
	f.session.Close()
	if f.session.Status() != StatusTornDown {
		t.Fatalf("expected torn-down, got %q", f.session.Status())
	}
	if f.transport.unsubCalls != 1 {
		t.Fatalf("expected a single unsubscribe, got %d", f.transport.unsubCalls)
	}
	if f.session.CanSend() {
		t.Fatal("a torn-down session must not accept sends")
	}
}
