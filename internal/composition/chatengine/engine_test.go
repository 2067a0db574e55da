package chatengine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"casetrack/go-chat/internal/config"
	"casetrack/go-chat/internal/domains/chat/policy"
	"casetrack/go-chat/internal/domains/chat/usecase"
	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

const engineCaseID = "case_4fz9iKm2Qw7RtY3xBvN8"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := New(config.Default(), logger)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	return engine
}

func TestFullConversationFlow(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Identity.SignIn("user_client", "Client"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	engine.Cases.Register(contracts.CaseDetails{
		ID:                    engineCaseID,
		Reference:             "CT-2031",
		Status:                contracts.CaseStatusActive,
		AssignedCounterpartID: "user_counterpart",
	})

	session := engine.NewSession()
	defer session.Close()

	// Opening by the human reference corrects to the canonical case id and
	// lands in the awaiting-first-message state.
	session.Open(context.Background(), "CT-2031")
	if session.Status() != usecase.StatusActive {
		t.Fatalf("expected active, got %q (%q)", session.Status(), session.Reason())
	}
	if session.CanSend() {
		t.Fatal("no traffic yet, sends must still be rejected")
	}

	// The counterpart writes first; the inferred room promotes.
	roomID := policy.PairRoomID("user_client", "user_counterpart")
	if _, err := engine.Bus.Send(context.Background(), roomID, models.Message{
		CaseID:    engineCaseID,
		SenderID:  "user_counterpart",
		Body:      "hello, I picked up your case",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("counterpart send failed: %v", err)
	}

	if !session.CanSend() {
		t.Fatal("first delivery must promote the room and enable sending")
	}
	if err := session.Send(context.Background(), "thanks for the update", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected both sides of the conversation, got %#v", msgs)
	}
	if msgs[1].Delivery != models.DeliverySent || msgs[1].ID == "" {
		t.Fatalf("own message did not converge: %#v", msgs[1])
	}

	// The promoted room is cached for the next screen.
	conv, ok := engine.Cache.FindByCase(engineCaseID)
	if !ok || conv.ID != roomID {
		t.Fatalf("promoted room missing from cache: %#v ok=%v", conv, ok)
	}
}

func TestReopenResolvesFromCache(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Identity.SignIn("user_client", ""); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	engine.Cases.Register(contracts.CaseDetails{
		ID:                    engineCaseID,
		Status:                contracts.CaseStatusActive,
		AssignedCounterpartID: "user_counterpart",
	})
	roomID := policy.PairRoomID("user_client", "user_counterpart")
	engine.Bus.Seed(roomID, engineCaseID, models.Message{
		ID: "m1", SenderID: "user_counterpart", Body: "hi", Timestamp: time.Now().UTC(),
	})

	first := engine.NewSession()
	first.Open(context.Background(), engineCaseID)
	if first.Status() != usecase.StatusActive || !first.CanSend() {
		t.Fatalf("expected a loaded active session, got %q", first.Status())
	}
	first.Close()

	second := engine.NewSession()
	second.Open(context.Background(), engineCaseID)
	defer second.Close()
	if got := second.Room(); got.ID != roomID || got.State != models.RoomStateSubscribed {
		t.Fatalf("reopen must resolve the cached room: %#v", got)
	}
	if len(second.Messages()) != 1 {
		t.Fatalf("history not reloaded: %#v", second.Messages())
	}
}

func TestHubObservesSessionLifecycle(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.Identity.SignIn("user_client", ""); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	engine.Cases.Register(contracts.CaseDetails{
		ID: engineCaseID, Status: "submitted",
	})

	session := engine.NewSession()
	session.Open(context.Background(), engineCaseID)
	session.Close()

	replay, _, cancel := engine.Hub.Subscribe(0)
	defer cancel()
	sawUnavailable := false
	for _, event := range replay {
		if event.Method != "notify.chat.session.status" {
			continue
		}
		payload, _ := event.Payload.(map[string]any)
		if payload["reason"] == string(contracts.ReasonPendingReview) {
			sawUnavailable = true
		}
	}
	if !sawUnavailable {
		t.Fatal("hub never observed the pending-review transition")
	}
}
