package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"casetrack/go-chat/internal/app"
	"casetrack/go-chat/internal/composition/chatengine"
	"casetrack/go-chat/internal/config"
	"casetrack/go-chat/internal/domains/chat/policy"
	"casetrack/go-chat/internal/domains/contracts"
	"casetrack/go-chat/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// chatsim drives one scripted conversation through the full engine: case
// resolution, the awaiting-first-message state, room promotion on the
// counterpart's first message, an optimistic send and pagination, with every
// notification printed as it happens.
func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to casetrack.yaml (optional)")
	userID := flag.String("user", "user_client", "Signed-in user id")
	counterpartID := flag.String("counterpart", "user_counterpart", "Assigned counterpart id")
	caseID := flag.String("case", "case_4fz9iKm2Qw7RtY3xBvN8", "Case id to open")
	flag.Parse()
	if *showVersion {
		fmt.Printf("chatsim version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg := config.LoadFromPath(*configPath)
	logger := app.DefaultLogger()
	engine, err := chatengine.New(cfg, logger)
	if err != nil {
		log.Fatalf("chatsim failed to initialize: %v", err)
	}

	if err := engine.Identity.SignIn(*userID, "Simulated Client"); err != nil {
		log.Fatalf("sign in failed: %v", err)
	}
	engine.Cases.Register(contracts.CaseDetails{
		ID:                      *caseID,
		Status:                  contracts.CaseStatusActive,
		AssignedCounterpartID:   *counterpartID,
		AssignedCounterpartName: "Simulated Counterpart",
	})

	replay, events, cancel := engine.Hub.Subscribe(0)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, event := range replay {
			printEvent(event)
		}
		for event := range events {
			printEvent(event)
		}
	}()

	ctx := context.Background()
	session := engine.NewSession()

	fmt.Println("--- opening the case conversation")
	session.Open(ctx, *caseID)
	fmt.Printf("status=%s can_send=%v room=%+v\n", session.Status(), session.CanSend(), session.Room())

	fmt.Println("--- counterpart sends the first message")
	roomID := policy.PairRoomID(*userID, *counterpartID)
	if _, err := engine.Bus.Send(ctx, roomID, models.Message{
		CaseID:    *caseID,
		SenderID:  *counterpartID,
		Body:      "Hello, I have been assigned to your case.",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Fatalf("counterpart send failed: %v", err)
	}
	fmt.Printf("status=%s can_send=%v room_state=%s\n", session.Status(), session.CanSend(), session.Room().State)

	fmt.Println("--- replying")
	if err := session.Send(ctx, "Thanks! What do you need from me?", nil); err != nil {
		log.Fatalf("send failed: %v", err)
	}
	for _, msg := range session.Messages() {
		fmt.Printf("  [%s] %-12s %s\n", msg.Timestamp.Format(time.RFC3339), msg.SenderID, msg.Delivery)
	}

	fmt.Println("--- closing")
	session.Close()
	cancel()
	<-done
}

func printEvent(event app.NotificationEvent) {
	fmt.Printf("  notify seq=%d %s %v\n", event.Seq, event.Method, event.Payload)
}
