package models

import (
	"reflect"
	"testing"
	"time"
)

func ts(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func TestSortAscendingOrdersByTimestamp(t *testing.T) {
	msgs := []Message{{ID: "a", Timestamp: ts(5)}, {ID: "b", Timestamp: ts(1)}, {ID: "c", Timestamp: ts(3)}}
	sorted := SortAscending(msgs)
	got := []string{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	if !reflect.DeepEqual(got, []string{"b", "c", "a"}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestSortAscendingIdempotent(t *testing.T) {
	msgs := []Message{{ID: "a", Timestamp: ts(5)}, {ID: "b", Timestamp: ts(1)}, {ID: "c", Timestamp: ts(3)}}
	once := SortAscending(msgs)
	twice := SortAscending(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("sort is not idempotent: %v vs %v", once, twice)
	}
}

func TestSortAscendingStableOnTies(t *testing.T) {
	msgs := []Message{{ID: "first", Timestamp: ts(2)}, {ID: "second", Timestamp: ts(2)}, {ID: "earliest", Timestamp: ts(1)}}
	sorted := SortAscending(msgs)
	if sorted[1].ID != "first" || sorted[2].ID != "second" {
		t.Fatalf("tie order not preserved: %#v", sorted)
	}
}

func TestMergeDeliveryStateNeverDemotes(t *testing.T) {
	if got := MergeDeliveryState(DeliverySent, DeliveryPending); got != DeliverySent {
		t.Fatalf("sent demoted to %q", got)
	}
	if got := MergeDeliveryState(DeliveryPending, DeliverySent); got != DeliverySent {
		t.Fatalf("expected sent, got %q", got)
	}
	if got := MergeDeliveryState(DeliverySent, DeliveryFailed); got != DeliveryFailed {
		t.Fatalf("expected failed, got %q", got)
	}
}

func TestNormalizeConversationDefaultsState(t *testing.T) {
	conv := NormalizeConversation(Conversation{ID: " r1 ", CaseID: " case_x ", State: "bogus"})
	if conv.ID != "r1" || conv.CaseID != "case_x" {
		t.Fatalf("unexpected conversation: %#v", conv)
	}
	if conv.State != RoomStateUnresolved {
		t.Fatalf("unexpected state: %q", conv.State)
	}
}
