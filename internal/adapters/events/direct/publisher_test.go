package direct

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/storage/memory"
)

func TestNewPublisher_NilStorage(t *testing.T) {
	_, err := NewPublisher(nil)
	if err == nil {
		t.Fatal("Expected error for nil storage")
	}
	if err.Error() != "storage provider required" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestPublish(t *testing.T) {
	store := memory.New()
	publisher, err := NewPublisher(store)
	if err != nil {
		t.Fatalf("NewPublisher failed: %v", err)
	}
	ctx := context.Background()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	err = publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:         domain.LifecycleEventStarted,
		InvocationID: "inv-123",
		Timestamp:    ts,
		Data:         domain.LifecycleStartedData{Executable: "/srv/cgi/a.sh", PID: 99},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	err = publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:         domain.LifecycleEventCompleted,
		InvocationID: "inv-123",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events, _ := store.ListInvocationEvents(ctx, "inv-123")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != "invocation.started" || !events[0].CreatedAt.Equal(ts) {
		t.Errorf("event[0] = %+v", events[0])
	}
	var data domain.LifecycleStartedData
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.PID != 99 || data.Executable != "/srv/cgi/a.sh" {
		t.Errorf("data = %+v", data)
	}
	if events[1].Data != nil {
		t.Errorf("nil data stored as %q", events[1].Data)
	}
	if events[1].CreatedAt.IsZero() {
		t.Error("zero timestamp not defaulted")
	}
}

func TestPublish_UnmarshalableData(t *testing.T) {
	publisher, _ := NewPublisher(memory.New())
	err := publisher.Publish(context.Background(), &domain.LifecycleEvent{
		Type:         domain.LifecycleEventFailed,
		InvocationID: "inv-1",
		Data:         make(chan int),
	})
	if err == nil {
		t.Error("Publish() error = nil for unmarshalable data")
	}
}

func TestClose(t *testing.T) {
	publisher, _ := NewPublisher(memory.New())
	if err := publisher.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
