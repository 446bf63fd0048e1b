package audit

import (
	"context"
	"testing"
	"time"

	"chatops-agent/internal/storage"

	"go.uber.org/zap"
)

func TestRecordPersists(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := NewLogger(store, zap.NewNop())
	logger.Record(context.Background(), Event{GuildID: "g1", ChannelID: "c1", UserID: "u1", Action: "logs", Outcome: OutcomeWrongChannel})

	events, err := store.ListActionEvents(context.Background(), "g1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != OutcomeWrongChannel || events[0].UserID != "u1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecordWithoutStore(t *testing.T) {
	var nilLogger *Logger
	nilLogger.Record(context.Background(), Event{Action: "menu"})

	NewLogger(nil, zap.NewNop()).Record(context.Background(), Event{Action: "menu"})
}
