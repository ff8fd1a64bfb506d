package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/events"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.EventRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func sampleEvents(streamID uuid.UUID) []events.Event {
	return []events.Event{
		events.ConversationCreated{
			ConversationID: streamID,
			UserID:         uuid.New(),
			Title:          "T",
			Model:          "m",
		},
		events.UserMessageAdded{MessageID: uuid.New(), Content: "hi"},
	}
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	store := NewStore(openTestDB(t), logger.NewNop())
	ctx := context.Background()
	streamID := uuid.New()

	stored, err := store.AppendEvents(ctx, streamID, 0, sampleEvents(streamID))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	for i, se := range stored {
		if se.Version != i+1 {
			t.Fatalf("event %d has version %d", i, se.Version)
		}
	}

	more, err := store.AppendEvents(ctx, streamID, 2, []events.Event{
		events.AssistantStreamStarted{MessageID: uuid.New(), Model: "m"},
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if more[0].Version != 3 {
		t.Fatalf("expected version 3, got %d", more[0].Version)
	}
}

func TestAppendStaleVersionConflicts(t *testing.T) {
	store := NewStore(openTestDB(t), logger.NewNop())
	ctx := context.Background()
	streamID := uuid.New()

	if _, err := store.AppendEvents(ctx, streamID, 0, sampleEvents(streamID)); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := store.AppendEvents(ctx, streamID, 0, []events.Event{
		events.ConversationTitleUpdated{Title: "late"},
	})
	if !conversation.IsCode(err, conversation.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReadStreamForwardDecodesInOrder(t *testing.T) {
	store := NewStore(openTestDB(t), logger.NewNop())
	ctx := context.Background()
	streamID := uuid.New()

	if _, err := store.AppendEvents(ctx, streamID, 0, sampleEvents(streamID)); err != nil {
		t.Fatalf("append: %v", err)
	}

	read, err := store.ReadStreamForward(ctx, streamID, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 2 {
		t.Fatalf("expected 2 events, got %d", len(read))
	}
	if _, ok := read[0].Event.(events.ConversationCreated); !ok {
		t.Fatalf("expected ConversationCreated first, got %T", read[0].Event)
	}
	added, ok := read[1].Event.(events.UserMessageAdded)
	if !ok {
		t.Fatalf("expected UserMessageAdded second, got %T", read[1].Event)
	}
	if added.Content != "hi" {
		t.Fatalf("payload lost in decode: %+v", added)
	}

	// Streams are isolated.
	other, err := store.ReadStreamForward(ctx, uuid.New(), 0, 0)
	if err != nil {
		t.Fatalf("read other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty stream, got %d", len(other))
	}
}

func TestReadAllForwardBatches(t *testing.T) {
	store := NewStore(openTestDB(t), logger.NewNop())
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	if _, err := store.AppendEvents(ctx, a, 0, sampleEvents(a)); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := store.AppendEvents(ctx, b, 0, sampleEvents(b)); err != nil {
		t.Fatalf("append b: %v", err)
	}

	total := 0
	err := store.ReadAllForward(ctx, 3, func(batch []StoredEvent) error {
		total += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if total != 4 {
		t.Fatalf("expected 4 events across streams, got %d", total)
	}
}
