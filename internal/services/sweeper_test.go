package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/executor"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/projector"
	"github.com/tidelock/conversant-backend/internal/repos"
	"github.com/tidelock/conversant-backend/internal/types"
)

func TestSweepOnceFailsOnlyStaleStreams(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&types.EventRecord{},
		&types.Conversation{},
		&types.Message{},
		&types.MessageChunk{},
		&types.ToolCall{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.NewNop()
	store := eventstore.NewStore(db, log)
	exec := executor.New(store, log)
	conversations := repos.NewConversationRepo(db, log)
	messages := repos.NewMessageRepo(db, log)
	chunks := repos.NewMessageChunkRepo(db, log)
	toolCalls := repos.NewToolCallRepo(db, log)
	proj := projector.New(store, conversations, messages, chunks, toolCalls, log)

	ctx := context.Background()
	startStreaming := func() uuid.UUID {
		id := uuid.New()
		cmds := []conversation.Command{
			conversation.CreateConversation{ConversationID: id, UserID: uuid.New(), Title: "T", Model: "m"},
			conversation.AddUserMessage{MessageID: uuid.New(), Content: "hi"},
			conversation.StartAssistantStream{MessageID: uuid.New(), Model: "m"},
		}
		for _, cmd := range cmds {
			_, stored, err := exec.Execute(ctx, id, cmd)
			if err != nil {
				t.Fatalf("seed %T: %v", cmd, err)
			}
			if err := proj.ApplyAll(ctx, stored); err != nil {
				t.Fatalf("project %T: %v", cmd, err)
			}
		}
		return id
	}

	stale := startStreaming()
	fresh := startStreaming()

	// Backdate the stale one past the threshold.
	err = db.Model(&types.Conversation{}).Where("id = ?", stale).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	sweeper := NewSweeper(conversations, exec, proj, time.Minute, 5*time.Minute, log)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	staleConv, err := conversations.GetByID(ctx, nil, stale)
	if err != nil {
		t.Fatalf("stale row: %v", err)
	}
	if staleConv.Status != "active" {
		t.Fatalf("stale stream not reconciled, status %q", staleConv.Status)
	}
	staleMsgs, err := messages.GetByConversationID(ctx, nil, stale)
	if err != nil {
		t.Fatalf("stale messages: %v", err)
	}
	var failed *types.Message
	for _, m := range staleMsgs {
		if m.Status == types.MessageStatusFailed {
			failed = m
		}
	}
	if failed == nil {
		t.Fatalf("expected a failed message, got %+v", staleMsgs)
	}
	if failed.ErrorType == nil || *failed.ErrorType != "stream_orphaned" {
		t.Fatalf("expected stream_orphaned, got %v", failed.ErrorType)
	}

	freshConv, err := conversations.GetByID(ctx, nil, fresh)
	if err != nil {
		t.Fatalf("fresh row: %v", err)
	}
	if freshConv.Status != "streaming" {
		t.Fatalf("fresh stream must be untouched, status %q", freshConv.Status)
	}
}
