package projector

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tidelock/conversant-backend/internal/events"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/repos"
	"github.com/tidelock/conversant-backend/internal/types"
)

type fixture struct {
	db            *gorm.DB
	store         eventstore.Store
	projector     Projector
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	chunks        repos.MessageChunkRepo
	toolCalls     repos.ToolCallRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
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
	conversations := repos.NewConversationRepo(db, log)
	messages := repos.NewMessageRepo(db, log)
	chunks := repos.NewMessageChunkRepo(db, log)
	toolCalls := repos.NewToolCallRepo(db, log)

	return &fixture{
		db:            db,
		store:         store,
		projector:     New(store, conversations, messages, chunks, toolCalls, log),
		conversations: conversations,
		messages:      messages,
		chunks:        chunks,
		toolCalls:     toolCalls,
	}
}

// seedScenario appends and returns a full successful stream: creation, user
// message, stream start, two chunks, completion with usage.
func (f *fixture) seedScenario(t *testing.T) (streamID, userMsgID, asstMsgID uuid.UUID, stored []eventstore.StoredEvent) {
	t.Helper()
	ctx := context.Background()
	streamID = uuid.New()
	userMsgID = uuid.New()
	asstMsgID = uuid.New()

	in, out := 10, 20
	evs := []events.Event{
		events.ConversationCreated{ConversationID: streamID, UserID: uuid.New(), Title: "T", Model: "m"},
		events.UserMessageAdded{MessageID: userMsgID, Content: "hi"},
		events.AssistantStreamStarted{MessageID: asstMsgID, Model: "m"},
		events.AssistantChunkReceived{MessageID: asstMsgID, Content: "Hel", ChunkIndex: 0},
		events.AssistantChunkReceived{MessageID: asstMsgID, Content: "lo!", ChunkIndex: 1},
		events.AssistantStreamCompleted{
			MessageID:    asstMsgID,
			FullContent:  "Hello!",
			StopReason:   "end_turn",
			InputTokens:  &in,
			OutputTokens: &out,
		},
	}
	stored, err := f.store.AppendEvents(ctx, streamID, 0, evs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return streamID, userMsgID, asstMsgID, stored
}

func TestProjectFullScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	streamID, userMsgID, asstMsgID, stored := f.seedScenario(t)

	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("apply: %v", err)
	}

	conv, err := f.conversations.GetByID(ctx, nil, streamID)
	if err != nil {
		t.Fatalf("conversation row: %v", err)
	}
	if conv.Status != "active" {
		t.Fatalf("expected active, got %q", conv.Status)
	}
	if conv.MessageCount != 2 {
		t.Fatalf("expected 2 messages counted, got %d", conv.MessageCount)
	}

	userMsg, err := f.messages.GetByID(ctx, nil, userMsgID)
	if err != nil {
		t.Fatalf("user message row: %v", err)
	}
	if userMsg.Role != "user" || userMsg.Content != "hi" || userMsg.Position != 0 {
		t.Fatalf("unexpected user row: %+v", userMsg)
	}

	asstMsg, err := f.messages.GetByID(ctx, nil, asstMsgID)
	if err != nil {
		t.Fatalf("assistant message row: %v", err)
	}
	if asstMsg.Status != types.MessageStatusCompleted || asstMsg.Content != "Hello!" || asstMsg.Position != 1 {
		t.Fatalf("unexpected assistant row: %+v", asstMsg)
	}
	if asstMsg.TotalTokens == nil || *asstMsg.TotalTokens != 30 {
		t.Fatalf("expected derived total tokens 30, got %v", asstMsg.TotalTokens)
	}

	chunks, err := f.chunks.GetByMessageID(ctx, nil, asstMsgID)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunk rows, got %d", len(chunks))
	}
}

func TestProjectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	streamID, _, asstMsgID, stored := f.seedScenario(t)

	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var msgCount int64
	f.db.Model(&types.Message{}).Where("conversation_id = ?", streamID).Count(&msgCount)
	if msgCount != 2 {
		t.Fatalf("double apply duplicated messages: %d", msgCount)
	}
	var chunkCount int64
	f.db.Model(&types.MessageChunk{}).Where("message_id = ?", asstMsgID).Count(&chunkCount)
	if chunkCount != 2 {
		t.Fatalf("double apply duplicated chunks: %d", chunkCount)
	}
	conv, err := f.conversations.GetByID(ctx, nil, streamID)
	if err != nil {
		t.Fatalf("conversation row: %v", err)
	}
	if conv.MessageCount != 2 {
		t.Fatalf("double apply inflated message count: %d", conv.MessageCount)
	}
}

func TestProjectFailureDoesNotClobberCompletedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, asstMsgID, stored := f.seedScenario(t)

	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// A late failure event for an already-completed message (sweep racing
	// the real driver) must not flip the row back to failed.
	late := stored[len(stored)-1]
	late.Event = events.AssistantStreamFailed{
		MessageID:    asstMsgID,
		ErrorType:    "stream_orphaned",
		ErrorMessage: "too slow",
	}
	late.Type = events.TypeAssistantStreamFailed
	if err := f.projector.Apply(ctx, late); err != nil {
		t.Fatalf("apply late failure: %v", err)
	}

	msg, err := f.messages.GetByID(ctx, nil, asstMsgID)
	if err != nil {
		t.Fatalf("message row: %v", err)
	}
	if msg.Status != types.MessageStatusCompleted {
		t.Fatalf("late failure clobbered status: %q", msg.Status)
	}
}

func TestProjectSkipsUnknownConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := eventstore.StoredEvent{
		ID:       uuid.New(),
		StreamID: uuid.New(),
		Version:  5,
		Type:     events.TypeAssistantChunkReceived,
		Event:    events.AssistantChunkReceived{MessageID: uuid.New(), Content: "x"},
	}
	if err := f.projector.Apply(ctx, orphan); err != nil {
		t.Fatalf("orphan event must be skipped, got %v", err)
	}
}

func TestProjectToolCallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	streamID := uuid.New()

	evs := []events.Event{
		events.ConversationCreated{ConversationID: streamID, UserID: uuid.New(), Title: "T", Model: "m"},
		events.UserMessageAdded{MessageID: uuid.New(), Content: "hi"},
		events.AssistantStreamStarted{MessageID: uuid.New(), Model: "m"},
		events.ToolCallStarted{CallID: "call_1", Name: "lookup", Input: map[string]any{"q": "x"}},
		events.ToolCallCompleted{CallID: "call_1", Output: map[string]any{"ok": true}},
	}
	stored, err := f.store.AppendEvents(ctx, streamID, 0, evs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("apply: %v", err)
	}

	tc, err := f.toolCalls.GetByCallID(ctx, nil, "call_1")
	if err != nil {
		t.Fatalf("tool call row: %v", err)
	}
	if tc.Status != types.ToolCallStatusCompleted || tc.IsError {
		t.Fatalf("unexpected tool call row: %+v", tc)
	}
	if tc.ConversationID != streamID || tc.Name != "lookup" {
		t.Fatalf("unexpected tool call identity: %+v", tc)
	}
}

func TestRebuildMatchesIncrementalProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	streamID, _, asstMsgID, stored := f.seedScenario(t)

	if err := f.projector.ApplyAll(ctx, stored); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before, err := f.messages.GetByConversationID(ctx, nil, streamID)
	if err != nil {
		t.Fatalf("messages before: %v", err)
	}

	if err := f.projector.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	after, err := f.messages.GetByConversationID(ctx, nil, streamID)
	if err != nil {
		t.Fatalf("messages after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("rebuild changed message count: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID || before[i].Content != after[i].Content ||
			before[i].Status != after[i].Status || before[i].Position != after[i].Position {
			t.Fatalf("rebuild diverged at %d: %+v vs %+v", i, before[i], after[i])
		}
	}

	chunks, err := f.chunks.GetByMessageID(ctx, nil, asstMsgID)
	if err != nil {
		t.Fatalf("chunks after rebuild: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("rebuild lost chunks: %d", len(chunks))
	}
}
