package conversation

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/events"
)

func activeState(t *testing.T) State {
	t.Helper()
	s := NewState()
	evs, err := Handle(s, CreateConversation{
		ConversationID: uuid.New(),
		UserID:         uuid.New(),
		Title:          "T",
		Model:          "m",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, ev := range evs {
		s = Apply(s, ev)
	}
	return s
}

func applyAll(s State, evs []events.Event) State {
	for _, ev := range evs {
		s = Apply(s, ev)
	}
	return s
}

func mustHandle(t *testing.T, s State, cmd Command) (State, []events.Event) {
	t.Helper()
	evs, err := Handle(s, cmd)
	if err != nil {
		t.Fatalf("handle %T: %v", cmd, err)
	}
	return applyAll(s, evs), evs
}

func streamingState(t *testing.T) State {
	t.Helper()
	s := activeState(t)
	s, _ = mustHandle(t, s, AddUserMessage{MessageID: uuid.New(), Content: "hi"})
	s, _ = mustHandle(t, s, StartAssistantStream{MessageID: uuid.New(), Model: "m"})
	return s
}

func archivedState(t *testing.T) State {
	t.Helper()
	s := activeState(t)
	s, _ = mustHandle(t, s, Archive{})
	return s
}

func TestHandle_IllegalStatePairs(t *testing.T) {
	created := NewState()
	active := activeState(t)
	streaming := streamingState(t)
	archived := archivedState(t)

	cases := []struct {
		name string
		s    State
		cmd  Command
		code ErrorCode
	}{
		{"create twice (active)", active, CreateConversation{}, CodeAlreadyCreated},
		{"create twice (streaming)", streaming, CreateConversation{}, CodeAlreadyCreated},
		{"create twice (archived)", archived, CreateConversation{}, CodeAlreadyCreated},
		{"add message before create", created, AddUserMessage{MessageID: uuid.New()}, CodeNotCreated},
		{"add message while streaming", streaming, AddUserMessage{MessageID: uuid.New()}, CodeCurrentlyStreaming},
		{"add message after archive", archived, AddUserMessage{MessageID: uuid.New()}, CodeConversationArchived},
		{"start stream before create", created, StartAssistantStream{MessageID: uuid.New()}, CodeNotCreated},
		{"start stream while streaming", streaming, StartAssistantStream{MessageID: uuid.New()}, CodeAlreadyStreaming},
		{"start stream after archive", archived, StartAssistantStream{MessageID: uuid.New()}, CodeConversationArchived},
		{"chunk before create", created, ReceiveChunk{Content: "x"}, CodeNotStreaming},
		{"chunk while active", active, ReceiveChunk{Content: "x"}, CodeNotStreaming},
		{"chunk after archive", archived, ReceiveChunk{Content: "x"}, CodeNotStreaming},
		{"complete while active", active, CompleteStream{}, CodeNotStreaming},
		{"fail while active", active, FailStream{}, CodeNotStreaming},
		{"tool start while active", active, StartToolCall{CallID: "c"}, CodeNotStreaming},
		{"title after archive", archived, UpdateTitle{Title: "x"}, CodeConversationArchived},
		{"archive twice", archived, Archive{}, CodeAlreadyArchived},
		{"truncate before create", created, TruncateConversation{MessageID: uuid.New()}, CodeNoMessages},
		{"truncate after archive", archived, TruncateConversation{MessageID: uuid.New()}, CodeConversationArchived},
		{"truncate missing message", active, TruncateConversation{MessageID: uuid.New()}, CodeMessageNotFound},
		{"fork while streaming", streaming, ForkConversation{}, CodeCurrentlyStreaming},
		{"fork after archive", archived, ForkConversation{}, CodeConversationArchived},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evs, err := Handle(tc.s, tc.cmd)
			if err == nil {
				t.Fatalf("expected error code %s, got nil", tc.code)
			}
			if !IsCode(err, tc.code) {
				t.Fatalf("expected code %s, got %v", tc.code, err)
			}
			if len(evs) != 0 {
				t.Fatalf("rejected command must produce no events, got %d", len(evs))
			}
		})
	}
}

func TestHandle_FullStreamScenario(t *testing.T) {
	convID := uuid.New()
	userID := uuid.New()
	userMsgID := uuid.New()
	asstMsgID := uuid.New()

	s := NewState()
	s, _ = mustHandle(t, s, CreateConversation{ConversationID: convID, UserID: userID, Title: "T", Model: "m"})
	s, _ = mustHandle(t, s, AddUserMessage{MessageID: userMsgID, Content: "hi"})
	s, _ = mustHandle(t, s, StartAssistantStream{MessageID: asstMsgID, Model: "m"})

	evs, err := Handle(s, ReceiveChunk{Content: "Hel", BlockIndex: 0})
	if err != nil {
		t.Fatalf("receive_chunk: %v", err)
	}
	chunk := evs[0].(events.AssistantChunkReceived)
	if chunk.ChunkIndex != 0 || chunk.MessageID != asstMsgID {
		t.Fatalf("unexpected chunk event: %+v", chunk)
	}
	s = applyAll(s, evs)

	s, _ = mustHandle(t, s, CompleteStream{FullContent: "Hello!", StopReason: "end_turn"})

	if s.Status != StatusActive {
		t.Fatalf("expected active, got %s", s.Status)
	}
	if s.CurrentStream != nil {
		t.Fatalf("expected no current stream")
	}
	if len(s.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(s.Messages))
	}
	if s.Messages[0].Role != RoleUser || s.Messages[0].Content != "hi" {
		t.Fatalf("unexpected first message: %+v", s.Messages[0])
	}
	if s.Messages[1].Role != RoleAssistant || s.Messages[1].Content != "Hello!" || s.Messages[1].StopReason != "end_turn" {
		t.Fatalf("unexpected second message: %+v", s.Messages[1])
	}
}

func TestHandle_ChunkIndexIncrements(t *testing.T) {
	s := streamingState(t)
	for want := 0; want < 3; want++ {
		evs, err := Handle(s, ReceiveChunk{Content: "x"})
		if err != nil {
			t.Fatalf("chunk %d: %v", want, err)
		}
		got := evs[0].(events.AssistantChunkReceived).ChunkIndex
		if got != want {
			t.Fatalf("expected chunk index %d, got %d", want, got)
		}
		s = applyAll(s, evs)
	}
}

func TestHandle_FailStreamLeavesNoMessage(t *testing.T) {
	s := streamingState(t)
	before := len(s.Messages)
	s, _ = mustHandle(t, s, FailStream{ErrorType: "request_error", ErrorMessage: "boom"})
	if s.Status != StatusActive || s.CurrentStream != nil {
		t.Fatalf("expected active with no current stream, got %s", s.Status)
	}
	if len(s.Messages) != before {
		t.Fatalf("failed stream must not append a message")
	}
}

func TestHandle_CompleteToolCallWithoutStreamIsNoop(t *testing.T) {
	s := activeState(t)
	evs, err := Handle(s, CompleteToolCall{CallID: "call_1"})
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected no events, got %d", len(evs))
	}
}

func TestHandle_ToolCallLifecycle(t *testing.T) {
	s := streamingState(t)
	s, _ = mustHandle(t, s, StartToolCall{CallID: "call_1", Name: "search", Input: map[string]any{"q": "go"}})
	if len(s.CurrentStream.ToolCalls) != 1 || s.CurrentStream.ToolCalls[0].Status != "started" {
		t.Fatalf("unexpected tool calls: %+v", s.CurrentStream.ToolCalls)
	}
	s, _ = mustHandle(t, s, CompleteToolCall{CallID: "call_1", Output: map[string]any{"hits": float64(3)}})
	tc := s.CurrentStream.ToolCalls[0]
	if tc.Status != "completed" || tc.IsError {
		t.Fatalf("unexpected completed call: %+v", tc)
	}
}

func TestHandle_TruncateRemovesSuffix(t *testing.T) {
	s := activeState(t)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		s, _ = mustHandle(t, s, AddUserMessage{MessageID: id, Content: "m"})
	}
	s, _ = mustHandle(t, s, TruncateConversation{MessageID: ids[1]})
	if len(s.Messages) != 1 {
		t.Fatalf("expected 1 message after truncate, got %d", len(s.Messages))
	}
	if s.Messages[0].ID != ids[0] {
		t.Fatalf("wrong surviving message")
	}
}

func TestHandle_TruncateWhileStreamingCancelsStream(t *testing.T) {
	s := streamingState(t)
	target := s.Messages[0].ID
	s, _ = mustHandle(t, s, TruncateConversation{MessageID: target})
	if s.Status != StatusActive {
		t.Fatalf("expected active after truncate, got %s", s.Status)
	}
	if s.CurrentStream != nil {
		t.Fatalf("expected in-flight stream cancelled")
	}
	if len(s.Messages) != 0 {
		t.Fatalf("expected all messages removed, got %d", len(s.Messages))
	}
}

func TestReplay_IsDeterministic(t *testing.T) {
	convID := uuid.New()
	userID := uuid.New()
	msgID := uuid.New()
	asstID := uuid.New()
	in := 5
	out := 9

	history := []events.Event{
		events.ConversationCreated{ConversationID: convID, UserID: userID, Title: "T", Model: "m"},
		events.UserMessageAdded{MessageID: msgID, Content: "hi"},
		events.AssistantStreamStarted{MessageID: asstID, Model: "m"},
		events.AssistantChunkReceived{MessageID: asstID, Content: "He", ChunkIndex: 0},
		events.AssistantChunkReceived{MessageID: asstID, Content: "llo", ChunkIndex: 1},
		events.ToolCallStarted{CallID: "c1", Name: "search", Input: map[string]any{"q": "x"}},
		events.ToolCallCompleted{CallID: "c1", Output: map[string]any{"ok": true}},
		events.AssistantStreamCompleted{MessageID: asstID, FullContent: "Hello", StopReason: "end_turn", InputTokens: &in, OutputTokens: &out},
		events.ConversationTitleUpdated{Title: "T2"},
	}

	a := Replay(history)
	b := Replay(history)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("independent replays diverged:\n%+v\n%+v", a, b)
	}
	if a.Title != "T2" || a.Status != StatusActive || len(a.Messages) != 2 {
		t.Fatalf("unexpected replayed state: %+v", a)
	}
}

func TestApply_InvariantCurrentStreamIffStreaming(t *testing.T) {
	s := streamingState(t)
	if s.Status != StatusStreaming || s.CurrentStream == nil {
		t.Fatalf("streaming state must carry a current stream")
	}
	s, _ = mustHandle(t, s, Archive{})
	if s.CurrentStream != nil {
		t.Fatalf("archived state must not carry a current stream")
	}
}
