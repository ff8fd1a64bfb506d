package conversation

import (
	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/events"
)

// Status is the conversation lifecycle status.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusStreaming Status = "streaming"
	StatusArchived  Status = "archived"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation as the aggregate sees it.
// Messages are appended, never mutated in place, except for the single
// in-flight assistant message and truncation.
type Message struct {
	ID           uuid.UUID
	Role         string
	Content      string
	StopReason   string
	InputTokens  *int
	OutputTokens *int
	LatencyMS    *int
	Citations    []any
	Position     int
}

// ToolInvocation tracks one tool call inside the current stream.
type ToolInvocation struct {
	CallID  string
	Name    string
	Input   map[string]any
	Output  map[string]any
	IsError bool
	Status  string // "started" | "completed"
}

// CurrentStream exists exactly while the conversation status is streaming.
type CurrentStream struct {
	MessageID uuid.UUID
	Model     string
	Chunks    []string
	ToolCalls []ToolInvocation
}

// ForkLineage records where a forked conversation's history came from.
type ForkLineage struct {
	ParentStreamID    uuid.UUID
	ParentVersion     int
	ForkedAtMessageID uuid.UUID
}

// State is the aggregate's in-memory shape. It is a disposable cache:
// replaying the event history through Apply always rebuilds it.
type State struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Title         string
	Model         string
	SystemPrompt  string
	Status        Status
	Messages      []Message
	CurrentStream *CurrentStream
	ForkedFrom    *ForkLineage
	// LatestToolConfig is the tool config attached to the most recent user
	// message; the orchestrator reads it, the aggregate never interprets it.
	LatestToolConfig map[string]any
}

// NewState returns the initial (pre-creation) state.
func NewState() State {
	return State{Status: StatusCreated}
}

// Apply folds one event into the state. It is pure and deterministic:
// the same event sequence from NewState always yields identical state.
func Apply(s State, ev events.Event) State {
	switch e := ev.(type) {
	case events.ConversationCreated:
		s.ID = e.ConversationID
		s.UserID = e.UserID
		s.Title = e.Title
		s.Model = e.Model
		s.SystemPrompt = e.SystemPrompt
		s.Status = StatusActive

	case events.UserMessageAdded:
		msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
		copy(msgs, s.Messages)
		s.Messages = append(msgs, Message{
			ID:       e.MessageID,
			Role:     RoleUser,
			Content:  e.Content,
			Position: len(s.Messages),
		})
		s.LatestToolConfig = e.ToolConfig

	case events.AssistantStreamStarted:
		s.Status = StatusStreaming
		s.CurrentStream = &CurrentStream{
			MessageID: e.MessageID,
			Model:     e.Model,
		}

	case events.AssistantChunkReceived:
		if s.CurrentStream == nil || s.CurrentStream.MessageID != e.MessageID {
			return s
		}
		cs := *s.CurrentStream
		chunks := make([]string, len(cs.Chunks), len(cs.Chunks)+1)
		copy(chunks, cs.Chunks)
		cs.Chunks = append(chunks, e.Content)
		s.CurrentStream = &cs

	case events.AssistantStreamCompleted:
		msgs := make([]Message, len(s.Messages), len(s.Messages)+1)
		copy(msgs, s.Messages)
		s.Messages = append(msgs, Message{
			ID:           e.MessageID,
			Role:         RoleAssistant,
			Content:      e.FullContent,
			StopReason:   e.StopReason,
			InputTokens:  e.InputTokens,
			OutputTokens: e.OutputTokens,
			LatencyMS:    e.LatencyMS,
			Citations:    e.Citations,
			Position:     len(s.Messages),
		})
		s.Status = StatusActive
		s.CurrentStream = nil

	case events.AssistantStreamFailed:
		s.Status = StatusActive
		s.CurrentStream = nil

	case events.ToolCallStarted:
		if s.CurrentStream == nil {
			return s
		}
		cs := *s.CurrentStream
		calls := make([]ToolInvocation, len(cs.ToolCalls), len(cs.ToolCalls)+1)
		copy(calls, cs.ToolCalls)
		cs.ToolCalls = append(calls, ToolInvocation{
			CallID: e.CallID,
			Name:   e.Name,
			Input:  e.Input,
			Status: "started",
		})
		s.CurrentStream = &cs

	case events.ToolCallCompleted:
		if s.CurrentStream == nil {
			return s
		}
		cs := *s.CurrentStream
		calls := make([]ToolInvocation, len(cs.ToolCalls))
		copy(calls, cs.ToolCalls)
		for i := range calls {
			if calls[i].CallID == e.CallID {
				calls[i].Output = e.Output
				calls[i].IsError = e.IsError
				calls[i].Status = "completed"
			}
		}
		cs.ToolCalls = calls
		s.CurrentStream = &cs

	case events.ConversationForked:
		s.ForkedFrom = &ForkLineage{
			ParentStreamID:    e.ParentStreamID,
			ParentVersion:     e.ParentVersion,
			ForkedAtMessageID: e.ForkedAtMessageID,
		}

	case events.ConversationTitleUpdated:
		s.Title = e.Title

	case events.ConversationArchived:
		s.Status = StatusArchived
		s.CurrentStream = nil

	case events.ConversationTruncated:
		idx := -1
		for i, m := range s.Messages {
			if m.ID == e.MessageID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			msgs := make([]Message, idx)
			copy(msgs, s.Messages[:idx])
			s.Messages = msgs
		}
		if s.Status == StatusStreaming {
			s.Status = StatusActive
			s.CurrentStream = nil
		}
	}
	return s
}

// Replay folds an ordered event list from the initial state.
func Replay(evs []events.Event) State {
	s := NewState()
	for _, ev := range evs {
		s = Apply(s, ev)
	}
	return s
}
