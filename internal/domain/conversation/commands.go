package conversation

import (
	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/events"
)

// Command is the sealed set of requests that can change aggregate state.
// Handle validates a command against current state before any event exists.
type Command interface {
	isCommand()
}

type CreateConversation struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Title          string
	Model          string
	SystemPrompt   string
}

type AddUserMessage struct {
	MessageID  uuid.UUID
	Content    string
	ToolConfig map[string]any
}

type StartAssistantStream struct {
	MessageID uuid.UUID
	Model     string
}

type ReceiveChunk struct {
	Content    string
	BlockIndex int
}

type CompleteStream struct {
	FullContent  string
	StopReason   string
	InputTokens  *int
	OutputTokens *int
	LatencyMS    *int
	Citations    []any
}

type FailStream struct {
	ErrorType    string
	ErrorMessage string
	RetryCount   int
}

type StartToolCall struct {
	CallID string
	Name   string
	Input  map[string]any
}

type CompleteToolCall struct {
	CallID  string
	Output  map[string]any
	IsError bool
}

type UpdateTitle struct {
	Title string
}

type Archive struct{}

type TruncateConversation struct {
	MessageID uuid.UUID
}

type ForkConversation struct {
	ParentStreamID    uuid.UUID
	ParentVersion     int
	ForkedAtMessageID uuid.UUID
}

func (CreateConversation) isCommand()   {}
func (AddUserMessage) isCommand()       {}
func (StartAssistantStream) isCommand() {}
func (ReceiveChunk) isCommand()         {}
func (CompleteStream) isCommand()       {}
func (FailStream) isCommand()           {}
func (StartToolCall) isCommand()        {}
func (CompleteToolCall) isCommand()     {}
func (UpdateTitle) isCommand()          {}
func (Archive) isCommand()              {}
func (TruncateConversation) isCommand() {}
func (ForkConversation) isCommand()     {}

// Handle validates cmd against s and returns the events it produces.
// It is pure: no side effects, no clock, no randomness.
func Handle(s State, cmd Command) ([]events.Event, error) {
	switch c := cmd.(type) {
	case CreateConversation:
		if s.Status != StatusCreated {
			return nil, NewError(CodeAlreadyCreated, "conversation.create", "conversation already created", nil)
		}
		return []events.Event{events.ConversationCreated{
			ConversationID: c.ConversationID,
			UserID:         c.UserID,
			Title:          c.Title,
			Model:          c.Model,
			SystemPrompt:   c.SystemPrompt,
		}}, nil

	case AddUserMessage:
		switch s.Status {
		case StatusArchived:
			return nil, NewError(CodeConversationArchived, "conversation.add_user_message", "conversation is archived", nil)
		case StatusStreaming:
			return nil, NewError(CodeCurrentlyStreaming, "conversation.add_user_message", "a stream is in flight", nil)
		case StatusCreated:
			return nil, NewError(CodeNotCreated, "conversation.add_user_message", "conversation does not exist yet", nil)
		}
		return []events.Event{events.UserMessageAdded{
			MessageID:  c.MessageID,
			Content:    c.Content,
			ToolConfig: c.ToolConfig,
		}}, nil

	case StartAssistantStream:
		switch s.Status {
		case StatusArchived:
			return nil, NewError(CodeConversationArchived, "conversation.start_stream", "conversation is archived", nil)
		case StatusStreaming:
			return nil, NewError(CodeAlreadyStreaming, "conversation.start_stream", "a stream is already in flight", nil)
		case StatusCreated:
			return nil, NewError(CodeNotCreated, "conversation.start_stream", "conversation does not exist yet", nil)
		}
		return []events.Event{events.AssistantStreamStarted{
			MessageID: c.MessageID,
			Model:     c.Model,
		}}, nil

	case ReceiveChunk:
		if s.Status != StatusStreaming || s.CurrentStream == nil {
			return nil, NewError(CodeNotStreaming, "conversation.receive_chunk", "no stream in flight", nil)
		}
		return []events.Event{events.AssistantChunkReceived{
			MessageID:  s.CurrentStream.MessageID,
			Content:    c.Content,
			ChunkIndex: len(s.CurrentStream.Chunks),
			BlockIndex: c.BlockIndex,
		}}, nil

	case CompleteStream:
		if s.Status != StatusStreaming || s.CurrentStream == nil {
			return nil, NewError(CodeNotStreaming, "conversation.complete_stream", "no stream in flight", nil)
		}
		return []events.Event{events.AssistantStreamCompleted{
			MessageID:    s.CurrentStream.MessageID,
			FullContent:  c.FullContent,
			StopReason:   c.StopReason,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			LatencyMS:    c.LatencyMS,
			Citations:    c.Citations,
		}}, nil

	case FailStream:
		if s.Status != StatusStreaming || s.CurrentStream == nil {
			return nil, NewError(CodeNotStreaming, "conversation.fail_stream", "no stream in flight", nil)
		}
		return []events.Event{events.AssistantStreamFailed{
			MessageID:    s.CurrentStream.MessageID,
			ErrorType:    c.ErrorType,
			ErrorMessage: c.ErrorMessage,
			RetryCount:   c.RetryCount,
		}}, nil

	case StartToolCall:
		if s.Status != StatusStreaming || s.CurrentStream == nil {
			return nil, NewError(CodeNotStreaming, "conversation.start_tool_call", "no stream in flight", nil)
		}
		return []events.Event{events.ToolCallStarted{
			CallID: c.CallID,
			Name:   c.Name,
			Input:  c.Input,
		}}, nil

	case CompleteToolCall:
		// Late or duplicate delivery after the stream closed is accepted as
		// a no-op: the manual-approval flow can resolve after completion.
		if s.CurrentStream == nil {
			return nil, nil
		}
		return []events.Event{events.ToolCallCompleted{
			CallID:  c.CallID,
			Output:  c.Output,
			IsError: c.IsError,
		}}, nil

	case UpdateTitle:
		if s.Status == StatusArchived {
			return nil, NewError(CodeConversationArchived, "conversation.update_title", "conversation is archived", nil)
		}
		return []events.Event{events.ConversationTitleUpdated{Title: c.Title}}, nil

	case Archive:
		if s.Status == StatusArchived {
			return nil, NewError(CodeAlreadyArchived, "conversation.archive", "conversation already archived", nil)
		}
		return []events.Event{events.ConversationArchived{}}, nil

	case TruncateConversation:
		switch s.Status {
		case StatusCreated:
			return nil, NewError(CodeNoMessages, "conversation.truncate", "conversation has no messages", nil)
		case StatusArchived:
			return nil, NewError(CodeConversationArchived, "conversation.truncate", "conversation is archived", nil)
		}
		found := false
		for _, m := range s.Messages {
			if m.ID == c.MessageID {
				found = true
				break
			}
		}
		if !found {
			return nil, NewError(CodeMessageNotFound, "conversation.truncate", "target message not found", nil)
		}
		return []events.Event{events.ConversationTruncated{MessageID: c.MessageID}}, nil

	case ForkConversation:
		switch s.Status {
		case StatusArchived:
			return nil, NewError(CodeConversationArchived, "conversation.fork", "conversation is archived", nil)
		case StatusStreaming:
			return nil, NewError(CodeCurrentlyStreaming, "conversation.fork", "a stream is in flight", nil)
		}
		return []events.Event{events.ConversationForked{
			ParentStreamID:    c.ParentStreamID,
			ParentVersion:     c.ParentVersion,
			ForkedAtMessageID: c.ForkedAtMessageID,
		}}, nil
	}
	return nil, NewError(CodeNotCreated, "conversation.handle", "unrecognized command", nil)
}
