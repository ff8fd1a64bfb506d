package events

import (
	"github.com/google/uuid"
)

// Type is the stable wire name of a domain event. These names are part of
// the compatibility surface toward the projector and every other consumer of
// the log; renaming one requires a registry-level migration.
type Type string

const (
	TypeConversationCreated      Type = "ConversationCreated"
	TypeUserMessageAdded         Type = "UserMessageAdded"
	TypeAssistantStreamStarted   Type = "AssistantStreamStarted"
	TypeAssistantChunkReceived   Type = "AssistantChunkReceived"
	TypeAssistantStreamCompleted Type = "AssistantStreamCompleted"
	TypeAssistantStreamFailed    Type = "AssistantStreamFailed"
	TypeToolCallStarted          Type = "ToolCallStarted"
	TypeToolCallCompleted        Type = "ToolCallCompleted"
	TypeConversationForked       Type = "ConversationForked"
	TypeConversationTitleUpdated Type = "ConversationTitleUpdated"
	TypeConversationArchived     Type = "ConversationArchived"
	TypeConversationTruncated    Type = "ConversationTruncated"
)

// Event is the sealed union of domain event payloads. Every variant pairs a
// stable Type with an explicit Serialize/deserialize codec (see registry.go).
type Event interface {
	EventType() Type
	Serialize() map[string]any
}

type ConversationCreated struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Title          string
	Model          string
	SystemPrompt   string
}

func (ConversationCreated) EventType() Type { return TypeConversationCreated }

func (e ConversationCreated) Serialize() map[string]any {
	m := map[string]any{
		"conversation_id": e.ConversationID.String(),
		"user_id":         e.UserID.String(),
		"title":           e.Title,
		"model":           e.Model,
	}
	if e.SystemPrompt != "" {
		m["system_prompt"] = e.SystemPrompt
	}
	return m
}

type UserMessageAdded struct {
	MessageID uuid.UUID
	Content   string
	// ToolConfig is opaque to the aggregate; the orchestrator interprets it.
	ToolConfig map[string]any
}

func (UserMessageAdded) EventType() Type { return TypeUserMessageAdded }

func (e UserMessageAdded) Serialize() map[string]any {
	m := map[string]any{
		"message_id": e.MessageID.String(),
		"content":    e.Content,
	}
	if e.ToolConfig != nil {
		m["tool_config"] = e.ToolConfig
	}
	return m
}

type AssistantStreamStarted struct {
	MessageID uuid.UUID
	Model     string
}

func (AssistantStreamStarted) EventType() Type { return TypeAssistantStreamStarted }

func (e AssistantStreamStarted) Serialize() map[string]any {
	return map[string]any{
		"message_id": e.MessageID.String(),
		"model":      e.Model,
	}
}

type AssistantChunkReceived struct {
	MessageID  uuid.UUID
	Content    string
	ChunkIndex int
	BlockIndex int
}

func (AssistantChunkReceived) EventType() Type { return TypeAssistantChunkReceived }

func (e AssistantChunkReceived) Serialize() map[string]any {
	return map[string]any{
		"message_id":  e.MessageID.String(),
		"content":     e.Content,
		"chunk_index": e.ChunkIndex,
		"block_index": e.BlockIndex,
	}
}

type AssistantStreamCompleted struct {
	MessageID    uuid.UUID
	FullContent  string
	StopReason   string
	InputTokens  *int
	OutputTokens *int
	LatencyMS    *int
	Citations    []any
}

func (AssistantStreamCompleted) EventType() Type { return TypeAssistantStreamCompleted }

func (e AssistantStreamCompleted) Serialize() map[string]any {
	m := map[string]any{
		"message_id":   e.MessageID.String(),
		"full_content": e.FullContent,
		"stop_reason":  e.StopReason,
	}
	if e.InputTokens != nil {
		m["input_tokens"] = *e.InputTokens
	}
	if e.OutputTokens != nil {
		m["output_tokens"] = *e.OutputTokens
	}
	if e.LatencyMS != nil {
		m["latency_ms"] = *e.LatencyMS
	}
	if e.Citations != nil {
		m["citations"] = e.Citations
	}
	return m
}

type AssistantStreamFailed struct {
	MessageID    uuid.UUID
	ErrorType    string
	ErrorMessage string
	RetryCount   int
}

func (AssistantStreamFailed) EventType() Type { return TypeAssistantStreamFailed }

func (e AssistantStreamFailed) Serialize() map[string]any {
	return map[string]any{
		"message_id":    e.MessageID.String(),
		"error_type":    e.ErrorType,
		"error_message": e.ErrorMessage,
		"retry_count":   e.RetryCount,
	}
}

type ToolCallStarted struct {
	CallID string
	Name   string
	Input  map[string]any
}

func (ToolCallStarted) EventType() Type { return TypeToolCallStarted }

func (e ToolCallStarted) Serialize() map[string]any {
	m := map[string]any{
		"call_id": e.CallID,
		"name":    e.Name,
	}
	if e.Input != nil {
		m["input"] = e.Input
	}
	return m
}

type ToolCallCompleted struct {
	CallID  string
	Output  map[string]any
	IsError bool
}

func (ToolCallCompleted) EventType() Type { return TypeToolCallCompleted }

func (e ToolCallCompleted) Serialize() map[string]any {
	m := map[string]any{
		"call_id":  e.CallID,
		"is_error": e.IsError,
	}
	if e.Output != nil {
		m["output"] = e.Output
	}
	return m
}

type ConversationForked struct {
	ParentStreamID    uuid.UUID
	ParentVersion     int
	ForkedAtMessageID uuid.UUID
}

func (ConversationForked) EventType() Type { return TypeConversationForked }

func (e ConversationForked) Serialize() map[string]any {
	return map[string]any{
		"parent_stream_id":     e.ParentStreamID.String(),
		"parent_version":       e.ParentVersion,
		"forked_at_message_id": e.ForkedAtMessageID.String(),
	}
}

type ConversationTitleUpdated struct {
	Title string
}

func (ConversationTitleUpdated) EventType() Type { return TypeConversationTitleUpdated }

func (e ConversationTitleUpdated) Serialize() map[string]any {
	return map[string]any{"title": e.Title}
}

type ConversationArchived struct{}

func (ConversationArchived) EventType() Type { return TypeConversationArchived }

func (e ConversationArchived) Serialize() map[string]any {
	return map[string]any{}
}

type ConversationTruncated struct {
	MessageID uuid.UUID
}

func (ConversationTruncated) EventType() Type { return TypeConversationTruncated }

func (e ConversationTruncated) Serialize() map[string]any {
	return map[string]any{"message_id": e.MessageID.String()}
}
