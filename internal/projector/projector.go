package projector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/events"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/repos"
	"github.com/tidelock/conversant-backend/internal/types"
)

// Projector turns appended events into read-optimized rows. Every update is
// an idempotent upsert keyed by a natural id, so at-least-once delivery and
// full replays are safe. The projection is best-effort: events referencing a
// conversation that was never projected are skipped with a warning, because
// the aggregate stays authoritative and a rebuild self-heals the tables.
type Projector interface {
	Apply(ctx context.Context, se eventstore.StoredEvent) error
	ApplyAll(ctx context.Context, ses []eventstore.StoredEvent) error
	// Rebuild clears all read tables and replays the entire log in
	// (insertion time, per-stream version) order.
	Rebuild(ctx context.Context) error
}

type projector struct {
	store         eventstore.Store
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	chunks        repos.MessageChunkRepo
	toolCalls     repos.ToolCallRepo
	log           *logger.Logger
}

func New(
	store eventstore.Store,
	conversations repos.ConversationRepo,
	messages repos.MessageRepo,
	chunks repos.MessageChunkRepo,
	toolCalls repos.ToolCallRepo,
	baseLog *logger.Logger,
) Projector {
	return &projector{
		store:         store,
		conversations: conversations,
		messages:      messages,
		chunks:        chunks,
		toolCalls:     toolCalls,
		log:           baseLog.With("service", "Projector"),
	}
}

func (p *projector) ApplyAll(ctx context.Context, ses []eventstore.StoredEvent) error {
	for _, se := range ses {
		if err := p.Apply(ctx, se); err != nil {
			return err
		}
	}
	return nil
}

func (p *projector) Apply(ctx context.Context, se eventstore.StoredEvent) error {
	switch e := se.Event.(type) {
	case events.ConversationCreated:
		return p.applyCreated(ctx, se, e)
	case events.UserMessageAdded:
		return p.applyUserMessage(ctx, se, e)
	case events.AssistantStreamStarted:
		return p.applyStreamStarted(ctx, se, e)
	case events.AssistantChunkReceived:
		return p.applyChunk(ctx, se, e)
	case events.AssistantStreamCompleted:
		return p.applyStreamCompleted(ctx, se, e)
	case events.AssistantStreamFailed:
		return p.applyStreamFailed(ctx, se, e)
	case events.ToolCallStarted:
		return p.applyToolStarted(ctx, se, e)
	case events.ToolCallCompleted:
		return p.applyToolCompleted(ctx, se, e)
	case events.ConversationForked:
		return p.applyForked(ctx, se, e)
	case events.ConversationTitleUpdated:
		return p.conversationUpdate(ctx, se, map[string]any{"title": e.Title})
	case events.ConversationArchived:
		now := se.CreatedAt
		return p.conversationUpdate(ctx, se, map[string]any{"status": "archived", "archived_at": &now})
	case events.ConversationTruncated:
		return p.applyTruncated(ctx, se, e)
	default:
		p.log.Warn("No projection for event type", "type", se.Type)
		return nil
	}
}

// loadConversation fetches the projected row, or nil when the conversation
// was never projected (skip-with-warning case).
func (p *projector) loadConversation(ctx context.Context, se eventstore.StoredEvent) (*types.Conversation, error) {
	conv, err := p.conversations.GetByID(ctx, nil, se.StreamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.log.Warn("Skipping event for unprojected conversation",
			"stream_id", se.StreamID, "type", se.Type, "version", se.Version)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *projector) conversationUpdate(ctx context.Context, se eventstore.StoredEvent, fields map[string]any) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, fields)
}

func (p *projector) applyCreated(ctx context.Context, se eventstore.StoredEvent, e events.ConversationCreated) error {
	return p.conversations.Upsert(ctx, nil, &types.Conversation{
		ID:           se.StreamID,
		UserID:       e.UserID,
		Title:        e.Title,
		Model:        e.Model,
		SystemPrompt: e.SystemPrompt,
		Status:       string(conversation.StatusActive),
		CreatedAt:    se.CreatedAt,
		UpdatedAt:    se.CreatedAt,
	})
}

func (p *projector) applyUserMessage(ctx context.Context, se eventstore.StoredEvent, e events.UserMessageAdded) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	if _, err := p.messages.GetByID(ctx, nil, e.MessageID); err == nil {
		return nil // already projected
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	msg := &types.Message{
		ID:             e.MessageID,
		ConversationID: conv.ID,
		Role:           conversation.RoleUser,
		Content:        e.Content,
		Status:         types.MessageStatusCompleted,
		Position:       conv.MessageCount,
		CreatedAt:      se.CreatedAt,
		UpdatedAt:      se.CreatedAt,
	}
	if err := p.messages.Upsert(ctx, nil, msg); err != nil {
		return err
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, map[string]any{
		"message_count": conv.MessageCount + 1,
	})
}

func (p *projector) applyStreamStarted(ctx context.Context, se eventstore.StoredEvent, e events.AssistantStreamStarted) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	if err := p.conversations.UpdateFields(ctx, nil, conv.ID, map[string]any{
		"status": string(conversation.StatusStreaming),
	}); err != nil {
		return err
	}
	if _, err := p.messages.GetByID(ctx, nil, e.MessageID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	msg := &types.Message{
		ID:             e.MessageID,
		ConversationID: conv.ID,
		Role:           conversation.RoleAssistant,
		Status:         types.MessageStatusStreaming,
		Position:       conv.MessageCount,
		CreatedAt:      se.CreatedAt,
		UpdatedAt:      se.CreatedAt,
	}
	if err := p.messages.Upsert(ctx, nil, msg); err != nil {
		return err
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, map[string]any{
		"message_count": conv.MessageCount + 1,
	})
}

func (p *projector) applyChunk(ctx context.Context, se eventstore.StoredEvent, e events.AssistantChunkReceived) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	return p.chunks.Upsert(ctx, nil, &types.MessageChunk{
		ID:         uuid.New(),
		MessageID:  e.MessageID,
		ChunkIndex: e.ChunkIndex,
		BlockIndex: e.BlockIndex,
		Content:    e.Content,
		CreatedAt:  se.CreatedAt,
	})
}

func (p *projector) applyStreamCompleted(ctx context.Context, se eventstore.StoredEvent, e events.AssistantStreamCompleted) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	fields := map[string]any{
		"content":     e.FullContent,
		"status":      types.MessageStatusCompleted,
		"stop_reason": e.StopReason,
	}
	if e.InputTokens != nil {
		fields["input_tokens"] = *e.InputTokens
	}
	if e.OutputTokens != nil {
		fields["output_tokens"] = *e.OutputTokens
	}
	if e.InputTokens != nil && e.OutputTokens != nil {
		fields["total_tokens"] = *e.InputTokens + *e.OutputTokens
	}
	if e.LatencyMS != nil {
		fields["latency_ms"] = *e.LatencyMS
	}
	if e.Citations != nil {
		raw, err := json.Marshal(e.Citations)
		if err != nil {
			return err
		}
		fields["citations"] = datatypes.JSON(raw)
	}
	if err := p.messages.UpdateFields(ctx, nil, e.MessageID, fields); err != nil {
		return err
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, map[string]any{
		"status": string(conversation.StatusActive),
	})
}

func (p *projector) applyStreamFailed(ctx context.Context, se eventstore.StoredEvent, e events.AssistantStreamFailed) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	// Only a message still streaming is marked failed; a message already
	// completed by a racing event keeps its terminal state.
	err = p.messages.UpdateFieldsWhereStatus(ctx, nil, e.MessageID, types.MessageStatusStreaming, map[string]any{
		"status":        types.MessageStatusFailed,
		"error_type":    e.ErrorType,
		"error_message": e.ErrorMessage,
	})
	if err != nil {
		return err
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, map[string]any{
		"status": string(conversation.StatusActive),
	})
}

func (p *projector) applyToolStarted(ctx context.Context, se eventstore.StoredEvent, e events.ToolCallStarted) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	var input datatypes.JSON
	if e.Input != nil {
		raw, err := json.Marshal(e.Input)
		if err != nil {
			return err
		}
		input = datatypes.JSON(raw)
	}
	return p.toolCalls.Upsert(ctx, nil, &types.ToolCall{
		CallID:         e.CallID,
		ConversationID: conv.ID,
		Name:           e.Name,
		Input:          input,
		Status:         types.ToolCallStatusStarted,
		CreatedAt:      se.CreatedAt,
		UpdatedAt:      se.CreatedAt,
	})
}

func (p *projector) applyToolCompleted(ctx context.Context, se eventstore.StoredEvent, e events.ToolCallCompleted) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	fields := map[string]any{
		"status":   types.ToolCallStatusCompleted,
		"is_error": e.IsError,
	}
	if e.Output != nil {
		raw, err := json.Marshal(e.Output)
		if err != nil {
			return err
		}
		fields["output"] = datatypes.JSON(raw)
	}
	return p.toolCalls.UpdateFields(ctx, nil, e.CallID, fields)
}

func (p *projector) applyForked(ctx context.Context, se eventstore.StoredEvent, e events.ConversationForked) error {
	parent := e.ParentStreamID
	version := e.ParentVersion
	return p.conversationUpdate(ctx, se, map[string]any{
		"forked_from_stream_id": &parent,
		"forked_at_version":     &version,
	})
}

func (p *projector) applyTruncated(ctx context.Context, se eventstore.StoredEvent, e events.ConversationTruncated) error {
	conv, err := p.loadConversation(ctx, se)
	if err != nil || conv == nil {
		return err
	}
	target, err := p.messages.GetByID(ctx, nil, e.MessageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.log.Warn("Truncation target not projected", "message_id", e.MessageID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.messages.DeleteFromPosition(ctx, nil, conv.ID, target.Position); err != nil {
		return err
	}
	fields := map[string]any{"message_count": target.Position}
	if conv.Status == string(conversation.StatusStreaming) {
		fields["status"] = string(conversation.StatusActive)
	}
	return p.conversations.UpdateFields(ctx, nil, conv.ID, fields)
}

func (p *projector) Rebuild(ctx context.Context) error {
	started := time.Now()
	p.log.Info("Rebuilding read tables from event log...")
	if err := p.toolCalls.DeleteAll(ctx, nil); err != nil {
		return err
	}
	if err := p.chunks.DeleteAll(ctx, nil); err != nil {
		return err
	}
	if err := p.messages.DeleteAll(ctx, nil); err != nil {
		return err
	}
	if err := p.conversations.DeleteAll(ctx, nil); err != nil {
		return err
	}
	total := 0
	err := p.store.ReadAllForward(ctx, 500, func(batch []eventstore.StoredEvent) error {
		total += len(batch)
		return p.ApplyAll(ctx, batch)
	})
	if err != nil {
		return err
	}
	p.log.Info("Rebuild complete", "events", total, "elapsed", time.Since(started).String())
	return nil
}
