package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/events"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/executor"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/projector"
	"github.com/tidelock/conversant-backend/internal/provider"
)

// ConversationService is the command façade handlers talk to. Every mutation
// goes through the executor and is projected synchronously, so reads issued
// right after a call observe the change.
type ConversationService struct {
	exec      executor.Executor
	store     eventstore.Store
	projector projector.Projector
	orch      *StreamOrchestrator
	defaults  StreamConfig
	log       *logger.Logger
}

func NewConversationService(
	exec executor.Executor,
	store eventstore.Store,
	proj projector.Projector,
	orch *StreamOrchestrator,
	defaults StreamConfig,
	baseLog *logger.Logger,
) *ConversationService {
	defaults.applyDefaults()
	return &ConversationService{
		exec:      exec,
		store:     store,
		projector: proj,
		orch:      orch,
		defaults:  defaults,
		log:       baseLog.With("service", "ConversationService"),
	}
}

func (s *ConversationService) Create(ctx context.Context, userID uuid.UUID, title, model, systemPrompt string) (uuid.UUID, error) {
	id := uuid.New()
	err := s.run(ctx, id, conversation.CreateConversation{
		ConversationID: id,
		UserID:         userID,
		Title:          title,
		Model:          model,
		SystemPrompt:   systemPrompt,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *ConversationService) AddUserMessage(ctx context.Context, streamID uuid.UUID, content string, toolConfig map[string]any) (uuid.UUID, error) {
	messageID := uuid.New()
	err := s.run(ctx, streamID, conversation.AddUserMessage{
		MessageID:  messageID,
		Content:    content,
		ToolConfig: toolConfig,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return messageID, nil
}

func (s *ConversationService) UpdateTitle(ctx context.Context, streamID uuid.UUID, title string) error {
	return s.run(ctx, streamID, conversation.UpdateTitle{Title: title})
}

func (s *ConversationService) Archive(ctx context.Context, streamID uuid.UUID) error {
	return s.run(ctx, streamID, conversation.Archive{})
}

func (s *ConversationService) Truncate(ctx context.Context, streamID uuid.UUID, messageID uuid.UUID) error {
	return s.run(ctx, streamID, conversation.TruncateConversation{MessageID: messageID})
}

// Fork copies the parent's event history up to and including the chosen
// message into a fresh stream, rewrites the creation event to the new ids,
// and stamps the lineage. The new conversation then evolves independently.
func (s *ConversationService) Fork(ctx context.Context, parentID uuid.UUID, atMessageID uuid.UUID) (uuid.UUID, error) {
	const op = "ConversationService.Fork"

	parentEvents, err := s.store.ReadStreamForward(ctx, parentID, 0, 0)
	if err != nil {
		return uuid.Nil, err
	}
	if len(parentEvents) == 0 {
		return uuid.Nil, conversation.NewError(conversation.CodeNotCreated, op, "parent conversation not found", nil)
	}

	cut := -1
	for i, se := range parentEvents {
		switch e := se.Event.(type) {
		case events.UserMessageAdded:
			if e.MessageID == atMessageID {
				cut = i
			}
		case events.AssistantStreamCompleted:
			if e.MessageID == atMessageID {
				cut = i
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut < 0 {
		return uuid.Nil, conversation.NewError(conversation.CodeMessageNotFound, op,
			fmt.Sprintf("message %s not found in parent history", atMessageID), nil)
	}

	// Message and tool-call ids are remapped so the forked conversation
	// projects its own rows instead of colliding with the parent's.
	forkID := uuid.New()
	msgIDs := make(map[uuid.UUID]uuid.UUID)
	callIDs := make(map[string]string)
	mapMsg := func(id uuid.UUID) uuid.UUID {
		if mapped, ok := msgIDs[id]; ok {
			return mapped
		}
		mapped := uuid.New()
		msgIDs[id] = mapped
		return mapped
	}
	mapCall := func(id string) string {
		if mapped, ok := callIDs[id]; ok {
			return mapped
		}
		mapped := "fork_" + uuid.NewString()
		callIDs[id] = mapped
		return mapped
	}

	prefix := make([]events.Event, 0, cut+1)
	for _, se := range parentEvents[:cut+1] {
		var ev events.Event
		switch e := se.Event.(type) {
		case events.ConversationCreated:
			e.ConversationID = forkID
			ev = e
		case events.UserMessageAdded:
			e.MessageID = mapMsg(e.MessageID)
			ev = e
		case events.AssistantStreamStarted:
			e.MessageID = mapMsg(e.MessageID)
			ev = e
		case events.AssistantChunkReceived:
			e.MessageID = mapMsg(e.MessageID)
			ev = e
		case events.AssistantStreamCompleted:
			e.MessageID = mapMsg(e.MessageID)
			ev = e
		case events.AssistantStreamFailed:
			e.MessageID = mapMsg(e.MessageID)
			ev = e
		case events.ToolCallStarted:
			e.CallID = mapCall(e.CallID)
			ev = e
		case events.ToolCallCompleted:
			e.CallID = mapCall(e.CallID)
			ev = e
		default:
			ev = se.Event
		}
		prefix = append(prefix, ev)
	}

	stored, err := s.store.AppendEvents(ctx, forkID, 0, prefix)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.projector.ApplyAll(ctx, stored); err != nil {
		return uuid.Nil, err
	}

	parentVersion := parentEvents[cut].Version
	if err := s.run(ctx, forkID, conversation.ForkConversation{
		ParentStreamID:    parentID,
		ParentVersion:     parentVersion,
		ForkedAtMessageID: atMessageID,
	}); err != nil {
		return uuid.Nil, err
	}
	return forkID, nil
}

// StartStream validates that a stream could start right now, then hands the
// conversation to the orchestrator in a background goroutine. Progress and
// terminal outcomes reach the client through SSE and the read model.
func (s *ConversationService) StartStream(ctx context.Context, streamID uuid.UUID) error {
	state, _, err := s.exec.Load(ctx, streamID)
	if err != nil {
		return err
	}
	// Dry-run the opening command so illegal states reject synchronously;
	// the orchestrator issues the persisted one itself.
	if _, err := conversation.Handle(state, conversation.StartAssistantStream{
		MessageID: uuid.New(),
		Model:     state.Model,
	}); err != nil {
		return err
	}

	cfg := s.streamConfig(state)
	history := historyFromState(state)

	go func() {
		if err := s.orch.Run(context.Background(), streamID, history, cfg); err != nil {
			s.log.Error("Stream run ended with error", "streamID", streamID, "error", err)
		}
	}()
	return nil
}

// streamConfig merges the service defaults with the per-message tool config
// carried on the latest user message.
func (s *ConversationService) streamConfig(state conversation.State) StreamConfig {
	cfg := s.defaults
	cfg.ModelID = state.Model
	cfg.SystemPrompt = state.SystemPrompt
	cfg.AllowedTools = nil
	cfg.AutoConfirm = false

	tc := state.LatestToolConfig
	if tc == nil {
		return cfg
	}
	if raw, ok := tc["allowed_tools"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok {
				cfg.AllowedTools = append(cfg.AllowedTools, name)
			}
		}
	}
	if auto, ok := tc["auto_confirm"].(bool); ok {
		cfg.AutoConfirm = auto
	}
	if mt, ok := tc["max_tokens"].(float64); ok && mt > 0 {
		cfg.MaxTokens = int(mt)
	}
	return cfg
}

func historyFromState(state conversation.State) []provider.Message {
	history := make([]provider.Message, 0, len(state.Messages))
	for _, m := range state.Messages {
		history = append(history, provider.TextMessage(m.Role, m.Content))
	}
	return history
}

func (s *ConversationService) run(ctx context.Context, streamID uuid.UUID, cmd conversation.Command) error {
	_, stored, err := s.exec.Execute(ctx, streamID, cmd)
	if err != nil {
		return err
	}
	return s.projector.ApplyAll(ctx, stored)
}
