package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/logger"
)

// Executor is the load/execute contract over the event log: replay the
// stream through the aggregate fold, run the command handler, append the
// resulting events under an expected-version check.
type Executor interface {
	Load(ctx context.Context, streamID uuid.UUID) (conversation.State, int, error)
	Execute(ctx context.Context, streamID uuid.UUID, cmd conversation.Command) (conversation.State, []eventstore.StoredEvent, error)
}

type executor struct {
	store eventstore.Store
	log   *logger.Logger
}

func New(store eventstore.Store, baseLog *logger.Logger) Executor {
	return &executor{store: store, log: baseLog.With("service", "Executor")}
}

func (e *executor) Load(ctx context.Context, streamID uuid.UUID) (conversation.State, int, error) {
	state := conversation.NewState()
	version := 0
	stored, err := e.store.ReadStreamForward(ctx, streamID, 1, 0)
	if err != nil {
		return state, 0, err
	}
	for _, se := range stored {
		state = conversation.Apply(state, se.Event)
		version = se.Version
	}
	return state, version, nil
}

func (e *executor) Execute(ctx context.Context, streamID uuid.UUID, cmd conversation.Command) (conversation.State, []eventstore.StoredEvent, error) {
	state, version, err := e.Load(ctx, streamID)
	if err != nil {
		return state, nil, err
	}

	evs, err := conversation.Handle(state, cmd)
	if err != nil {
		return state, nil, err
	}
	if len(evs) == 0 {
		return state, nil, nil
	}

	stored, err := e.store.AppendEvents(ctx, streamID, version, evs)
	if err != nil {
		// Conflicts are surfaced, never silently retried with stale state.
		return state, nil, err
	}
	for _, se := range stored {
		state = conversation.Apply(state, se.Event)
	}
	return state, stored, nil
}
