package services

import (
	"context"
	"time"

	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/executor"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/projector"
	"github.com/tidelock/conversant-backend/internal/repos"
)

// Sweeper reconciles orphaned streams. A conversation stuck in streaming
// status past the threshold means the process driving it died; force-failing
// the open message returns it to active without waiting on any client.
type Sweeper struct {
	conversations repos.ConversationRepo
	exec          executor.Executor
	projector     projector.Projector
	interval      time.Duration
	threshold     time.Duration
	log           *logger.Logger
}

func NewSweeper(
	conversations repos.ConversationRepo,
	exec executor.Executor,
	proj projector.Projector,
	interval, threshold time.Duration,
	baseLog *logger.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Sweeper{
		conversations: conversations,
		exec:          exec,
		projector:     proj,
		interval:      interval,
		threshold:     threshold,
		log:           baseLog.With("service", "Sweeper"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("Sweep pass failed", "error", err)
			}
		}
	}
}

// SweepOnce force-fails every conversation streaming for longer than the
// staleness threshold.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.threshold)
	stale, err := s.conversations.StaleStreaming(ctx, nil, cutoff)
	if err != nil {
		return err
	}
	for _, conv := range stale {
		s.log.Warn("Force-failing orphaned stream", "conversationID", conv.ID)
		_, stored, err := s.exec.Execute(ctx, conv.ID, conversation.FailStream{
			ErrorType:    "stream_orphaned",
			ErrorMessage: "stream abandoned past staleness threshold",
		})
		if err != nil {
			// Likely lost a race with the real driver finishing; skip.
			s.log.Warn("Could not fail stale stream", "conversationID", conv.ID, "error", err)
			continue
		}
		if err := s.projector.ApplyAll(ctx, stored); err != nil {
			s.log.Error("Projection of sweep failure failed", "conversationID", conv.ID, "error", err)
		}
	}
	return nil
}
