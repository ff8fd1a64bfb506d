package bus

import (
	"context"

	"github.com/google/uuid"
)

// Decision is one tool-approval verdict from an external decision-maker.
type Decision struct {
	CallID   string `json:"call_id"`
	Approved bool   `json:"approved"`
}

// Subscription is a live, stream-scoped decision feed. Subscribers hold it
// only for the duration of one tool round and close it immediately after,
// so listeners never leak across rounds.
type Subscription interface {
	C() <-chan Decision
	Close()
}

// ApprovalBus is the topic-scoped broadcast channel (keyed by stream id)
// that carries tool-approval decisions to the waiting orchestrator round.
type ApprovalBus interface {
	Publish(ctx context.Context, streamID uuid.UUID, d Decision) error
	Subscribe(ctx context.Context, streamID uuid.UUID) (Subscription, error)
	Close() error
}
