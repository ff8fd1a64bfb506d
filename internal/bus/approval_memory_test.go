package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryApprovalBus_DeliversToStreamSubscribers(t *testing.T) {
	b := NewMemoryApprovalBus()
	ctx := context.Background()
	streamA := uuid.New()
	streamB := uuid.New()

	subA, err := b.Subscribe(ctx, streamA)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subA.Close()
	subB, err := b.Subscribe(ctx, streamB)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subB.Close()

	if err := b.Publish(ctx, streamA, Decision{CallID: "c1", Approved: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-subA.C():
		if d.CallID != "c1" || !d.Approved {
			t.Fatalf("unexpected decision: %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for decision")
	}

	select {
	case d := <-subB.C():
		t.Fatalf("stream B must not receive stream A decisions: %+v", d)
	default:
	}
}

func TestMemoryApprovalBus_CloseUnsubscribes(t *testing.T) {
	b := NewMemoryApprovalBus()
	ctx := context.Background()
	streamID := uuid.New()

	sub, _ := b.Subscribe(ctx, streamID)
	sub.Close()
	sub.Close() // double close is safe

	if err := b.Publish(ctx, streamID, Decision{CallID: "c1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
