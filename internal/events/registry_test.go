package events

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestDeserialize_RoundTripsCompletedEvent(t *testing.T) {
	in := 12
	out := 34
	lat := 210
	ev := AssistantStreamCompleted{
		MessageID:    uuid.New(),
		FullContent:  "Hello!",
		StopReason:   "end_turn",
		InputTokens:  &in,
		OutputTokens: &out,
		LatencyMS:    &lat,
	}

	got, err := Deserialize(TypeAssistantStreamCompleted, ev.Serialize())
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	dec, ok := got.(AssistantStreamCompleted)
	if !ok {
		t.Fatalf("expected AssistantStreamCompleted, got %T", got)
	}
	if dec.MessageID != ev.MessageID || dec.FullContent != "Hello!" || dec.StopReason != "end_turn" {
		t.Fatalf("unexpected roundtrip: %+v", dec)
	}
	if dec.InputTokens == nil || *dec.InputTokens != 12 {
		t.Fatalf("input_tokens lost: %+v", dec.InputTokens)
	}
	if dec.LatencyMS == nil || *dec.LatencyMS != 210 {
		t.Fatalf("latency_ms lost: %+v", dec.LatencyMS)
	}
}

func TestDeserialize_AcceptsJSONNumbers(t *testing.T) {
	id := uuid.New()
	payload := map[string]any{
		"message_id":  id.String(),
		"content":     "Hel",
		"chunk_index": float64(0),
		"block_index": float64(1),
	}
	got, err := Deserialize(TypeAssistantChunkReceived, payload)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	ch := got.(AssistantChunkReceived)
	if ch.ChunkIndex != 0 || ch.BlockIndex != 1 {
		t.Fatalf("unexpected indices: %+v", ch)
	}
}

func TestDeserialize_RejectsUnknownField(t *testing.T) {
	payload := map[string]any{
		"title":   "t",
		"tittle?": "typo",
	}
	_, err := Deserialize(TypeConversationTitleUpdated, payload)
	if !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestDeserialize_RejectsUnknownType(t *testing.T) {
	_, err := Deserialize(Type("NotARealEvent"), map[string]any{})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDeserialize_OptionalFieldsAbsent(t *testing.T) {
	id := uuid.New()
	got, err := Deserialize(TypeAssistantStreamCompleted, map[string]any{
		"message_id":   id.String(),
		"full_content": "done",
		"stop_reason":  "end_turn",
	})
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	dec := got.(AssistantStreamCompleted)
	if dec.InputTokens != nil || dec.OutputTokens != nil || dec.LatencyMS != nil || dec.Citations != nil {
		t.Fatalf("expected optional fields nil: %+v", dec)
	}
}
