package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/wire"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		log:        logger.NewNop(),
		baseURL:    srv.URL,
		apiKey:     "test-key",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestStream_TextDeltasAndUsage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(wire.EncodeFrame("messageStart", []byte(`{"role":"assistant"}`)))
		w.Write(wire.EncodeFrame("contentBlockDelta", []byte(`{"contentBlockIndex":0,"delta":{"text":"Hel"}}`)))
		w.Write(wire.EncodeFrame("contentBlockDelta", []byte(`{"contentBlockIndex":0,"delta":{"text":"lo!"}}`)))
		w.Write(wire.EncodeFrame("messageStop", []byte(`{"stopReason":"end_turn"}`)))
		w.Write(wire.EncodeFrame("metadata", []byte(`{"usage":{"inputTokens":7,"outputTokens":2}}`)))
	})

	var got []string
	res, err := c.Stream(context.Background(), "m1",
		[]Message{TextMessage("user", "hi")},
		func(text string, blockIndex int) { got = append(got, text) },
		Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Text != "Hello!" {
		t.Fatalf("expected full text Hello!, got %q", res.Text)
	}
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo!" {
		t.Fatalf("unexpected deltas: %v", got)
	}
	if res.StopReason != "end_turn" {
		t.Fatalf("expected stop reason end_turn, got %q", res.StopReason)
	}
	if res.Usage == nil || res.Usage.InputTokens != 7 || res.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
	if len(res.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls")
	}
}

func TestStream_AccumulatesToolUseBlocks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(wire.EncodeFrame("contentBlockStart", []byte(`{"contentBlockIndex":1,"start":{"toolUse":{"toolUseId":"call_1","name":"search"}}}`)))
		w.Write(wire.EncodeFrame("contentBlockDelta", []byte(`{"contentBlockIndex":1,"delta":{"partialJson":"{\"q\":"}}`)))
		w.Write(wire.EncodeFrame("contentBlockDelta", []byte(`{"contentBlockIndex":1,"delta":{"partialJson":"\"go\"}"}}`)))
		w.Write(wire.EncodeFrame("contentBlockStop", []byte(`{"contentBlockIndex":1}`)))
		w.Write(wire.EncodeFrame("messageStop", []byte(`{"stopReason":"tool_use"}`)))
	})

	res, err := c.Stream(context.Background(), "m1", nil, nil, Options{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "search" {
		t.Fatalf("unexpected call: %+v", tc)
	}
	if tc.Input["q"] != "go" {
		t.Fatalf("unexpected input: %+v", tc.Input)
	}
}

func TestStream_HTTPErrorSurfaced(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message":"overloaded"}`))
	})

	_, err := c.Stream(context.Background(), "m1", nil, nil, Options{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("503 must be retryable: %v", err)
	}
	if msg := NormalizeError(err); msg != "http 503: overloaded" {
		t.Fatalf("unexpected normalized message: %q", msg)
	}
}

func TestIsRetryable_Taxonomy(t *testing.T) {
	if IsRetryable(&HTTPError{StatusCode: 400}) {
		t.Fatalf("400 must not be retryable")
	}
	if !IsRetryable(&HTTPError{StatusCode: 429}) {
		t.Fatalf("429 must be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation must not be retryable")
	}
}

func TestNormalizeError_Truncates(t *testing.T) {
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	msg := NormalizeError(&HTTPError{StatusCode: 500, Body: string(big)})
	if len(msg) != maxErrorMessageLen {
		t.Fatalf("expected %d bytes, got %d", maxErrorMessageLen, len(msg))
	}
}
