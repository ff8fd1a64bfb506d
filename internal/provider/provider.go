package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentBlock is one structured block inside a message: plain text, a
// tool_use request from the model, or a tool_result fed back to it.
type ContentBlock struct {
	Type      string         `json:"type"` // "text" | "tool_use" | "tool_result"
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Content   map[string]any `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is one turn of provider-visible history.
type Message struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is a completed provider round.
type Result struct {
	Text       string
	StopReason string
	ToolCalls  []ToolCall
	Usage      *Usage
	// LatencyMS is filled in by callers that time the round trip.
	LatencyMS int
}

type Options struct {
	SystemPrompt string
	Tools        []ToolDef
	MaxTokens    int
}

// OnText is invoked synchronously once per incoming text delta, before the
// stream call returns.
type OnText func(text string, blockIndex int)

// StreamFunc is the injected model-provider streaming contract the
// orchestrator depends on.
type StreamFunc func(ctx context.Context, modelID string, history []Message, onText OnText, opts Options) (*Result, error)

// HTTPError carries a provider HTTP failure.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a provider failure is transient: rate limiting
// or service unavailability. Everything else is permanent.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode == 503
	}
	return false
}

const maxErrorMessageLen = 512

// NormalizeError derives the persisted failure message: HTTP status plus the
// body's "message" field when present, the transport reason otherwise,
// truncated to a fixed cap.
func NormalizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		msg = fmt.Sprintf("http %d", httpErr.StatusCode)
		var body struct {
			Message string `json:"message"`
		}
		if jErr := json.Unmarshal([]byte(httpErr.Body), &body); jErr == nil && strings.TrimSpace(body.Message) != "" {
			msg += ": " + strings.TrimSpace(body.Message)
		} else if b := strings.TrimSpace(httpErr.Body); b != "" {
			msg += ": " + b
		}
	}
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}
	return msg
}
