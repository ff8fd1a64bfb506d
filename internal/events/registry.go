package events

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType is returned for event type names outside the sealed set.
	ErrUnknownType = errors.New("unknown event type")
	// ErrUnknownField is returned when a payload carries keys the codec does
	// not recognize. Rejecting instead of ignoring catches schema drift early.
	ErrUnknownField = errors.New("unknown payload field")
)

// Deserialize decodes a generic string-keyed payload back into its typed
// event. Payload maps typically come from JSON, so numbers arrive as float64.
func Deserialize(t Type, payload map[string]any) (Event, error) {
	switch t {
	case TypeConversationCreated:
		return decodeConversationCreated(payload)
	case TypeUserMessageAdded:
		return decodeUserMessageAdded(payload)
	case TypeAssistantStreamStarted:
		return decodeAssistantStreamStarted(payload)
	case TypeAssistantChunkReceived:
		return decodeAssistantChunkReceived(payload)
	case TypeAssistantStreamCompleted:
		return decodeAssistantStreamCompleted(payload)
	case TypeAssistantStreamFailed:
		return decodeAssistantStreamFailed(payload)
	case TypeToolCallStarted:
		return decodeToolCallStarted(payload)
	case TypeToolCallCompleted:
		return decodeToolCallCompleted(payload)
	case TypeConversationForked:
		return decodeConversationForked(payload)
	case TypeConversationTitleUpdated:
		return decodeConversationTitleUpdated(payload)
	case TypeConversationArchived:
		return decodeConversationArchived(payload)
	case TypeConversationTruncated:
		return decodeConversationTruncated(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
}

// fieldReader pulls typed values out of a payload map and tracks which keys
// were consumed so finish() can reject leftovers.
type fieldReader struct {
	m    map[string]any
	seen map[string]bool
	err  error
}

func newFieldReader(m map[string]any) *fieldReader {
	return &fieldReader{m: m, seen: make(map[string]bool, len(m))}
}

func (r *fieldReader) fail(key, want string, got any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %q: expected %s, got %T", key, want, got)
	}
}

func (r *fieldReader) str(key string) string {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok {
		r.fail(key, "string", nil)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(key, "string", v)
		return ""
	}
	return s
}

func (r *fieldReader) optStr(key string) string {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(key, "string", v)
		return ""
	}
	return s
}

func (r *fieldReader) uuidVal(key string) uuid.UUID {
	s := r.str(key)
	if r.err != nil {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		r.fail(key, "uuid", s)
		return uuid.Nil
	}
	return id
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (r *fieldReader) intVal(key string) int {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok {
		r.fail(key, "number", nil)
		return 0
	}
	n, ok := asInt(v)
	if !ok {
		r.fail(key, "number", v)
		return 0
	}
	return n
}

func (r *fieldReader) optInt(key string) *int {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok {
		return nil
	}
	n, ok := asInt(v)
	if !ok {
		r.fail(key, "number", v)
		return nil
	}
	return &n
}

func (r *fieldReader) boolVal(key string) bool {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(key, "bool", v)
		return false
	}
	return b
}

func (r *fieldReader) optMap(key string) map[string]any {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		r.fail(key, "object", v)
		return nil
	}
	return m
}

func (r *fieldReader) optSlice(key string) []any {
	r.seen[key] = true
	v, ok := r.m[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.([]any)
	if !ok {
		r.fail(key, "array", v)
		return nil
	}
	return s
}

func (r *fieldReader) finish() error {
	if r.err != nil {
		return r.err
	}
	for k := range r.m {
		if !r.seen[k] {
			return fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
	}
	return nil
}

func decodeConversationCreated(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ConversationCreated{
		ConversationID: r.uuidVal("conversation_id"),
		UserID:         r.uuidVal("user_id"),
		Title:          r.str("title"),
		Model:          r.str("model"),
		SystemPrompt:   r.optStr("system_prompt"),
	}
	return e, r.finish()
}

func decodeUserMessageAdded(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := UserMessageAdded{
		MessageID:  r.uuidVal("message_id"),
		Content:    r.str("content"),
		ToolConfig: r.optMap("tool_config"),
	}
	return e, r.finish()
}

func decodeAssistantStreamStarted(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := AssistantStreamStarted{
		MessageID: r.uuidVal("message_id"),
		Model:     r.str("model"),
	}
	return e, r.finish()
}

func decodeAssistantChunkReceived(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := AssistantChunkReceived{
		MessageID:  r.uuidVal("message_id"),
		Content:    r.str("content"),
		ChunkIndex: r.intVal("chunk_index"),
		BlockIndex: r.intVal("block_index"),
	}
	return e, r.finish()
}

func decodeAssistantStreamCompleted(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := AssistantStreamCompleted{
		MessageID:    r.uuidVal("message_id"),
		FullContent:  r.str("full_content"),
		StopReason:   r.str("stop_reason"),
		InputTokens:  r.optInt("input_tokens"),
		OutputTokens: r.optInt("output_tokens"),
		LatencyMS:    r.optInt("latency_ms"),
		Citations:    r.optSlice("citations"),
	}
	return e, r.finish()
}

func decodeAssistantStreamFailed(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := AssistantStreamFailed{
		MessageID:    r.uuidVal("message_id"),
		ErrorType:    r.str("error_type"),
		ErrorMessage: r.str("error_message"),
		RetryCount:   r.intVal("retry_count"),
	}
	return e, r.finish()
}

func decodeToolCallStarted(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ToolCallStarted{
		CallID: r.str("call_id"),
		Name:   r.str("name"),
		Input:  r.optMap("input"),
	}
	return e, r.finish()
}

func decodeToolCallCompleted(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ToolCallCompleted{
		CallID:  r.str("call_id"),
		Output:  r.optMap("output"),
		IsError: r.boolVal("is_error"),
	}
	return e, r.finish()
}

func decodeConversationForked(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ConversationForked{
		ParentStreamID:    r.uuidVal("parent_stream_id"),
		ParentVersion:     r.intVal("parent_version"),
		ForkedAtMessageID: r.uuidVal("forked_at_message_id"),
	}
	return e, r.finish()
}

func decodeConversationTitleUpdated(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ConversationTitleUpdated{Title: r.str("title")}
	return e, r.finish()
}

func decodeConversationArchived(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	return ConversationArchived{}, r.finish()
}

func decodeConversationTruncated(m map[string]any) (Event, error) {
	r := newFieldReader(m)
	e := ConversationTruncated{MessageID: r.uuidVal("message_id")}
	return e, r.finish()
}
