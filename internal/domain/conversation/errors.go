package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode standardizes command rejection semantics. Codes are stable
// strings surfaced to API clients, so they never change casually.
type ErrorCode string

const (
	CodeAlreadyCreated       ErrorCode = "already_created"
	CodeNotCreated           ErrorCode = "not_created"
	CodeConversationArchived ErrorCode = "conversation_archived"
	CodeAlreadyArchived      ErrorCode = "already_archived"
	CodeCurrentlyStreaming   ErrorCode = "currently_streaming"
	CodeAlreadyStreaming     ErrorCode = "already_streaming"
	CodeNotStreaming         ErrorCode = "not_streaming"
	CodeMessageNotFound      ErrorCode = "message_not_found"
	CodeNoMessages           ErrorCode = "no_messages"
	CodeConflict             ErrorCode = "conflict"
	CodeMaxToolRounds        ErrorCode = "max_tool_rounds_exceeded"
)

// Error is the canonical domain error wrapper.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a domain error with explicit code + operation.
func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// IsCode checks whether err (or a wrapped err) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var domErr *Error
	if !errors.As(err, &domErr) {
		return false
	}
	return domErr.Code == code
}

// CodeOf extracts the domain error code when available.
func CodeOf(err error) ErrorCode {
	var domErr *Error
	if !errors.As(err, &domErr) {
		return ""
	}
	return domErr.Code
}
