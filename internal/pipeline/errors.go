package pipeline

import (
	"fmt"
	"strings"
)

// Stable error codes exposed to callers. No stack traces or model prompts
// cross this boundary.
const (
	CodeInputTooLarge        = "INPUT_TOO_LARGE"
	CodeDisallowedContent    = "DISALLOWED_CONTENT"
	CodeIndexUnavailable     = "INDEX_UNAVAILABLE"
	CodeEmbeddingUnavailable = "EMBEDDING_UNAVAILABLE"
	CodeNoModelAvailable     = "NO_MODEL_AVAILABLE"
	CodeMalformedModelOutput = "MALFORMED_MODEL_OUTPUT"
	CodeDeadlineExceeded     = "DEADLINE_EXCEEDED"
	CodeUpstreamTimeout      = "UPSTREAM_TIMEOUT"
	CodeInternal             = "INTERNAL"
)

// Error is the tagged error envelope for a failed request.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return e.Code
	}
	return e.Code + ": " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// NewError builds a tagged pipeline error. Unknown codes are normalized to
// INTERNAL so malformed internals never leak a novel code to callers.
func NewError(code, message string) *Error {
	return &Error{Code: normalizeCode(code), Message: strings.TrimSpace(message)}
}

// WrapError tags an underlying cause. The cause is available via Unwrap for
// logging but is not part of the caller-facing envelope.
func WrapError(code string, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    normalizeCode(code),
		Message: strings.TrimSpace(fmt.Sprintf(format, args...)),
		cause:   cause,
	}
}

func normalizeCode(code string) string {
	switch strings.TrimSpace(code) {
	case CodeInputTooLarge, CodeDisallowedContent, CodeIndexUnavailable,
		CodeEmbeddingUnavailable, CodeNoModelAvailable, CodeMalformedModelOutput,
		CodeDeadlineExceeded, CodeUpstreamTimeout:
		return strings.TrimSpace(code)
	default:
		return CodeInternal
	}
}

// UserActionable reports whether the error is caused by the input itself.
// Callers should surface the message and must not retry.
func (e *Error) UserActionable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeInputTooLarge, CodeDisallowedContent:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry with backoff.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeUpstreamTimeout, CodeEmbeddingUnavailable, CodeIndexUnavailable, CodeNoModelAvailable:
		return true
	}
	return false
}
