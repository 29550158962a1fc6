package pipeline

import (
	"errors"
	"testing"
)

func TestNewError_NormalizesUnknownCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "known_code_kept", code: CodeInputTooLarge, want: CodeInputTooLarge},
		{name: "padded_code_trimmed", code: " " + CodeUpstreamTimeout + " ", want: CodeUpstreamTimeout},
		{name: "novel_code_becomes_internal", code: "SOMETHING_NEW", want: CodeInternal},
		{name: "empty_code_becomes_internal", code: "", want: CodeInternal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NewError(tc.code, "msg").Code; got != tc.want {
				t.Fatalf("code = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapError_CauseAvailableViaUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := WrapError(CodeIndexUnavailable, cause, "search failed after %d attempts", 2)

	if err.Code != CodeIndexUnavailable {
		t.Fatalf("code = %q", err.Code)
	}
	if err.Message != "search failed after 2 attempts" {
		t.Fatalf("message = %q", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause must be reachable through Unwrap")
	}
}

func TestError_String(t *testing.T) {
	t.Parallel()

	if got := NewError(CodeInputTooLarge, "input exceeds limit").Error(); got != "INPUT_TOO_LARGE: input exceeds limit" {
		t.Fatalf("Error() = %q", got)
	}
	if got := NewError(CodeInputTooLarge, "").Error(); got != "INPUT_TOO_LARGE" {
		t.Fatalf("Error() without message = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code           string
		userActionable bool
		retryable      bool
	}{
		{code: CodeInputTooLarge, userActionable: true},
		{code: CodeDisallowedContent, userActionable: true},
		{code: CodeUpstreamTimeout, retryable: true},
		{code: CodeEmbeddingUnavailable, retryable: true},
		{code: CodeIndexUnavailable, retryable: true},
		{code: CodeNoModelAvailable, retryable: true},
		{code: CodeMalformedModelOutput},
		{code: CodeDeadlineExceeded},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.code, func(t *testing.T) {
			t.Parallel()
			err := NewError(tc.code, "x")
			if got := err.UserActionable(); got != tc.userActionable {
				t.Fatalf("UserActionable = %v, want %v", got, tc.userActionable)
			}
			if got := err.Retryable(); got != tc.retryable {
				t.Fatalf("Retryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestMaxSafetyLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want string
	}{
		{name: "crisis_beats_elevated", a: SafetyLevelElevated, b: SafetyLevelCrisis, want: SafetyLevelCrisis},
		{name: "elevated_beats_none", a: SafetyLevelNone, b: SafetyLevelElevated, want: SafetyLevelElevated},
		{name: "equal_levels", a: SafetyLevelNone, b: SafetyLevelNone, want: SafetyLevelNone},
		{name: "unknown_ranks_lowest", a: "weird", b: SafetyLevelElevated, want: SafetyLevelElevated},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MaxSafetyLevel(tc.a, tc.b); got != tc.want {
				t.Fatalf("MaxSafetyLevel(%q, %q) = %q, want %q", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
