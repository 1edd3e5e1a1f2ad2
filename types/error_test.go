package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrBackend, "upstream failed").
		WithCause(root).
		WithRef("openai").
		WithRetryable(true)

	if CodeOf(err) != ErrBackend {
		t.Fatalf("expected code %s, got %s", ErrBackend, CodeOf(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got != "[BACKEND] upstream failed (openai): root" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("context: %w", NewVersionConflict("k", 1, 2))
	if !IsCode(wrapped, ErrVersionConflict) {
		t.Fatalf("expected VERSION_CONFLICT through wrapping")
	}
	e, ok := AsError(wrapped)
	if !ok || e.Ref != "k" {
		t.Fatalf("expected ref k, got %+v", e)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestError_Constructors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  *Error
		code ErrorCode
	}{
		{NewConfigurationError("shared_state", "unreachable"), ErrConfiguration},
		{NewValidationError("persona.x", "bad"), ErrValidation},
		{NewNotFoundError("persona", "persona.x"), ErrNotFound},
		{NewRegressionError("openai", "MISSING_DEPS"), ErrRegression},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Fatalf("expected %s, got %s", tc.code, tc.err.Code)
		}
		if tc.err.Ref == "" || tc.err.Message == "" {
			t.Fatalf("expected ref and message: %+v", tc.err)
		}
	}
}
