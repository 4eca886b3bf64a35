// ABOUTME: Tests for the classified error type: kinds, wrapping, and context propagation.

package execerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := Newf(KindBrowser, "element %d not found", 3)
	if KindOf(err) != KindBrowser {
		t.Errorf("kind = %s", KindOf(err))
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !IsKind(wrapped, KindBrowser) {
		t.Error("IsKind must see through wrapping")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors have no kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("io fail")
	err := Wrap(KindTaskExecution, "recording action", cause)
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
	if err.Error() != "task_execution_error: recording action: io fail" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestWithContextAndSuggestionCopy(t *testing.T) {
	base := New(KindSessionReplay, "locator exhausted")
	withCtx := base.WithContext(Context{ActionKey: "action_4", Step: 2}).
		WithSuggestion("enable healing")

	if base.Context.ActionKey != "" || base.Suggestion != "" {
		t.Error("WithContext/WithSuggestion must not mutate the receiver")
	}
	if withCtx.Context.ActionKey != "action_4" || withCtx.Context.Step != 2 {
		t.Errorf("context = %+v", withCtx.Context)
	}
	if withCtx.Suggestion != "enable healing" {
		t.Errorf("suggestion = %q", withCtx.Suggestion)
	}
}
