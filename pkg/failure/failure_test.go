package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesDetailAndCause(t *testing.T) {
	err := Wrap(SendFailure, "telegram", errors.New("connection reset"))
	if got, want := err.Error(), "send_failure: telegram: connection reset"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	if got, want := New(AdmissionRejected, "").Error(), AdmissionRejected; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapNilCause(t *testing.T) {
	if err := Wrap(StageFailure, "moderation", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestCategoryFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "categorized", err: New(PluginFailure, "ping"), want: PluginFailure},
		{name: "wrapped categorized", err: fmt.Errorf("dispatch: %w", New(StageFailure, "command")), want: StageFailure},
		{name: "deadline", err: context.DeadlineExceeded, want: ScheduleTimeout},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: Cancelled},
		{name: "other", err: errors.New("boom"), want: Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryFromError(tt.err); got != tt.want {
				t.Fatalf("CategoryFromError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecoveredKeepsErrorChain(t *testing.T) {
	sentinel := errors.New("bad state")
	err := Recovered(ListenerFailure, "audit", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected recovered error to wrap sentinel, got %v", err)
	}
	if !Is(err, ListenerFailure) {
		t.Fatalf("category = %q, want %q", CategoryFromError(err), ListenerFailure)
	}

	err = Recovered(PluginFailure, "echo", "index out of range")
	if got, want := err.Error(), "plugin_failure: echo: panic: index out of range"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
