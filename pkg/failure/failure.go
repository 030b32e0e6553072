package failure

import (
	"context"
	"errors"
	"fmt"
)

const (
	AdmissionRejected = "admission_rejected"
	ScheduleTimeout   = "schedule_timeout"
	StageFailure      = "stage_failure"
	ListenerFailure   = "listener_failure"
	PluginFailure     = "plugin_failure"
	SendFailure       = "send_failure"
	Cancelled         = "cancelled"
	Internal          = "internal"
)

// Error represents a stable, categorized dispatch failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Category
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Category, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a categorized error.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap attaches a category to cause. A nil cause yields nil.
func Wrap(category string, detail string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Category: category, Detail: detail, Err: cause}
}

// Recovered converts a recovered panic value into a categorized error.
func Recovered(category string, detail string, value any) error {
	if err, ok := value.(error); ok {
		return &Error{Category: category, Detail: detail, Err: fmt.Errorf("panic: %w", err)}
	}
	return &Error{Category: category, Detail: detail, Err: fmt.Errorf("panic: %v", value)}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ScheduleTimeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	return Internal
}

// Is reports whether err carries the given category.
func Is(err error, category string) bool {
	return err != nil && CategoryFromError(err) == category
}
