// internal/notification/errors.go

package notification

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrTemplateNotFound     = fmt.Errorf("template %w", ErrNotFound)
	ErrChannelNotFound      = fmt.Errorf("channel %w", ErrNotFound)
	ErrNotificationNotFound = fmt.Errorf("notification %w", ErrNotFound)
	ErrBatchNotFound        = fmt.Errorf("batch %w", ErrNotFound)
	ErrScheduleNotFound     = fmt.Errorf("schedule %w", ErrNotFound)
	ErrPreferenceNotFound   = fmt.Errorf("preference %w", ErrNotFound)

	ErrForbidden           = errors.New("forbidden")
	ErrInactive            = errors.New("template or channel is inactive")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyClaimed      = errors.New("notification already claimed")
	ErrConcurrentUpdate    = errors.New("concurrent update, retry")
	ErrChannelMismatch     = errors.New("template channel type does not match channel")
	ErrNoChannel           = errors.New("no active channel for channel type")
	ErrScheduleNotRunnable = errors.New("schedule cannot run")
	ErrUnsupportedChannel  = errors.New("no sender for channel")
)

// ValidationError is a synchronous rejection naming the offending field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DeliveryError is a provider-side rejection
type DeliveryError struct {
	StatusCode int
	Message    string
	Bounced    bool // permanent rejection of the recipient address
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
