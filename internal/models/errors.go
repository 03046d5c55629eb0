package models

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrPermissionDenied   = errors.New("notification permission denied")
	ErrSchedulingFailed   = errors.New("scheduling failed")
	ErrCancellationFailed = errors.New("cancellation failed")
	ErrStorage            = errors.New("storage error")
)

// NotificationError carries an error kind, the failing operation and its cause.
type NotificationError struct {
	Kind error
	Op   string
	Err  error
}

func (e *NotificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *NotificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func PermissionDenied(op string) error {
	return &NotificationError{Kind: ErrPermissionDenied, Op: op}
}

func SchedulingFailed(op string, cause error) error {
	return &NotificationError{Kind: ErrSchedulingFailed, Op: op, Err: cause}
}

func CancellationFailed(op string, cause error) error {
	return &NotificationError{Kind: ErrCancellationFailed, Op: op, Err: cause}
}

func StorageError(op string, cause error) error {
	return &NotificationError{Kind: ErrStorage, Op: op, Err: cause}
}
