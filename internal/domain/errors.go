package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide whether to surface, retry or
// penalize without string matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindTask         Kind = "task"
	KindDependency   Kind = "dependency"
	KindPrecondition Kind = "failed_precondition"
	KindInternal     Kind = "internal"
)

// Sentinels for errors.Is checks: errors.Is(err, domain.ErrNotFound)
var (
	ErrValidation   = &AppError{Kind: KindValidation}
	ErrNotFound     = &AppError{Kind: KindNotFound}
	ErrTask         = &AppError{Kind: KindTask}
	ErrDependency   = &AppError{Kind: KindDependency}
	ErrPrecondition = &AppError{Kind: KindPrecondition}
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError of the same kind, so sentinels compare by kind only.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Validation(format string, args ...any) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Task(message string, cause error) *AppError {
	return &AppError{Kind: KindTask, Message: message, Cause: cause}
}

func Dependency(message string, cause error) *AppError {
	return &AppError{Kind: KindDependency, Message: message, Cause: cause}
}

func FailedPrecondition(format string, args ...any) *AppError {
	return &AppError{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf returns the kind of the first AppError in err's chain, or
// KindInternal for foreign errors. nil yields the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
