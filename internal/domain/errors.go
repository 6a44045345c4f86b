package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindNotAssignee             Kind = "NotAssignee"
	KindInvalidState            Kind = "InvalidState"
	KindPredecessorIncomplete   Kind = "PredecessorIncomplete"
	KindDeveloperBusy           Kind = "DeveloperBusy"
	KindIncompleteTasks         Kind = "IncompleteTasks"
	KindReleaseAlreadyCompleted Kind = "ReleaseAlreadyCompleted"
	KindInvalidOrderIndex       Kind = "InvalidOrderIndex"
	KindReleaseNotFound         Kind = "ReleaseNotFound"
	KindTaskNotFound            Kind = "TaskNotFound"
	KindInvalidInput            Kind = "InvalidInput"
	KindConflict                Kind = "Conflict"
)

type Category string

const (
	CategoryValidation Category = "validation"
	CategoryInvariant  Category = "invariant_violation"
	CategoryNotFound   Category = "not_found"
	CategoryConflict   Category = "conflict"
)

func (k Kind) Category() Category {
	switch k {
	case KindInvalidInput:
		return CategoryValidation
	case KindReleaseNotFound, KindTaskNotFound:
		return CategoryNotFound
	case KindConflict:
		return CategoryConflict
	default:
		return CategoryInvariant
	}
}

// Code returns the snake_case form used on the wire, e.g. "developer_busy".
func (k Kind) Code() string {
	var b strings.Builder
	for i, r := range string(k) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Error is a workflow rejection with a stable kind.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error with the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds a workflow error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return newError(kind, format, args...)
}

// KindOf extracts the kind from err, or "" when err is not a workflow error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrNotAssignee             = &Error{Kind: KindNotAssignee}
	ErrInvalidState            = &Error{Kind: KindInvalidState}
	ErrPredecessorIncomplete   = &Error{Kind: KindPredecessorIncomplete}
	ErrDeveloperBusy           = &Error{Kind: KindDeveloperBusy}
	ErrIncompleteTasks         = &Error{Kind: KindIncompleteTasks}
	ErrReleaseAlreadyCompleted = &Error{Kind: KindReleaseAlreadyCompleted}
	ErrInvalidOrderIndex       = &Error{Kind: KindInvalidOrderIndex}
	ErrReleaseNotFound         = &Error{Kind: KindReleaseNotFound}
	ErrTaskNotFound            = &Error{Kind: KindTaskNotFound}
	ErrInvalidInput            = &Error{Kind: KindInvalidInput}
	ErrConflict                = &Error{Kind: KindConflict}
)
