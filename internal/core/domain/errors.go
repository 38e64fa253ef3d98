// Package domain provides the broker's entities, parameter payloads and error kinds.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the short machine readable code recorded on failed tasks
type ErrorKind string

const (
	ErrUnknownModel        ErrorKind = "unknown-model"
	ErrModelUnavailable    ErrorKind = "model-unavailable"
	ErrUnsupportedCount    ErrorKind = "unsupported-count"
	ErrMissingMask         ErrorKind = "missing-mask"
	ErrInvalidSize         ErrorKind = "invalid-size"
	ErrConfigMissing       ErrorKind = "config-missing"
	ErrInvalidParameters   ErrorKind = "invalid-parameters"
	ErrTransport           ErrorKind = "transport-error"
	ErrGraphRejected       ErrorKind = "graph-rejected"
	ErrEngine              ErrorKind = "engine-error"
	ErrLost                ErrorKind = "lost"
	ErrTimeout             ErrorKind = "timeout"
	ErrNoOutput            ErrorKind = "no-output"
	ErrCancelled           ErrorKind = "cancelled"
	ErrNotFound            ErrorKind = "not-found"
	ErrTerminalState       ErrorKind = "terminal-state"
	ErrDuplicateID         ErrorKind = "duplicate-id"
	ErrUpstreamUnavailable ErrorKind = "upstream-unavailable"
)

// Error is a classified broker error. Its string form is what gets persisted in tasks.error.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		if e.Err != nil {
			return string(e.Kind) + ": " + e.Err.Error()
		}
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with a formatted detail
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind, keeping it reachable through errors.Is/As
func WrapError(kind ErrorKind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, empty if none
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// SplitError splits a persisted "<kind>: <detail>" string
func SplitError(s string) (code, detail string) {
	if s == "" {
		return "", ""
	}
	code, detail, found := strings.Cut(s, ": ")
	if !found {
		return s, ""
	}
	return code, detail
}
