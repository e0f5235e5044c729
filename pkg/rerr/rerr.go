// Package rerr defines the error taxonomy used across Ralph. Every
// component that needs to branch on error kind wraps its errors in
// *rerr.Error instead of inventing ad-hoc sentinel values, so a single
// errors.As call at any call site recovers the classification.
package rerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the orthogonal error categories.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindConflict  Kind = "conflict"
	KindTransient Kind = "transient"
	KindPolicy    Kind = "policy"
	KindTooling   Kind = "tooling"
	KindUser      Kind = "user"
	KindUnknown   Kind = "unknown"
)

// Error is a classified error with an optional retry-after hint.
type Error struct {
	Kind      Kind
	Message   string
	ResumeAt  time.Time // non-zero for KindRateLimit
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WrapRateLimit classifies a rate_limit error with its computed resume
// instant.
func WrapRateLimit(msg string, resumeAt time.Time, err error) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, ResumeAt: resumeAt, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown when err is
// not (or does not wrap) a *rerr.Error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
