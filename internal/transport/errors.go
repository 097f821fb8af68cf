package transport

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnreachable  = errors.New("backend unreachable")
	ErrRejected     = errors.New("request rejected")
)

// Error is the normalized transport failure. errors.Is matches both its Kind
// and the underlying cause.
type Error struct {
	Op     string
	Kind   error
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Kind returns which of the three transport failure kinds err is, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrUnauthorized, ErrUnreachable, ErrRejected} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
