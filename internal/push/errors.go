package push

import (
	"errors"
	"fmt"
	"time"
)

// ErrTokenInvalid means the backend no longer recognises the registration
// token. The token must be removed and the send must not be retried.
var ErrTokenInvalid = errors.New("push: registration token is no longer valid")

// RetryableError is a transient backend failure (unavailability, quota,
// network).
type RetryableError struct {
	Reason     string
	RetryAfter time.Duration // zero when the backend gave no hint
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push: retryable: %s: %v", e.Reason, e.Err)
	}
	return "push: retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError is a failure retrying cannot fix (malformed payload,
// rejected credentials, unknown cause).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("push: permanent: %s: %v", e.Reason, e.Err)
	}
	return "push: permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Class is the classification of a single send attempt.
type Class int

const (
	ClassSent Class = iota
	ClassRetryable
	ClassPermanent
	ClassTokenInvalid
)

func (c Class) String() string {
	switch c {
	case ClassSent:
		return "sent"
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	case ClassTokenInvalid:
		return "token_invalid"
	default:
		return "unknown"
	}
}

// Classify maps a Send error to exactly one Class. Unrecognised errors are
// permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassSent
	}
	if errors.Is(err, ErrTokenInvalid) {
		return ClassTokenInvalid
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return ClassRetryable
	}
	return ClassPermanent
}

// RetryAfter returns the backend's retry hint, if any.
func RetryAfter(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
