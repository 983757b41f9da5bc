package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownAck matches every *UnknownAckError.
	ErrUnknownAck = errors.New("unknown ack")
)

// ValidationError reports structurally invalid input. It is always returned
// before the store is touched.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "queue: " + e.Reason
	}
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// UnknownAckError is returned by Renew and Complete when the ack does not name
// a live lease. The token may never have existed, may have expired, or may
// belong to a message that is already done; these are not told apart.
type UnknownAckError struct {
	Op  string
	Ack string
}

func (e *UnknownAckError) Error() string {
	return fmt.Sprintf("queue: %s: unidentified ack %q", e.Op, e.Ack)
}

func (e *UnknownAckError) Is(target error) bool {
	return target == ErrUnknownAck
}
