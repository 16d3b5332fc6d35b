package queue

import (
	"context"
	"errors"

	"promptstash/internal/models"
)

// MaxAttempts is the delivery budget for one work item. A transient failure
// is redelivered until the budget is spent; the final attempt must settle
// the session one way or the other.
const MaxAttempts = 3

// Handler processes one delivery of a work item. attempt starts at 1 and
// never exceeds MaxAttempts. Returning a transient error requests
// redelivery; any other error (or nil) settles the item.
type Handler func(ctx context.Context, item models.WorkItem, attempt int) error

// Publisher hands a work item to the transport for asynchronous,
// at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, item models.WorkItem) error
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable by the transport.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error requested redelivery.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
