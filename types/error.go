package types

import (
	"context"
	"time"

	"github.com/juju/errors"
)

var (
	_ error = &ValidationError{}
	_ error = &NotFoundError{}
	_ error = &TransientError{}
	_ error = &CompensationError{}
	_ error = &ConsistencyError{}
)

/**
 * The engine classifies every error escaping a step or transform body.
 * Only the classification decides between retry, compensate and
 * fatal-freeze:
 *
 *   ValidationError   malformed input, fails fast, never retried
 *   NotFoundError     referenced entity absent, retried only when the
 *                     step opts in via RetryNotFound
 *   TransientError    network/lock style failure, retried per policy
 *   CompensationError a compensate action failed, recorded without
 *                     stopping the reverse sweep
 *   ConsistencyError  log corruption or an impossible transition, the
 *                     transaction is frozen for operator attention
 *
 * Anything unclassified is treated as a terminal step failure.
 */

func NewValidationError(otherErr error) error {
	return &ValidationError{baseError: newBaseErr(otherErr)}
}

func NewValidationErrorf(format string, args ...interface{}) error {
	return NewValidationError(errors.Errorf(format, args...))
}

func NewNotFoundError(otherErr error) error {
	return &NotFoundError{baseError: newBaseErr(otherErr)}
}

func NewNotFoundErrorf(format string, args ...interface{}) error {
	return NewNotFoundError(errors.Errorf(format, args...))
}

func NewTransientError(otherErr error, backoff time.Duration) error {
	return &TransientError{baseError: newBaseErr(otherErr), Backoff: backoff}
}

func NewTransientErrorf(backoff time.Duration, format string, args ...interface{}) error {
	return NewTransientError(errors.Errorf(format, args...), backoff)
}

func NewCompensationError(stepID string, otherErr error) error {
	return &CompensationError{baseError: newBaseErr(otherErr), StepID: stepID}
}

func NewConsistencyError(otherErr error) error {
	return &ConsistencyError{baseError: newBaseErr(otherErr)}
}

func NewConsistencyErrorf(format string, args ...interface{}) error {
	return NewConsistencyError(errors.Errorf(format, args...))
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

type ValidationError struct {
	*baseError
}

type NotFoundError struct {
	*baseError
}

type TransientError struct {
	*baseError
	Backoff time.Duration
}

type CompensationError struct {
	*baseError
	StepID string
}

type ConsistencyError struct {
	*baseError
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch errors.Cause(err).(type) {
	case *TransientError:
		return true
	}
	// a step or transaction deadline expiring behaves like an invoke
	// failure, subject to the same retry policy
	return errors.Cause(err) == context.DeadlineExceeded
}

func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	_, ok := errors.Cause(err).(*ValidationError)
	return ok
}

func IsStepNotFound(err error) bool {
	if err == nil {
		return false
	}
	_, ok := errors.Cause(err).(*NotFoundError)
	return ok
}

func IsConsistency(err error) bool {
	if err == nil {
		return false
	}
	_, ok := errors.Cause(err).(*ConsistencyError)
	return ok
}

/**
 * TransientBackoff reports the backoff the error itself requested, or
 * zero when the step's own policy should decide.
 */
func TransientBackoff(err error) time.Duration {
	if err == nil {
		return 0
	}
	if te, ok := errors.Cause(err).(*TransientError); ok {
		return te.Backoff
	}
	return 0
}
