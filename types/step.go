package types

import (
	"time"

	"github.com/juju/errors"
)

type InvokeFunc func(ctx Context, input Data) (Data, error)
type CompensateFunc func(ctx Context, input Data) error
type TransformFunc func(ctx Context, input Data) (Data, error)
type PredicateFunc func(ctx Context, input Data) (bool, error)
type HookFunc func(ctx Context, result Data) error

/**
 * StepDefinition is the registry unit: an invoke action plus an
 * optional compensate action. Invoke must be safe to retry, the engine
 * deduplicates by (transaction_id, step_id). Compensate carries
 * at-least-once semantics and must treat "already compensated" as
 * success.
 */
type StepDefinition struct {
	Name string

	Invoke     InvokeFunc
	Compensate CompensateFunc

	/**
	 * NonCompensable declares the step has no externally visible effect
	 * to reverse (event emission, pure reads). The reverse sweep skips
	 * it. A compensable step without a Compensate handler that must be
	 * reversed ends the transaction in the failed state.
	 */
	NonCompensable bool

	/**
	 * Async steps launch work whose conclusion is reported externally
	 * through the step signaling endpoint. After Invoke returns the
	 * step parks in the awaiting state until a signal arrives.
	 */
	Async bool

	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration

	// NotFoundError is terminal for this step unless set
	RetryNotFound bool
}

func (d *StepDefinition) Validate() error {
	if d.Name == "" {
		return errors.BadRequestf("step name is empty")
	}
	if d.Invoke == nil {
		return errors.BadRequestf("step %s: invoke handler is nil", d.Name)
	}
	if d.MaxRetries < 0 {
		return errors.BadRequestf("step %s: negative retry count", d.Name)
	}
	if d.NonCompensable && d.Compensate != nil {
		return errors.BadRequestf("step %s: non-compensable step declares a compensate handler", d.Name)
	}
	return nil
}

/**
 * RetryBackoff picks the wait before the given 1-based attempt is
 * retried. An explicit backoff requested by a TransientError wins over
 * the step's own policy.
 */
func (d *StepDefinition) RetryBackoff(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return d.Backoff
}
