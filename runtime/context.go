package runtime

import (
	"context"

	"github.com/mkarlin/sagaflow/types"
)

var (
	_ types.Context = &txContext{}
)

/**
 * txContext is what step, transform and hook bodies see. It scopes the
 * ambient context to one action of one transaction; the engine swaps
 * the step fields per dispatch.
 */
type txContext struct {
	context.Context

	transactionID string
	workflowID    string
	stepID        string
	attempt       int
}

func newTxContext(ctx context.Context, transactionID, workflowID, stepID string, attempt int) *txContext {
	return &txContext{
		Context:       ctx,
		transactionID: transactionID,
		workflowID:    workflowID,
		stepID:        stepID,
		attempt:       attempt,
	}
}

func (c *txContext) GetTransactionID() string {
	return c.transactionID
}

func (c *txContext) GetWorkflowID() string {
	return c.workflowID
}

func (c *txContext) GetStepID() string {
	return c.stepID
}

func (c *txContext) GetAttempt() int {
	return c.attempt
}
