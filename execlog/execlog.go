package execlog

import (
	"context"
	"time"

	"github.com/mkarlin/sagaflow/types"
)

/**
 * StepRecord is one step's durable state within a transaction, keyed by
 * (transaction_id, step_id, action). Payload carries the invoke
 * response, or the compensate input for compensate records.
 */
type StepRecord struct {
	TransactionID string             `json:"transaction_id"`
	StepID        string             `json:"step_id"`
	Action        types.Action       `json:"action"`
	Status        types.StepStatus   `json:"status"`
	Attempt       int                `json:"attempt,omitempty"`
	/**
	 * Seq is the engine-assigned completion order inside the owning
	 * transaction. The reverse sweep compensates in descending Seq.
	 */
	Seq       int64      `json:"seq"`
	Payload   types.Data `json:"payload,omitempty"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (r *StepRecord) Terminal() bool {
	return r.Status.Terminal()
}

/**
 * TransactionRecord is the transaction header. Once the status is
 * terminal the full report fields are durable, so status queries keep
 * working after the in-memory runner is gone.
 */
type TransactionRecord struct {
	TransactionID string                  `json:"transaction_id"`
	WorkflowID    string                  `json:"workflow_id"`
	ParentID      string                  `json:"parent_id,omitempty"`
	ParentStep    string                  `json:"parent_step,omitempty"`
	Status        types.TransactionStatus `json:"status"`
	Input         types.Data              `json:"input,omitempty"`
	Result        types.Data              `json:"result,omitempty"`
	FirstError    string                  `json:"first_error,omitempty"`
	Compensations []types.CompensationOutcome `json:"compensations,omitempty"`
	HookErrors    []string                `json:"hook_errors,omitempty"`
	StartTime     time.Time               `json:"start_time"`
	EndTime       *time.Time              `json:"end_time,omitempty"`
}

/**
 * Log is the only shared mutable resource of the engine. Append is an
 * idempotent upsert: a duplicate write carrying the status already
 * recorded is ignored, any other write against a terminal key is
 * rejected with an already-exists error, preserving at most one
 * terminal transition per key.
 */
type Log interface {
	Append(ctx context.Context, rec *StepRecord) error
	/**
	 * Load returns the transaction's step records ordered by Seq, then
	 * step id for records that never completed.
	 */
	Load(ctx context.Context, transactionID string) ([]*StepRecord, error)
	Find(ctx context.Context, transactionID, stepID string, action types.Action) (*StepRecord, error)

	SaveTransaction(ctx context.Context, rec *TransactionRecord) error
	LoadTransaction(ctx context.Context, transactionID string) (*TransactionRecord, error)

	// ListPending returns ids of transactions without a terminal header,
	// the recovery sweep input after a restart.
	ListPending(ctx context.Context) ([]string, error)

	/**
	 * Remove archives a terminal transaction and its step records.
	 * Removing an unknown transaction is not an error.
	 */
	Remove(ctx context.Context, transactionID string) error
}
