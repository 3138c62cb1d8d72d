package types

import "time"

/**
 * CompensationOutcome records one attempted compensation of the
 * reverse sweep. A non-empty Error marks a best-effort failure that
 * downgrades the terminal status from reverted to failed.
 */
type CompensationOutcome struct {
	StepID string `json:"step_id"`
	Error  string `json:"error,omitempty"`
}

/**
 * TransactionReport is what the invoking caller gets back: the terminal
 * status, the first classified error, and the attempted compensations.
 * Partial success is reported explicitly rather than masked.
 */
type TransactionReport struct {
	TransactionID string            `json:"transaction_id"`
	WorkflowID    string            `json:"workflow_id"`
	Status        TransactionStatus `json:"status"`
	StatusLabel   string            `json:"status_label"`

	Result Data `json:"result,omitempty"`

	FirstError    string                `json:"first_error,omitempty"`
	Compensations []CompensationOutcome `json:"compensations,omitempty"`
	HookErrors    []string              `json:"hook_errors,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
