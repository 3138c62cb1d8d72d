package types

import (
	"context"
)

type TransactionStatus int32

const (
	TxNone         TransactionStatus = 0
	TxPending      TransactionStatus = 1
	TxInvoking     TransactionStatus = 2
	TxPaused       TransactionStatus = 3
	TxCompensating TransactionStatus = 4
	TxDone         TransactionStatus = 10
	TxReverted     TransactionStatus = 11
	TxFailed       TransactionStatus = 12
)

func (s TransactionStatus) Terminal() bool {
	return s == TxDone || s == TxReverted || s == TxFailed
}

func (s TransactionStatus) String() string {
	switch s {
	case TxNone:
		return "none"
	case TxPending:
		return "pending"
	case TxInvoking:
		return "invoking"
	case TxPaused:
		return "paused"
	case TxCompensating:
		return "compensating"
	case TxDone:
		return "done"
	case TxReverted:
		return "reverted"
	case TxFailed:
		return "failed"
	}
	return "unknown"
}

type StepStatus int32

const (
	StepNone        StepStatus = 0
	StepPending     StepStatus = 1
	StepRunning     StepStatus = 2
	StepAwaiting    StepStatus = 3
	StepSuccess     StepStatus = 10
	StepFailed      StepStatus = 11
	StepSkipped     StepStatus = 12
	StepCompensated StepStatus = 13
)

/**
 * Terminal reports whether a step record may no longer transition.
 * The execution log enforces at most one terminal transition per
 * (transaction_id, step_id, action) key.
 */
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped || s == StepCompensated
}

func (s StepStatus) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepAwaiting:
		return "awaiting"
	case StepSuccess:
		return "success"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	case StepCompensated:
		return "compensated"
	}
	return "unknown"
}

type Action string

const (
	ActionInvoke     Action = "invoke"
	ActionCompensate Action = "compensate"
)

func (a Action) Valid() bool {
	return a == ActionInvoke || a == ActionCompensate
}

type Context interface {
	context.Context

	GetTransactionID() string
	GetWorkflowID() string
	GetStepID() string
	/**
	 * GetAttempt returns the 1-based attempt counter of the current
	 * invoke. Compensations always report attempt 1.
	 */
	GetAttempt() int
}
