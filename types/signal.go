package types

import "github.com/juju/errors"

/**
 * StepSignal is an externally reported step outcome: a step whose work
 * runs out of process concludes by posting success or failure against
 * its (transaction_id, step_id). The engine consumes signals as
 * messages and resumes the owning transaction's progression.
 */
type StepSignal struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	TransactionID string `json:"transaction_id"`
	StepID        string `json:"step_id"`
	Action        Action `json:"action"`
	Success       bool   `json:"success"`
	// invoke response, or the compensate input for compensate signals
	Payload Data   `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *StepSignal) Validate() error {
	if s.TransactionID == "" {
		return errors.NotValidf("signal without transaction_id")
	}
	if s.StepID == "" {
		return errors.NotValidf("signal without step_id")
	}
	if !s.Action.Valid() {
		return errors.NotValidf("signal action %q", s.Action)
	}
	if !s.Success && s.Error == "" {
		return errors.NotValidf("failure signal without error")
	}
	return nil
}
