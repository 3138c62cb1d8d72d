package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noopInvoke(ctx Context, input Data) (Data, error) {
	return input, nil
}

func TestStepDefinitionValidate(t *testing.T) {
	def := &StepDefinition{Name: "charge", Invoke: noopInvoke}
	assert.Nil(t, def.Validate())

	assert.NotNil(t, (&StepDefinition{Invoke: noopInvoke}).Validate())
	assert.NotNil(t, (&StepDefinition{Name: "charge"}).Validate())
	assert.NotNil(t, (&StepDefinition{Name: "charge", Invoke: noopInvoke, MaxRetries: -1}).Validate())

	nonComp := &StepDefinition{
		Name:           "emit",
		Invoke:         noopInvoke,
		NonCompensable: true,
		Compensate:     func(ctx Context, input Data) error { return nil },
	}
	assert.NotNil(t, nonComp.Validate())
}

func TestStepRetryBackoff(t *testing.T) {
	def := &StepDefinition{Name: "charge", Invoke: noopInvoke, Backoff: time.Second}

	// an explicit backoff requested by the error wins
	assert.Equal(t, 5*time.Second, def.RetryBackoff(5*time.Second))
	assert.Equal(t, time.Second, def.RetryBackoff(0))
}

func TestStepSignalValidate(t *testing.T) {
	sig := &StepSignal{TransactionID: "tx-1", StepID: "charge", Action: ActionInvoke, Success: true}
	assert.Nil(t, sig.Validate())

	assert.NotNil(t, (&StepSignal{StepID: "charge", Action: ActionInvoke, Success: true}).Validate())
	assert.NotNil(t, (&StepSignal{TransactionID: "tx-1", Action: ActionInvoke, Success: true}).Validate())
	assert.NotNil(t, (&StepSignal{TransactionID: "tx-1", StepID: "charge", Action: "retry", Success: true}).Validate())

	// a failure signal must say what failed
	failed := &StepSignal{TransactionID: "tx-1", StepID: "charge", Action: ActionCompensate}
	assert.NotNil(t, failed.Validate())
	failed.Error = "card declined"
	assert.Nil(t, failed.Validate())
}
