package ports

import (
	log "github.com/sirupsen/logrus"

	"github.com/mkarlin/sagaflow/types"
)

// NewLogBus returns an EventBus that writes each event to the logger,
// for development and tests.
func NewLogBus() EventBus {
	return &logBus{}
}

type logBus struct{}

func (b *logBus) Emit(ctx types.Context, name string, payload types.Data) error {
	log.WithFields(log.Fields{
		"transaction_id": ctx.GetTransactionID(),
		"workflow_id":    ctx.GetWorkflowID(),
		"step_id":        ctx.GetStepID(),
		"event":          name,
	}).Infof("emit %v", payload)
	return nil
}
