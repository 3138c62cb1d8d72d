package runtime

import (
	"context"
	"sort"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/types"
)

/**
 * Recover resumes every non-terminal transaction found in the execution
 * log, typically after a process restart. Completed and skipped step
 * records are honored as-is, records left in the running state are
 * re-dispatched, awaiting ones keep waiting for their signal.
 * Transforms and conditions are deterministic and simply re-run.
 */
func (e *Engine) Recover(ctx context.Context) (map[string]error, error) {
	ids, err := e.log.ListPending(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	errs := make(map[string]error, len(ids))
	for _, id := range ids {
		if e.batch.exists(id) {
			continue
		}
		errs[id] = errors.Trace(e.resumeTransaction(ctx, id))
	}
	return errs, nil
}

func (e *Engine) resumeTransaction(ctx context.Context, transactionID string) error {
	if e.batch.exists(transactionID) {
		return errors.AlreadyExistsf("transaction: %s", transactionID)
	}

	rec, err := e.log.LoadTransaction(ctx, transactionID)
	if err != nil {
		return errors.Trace(err)
	}
	if rec.Status.Terminal() {
		return errors.AlreadyExistsf("transaction %s already %s", transactionID, rec.Status)
	}

	r, err := e.buildRunner(ctx, rec, false)
	if err != nil {
		return errors.Trace(err)
	}
	if err := e.batch.add(transactionID, r); err != nil {
		return errors.Trace(err)
	}

	e.reconcileChildren(ctx, r)
	return nil
}

/**
 * startChildCompensation sweeps a completed child on behalf of its
 * parent's compensation: a runner is rebuilt from the child's log in
 * the compensating state and its terminal outcome concludes the parent
 * step's compensate action.
 */
func (e *Engine) startChildCompensation(ctx context.Context, rec *execlog.TransactionRecord) error {
	r, err := e.buildRunner(ctx, rec, true)
	if err != nil {
		return errors.Trace(err)
	}

	r.status = types.TxCompensating
	r.endTime = nil
	r.rebuildCompQueue()
	if err := r.saveTransaction(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.batch.add(rec.TransactionID, r))
}

func (e *Engine) buildRunner(ctx context.Context, rec *execlog.TransactionRecord,
	parentCompensation bool) (*txRunner, error) {
	entity, exists := e.getWorkflow(rec.WorkflowID)
	if !exists {
		return nil, errors.NotFoundf("workflow: %s", rec.WorkflowID)
	}

	records, err := e.log.Load(ctx, rec.TransactionID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	r := newTxRunner(e.log, e.reg, e, entity.plan, rec.TransactionID, rec.Input,
		rec.ParentID, rec.ParentStep, e.async, e.txTimeout)
	r.parentCompensation = parentCompensation
	r.status = rec.Status
	r.firstErr = rec.FirstError
	r.hookErrs = rec.HookErrors
	r.startTime = rec.StartTime

	if err := r.applyRecords(records); err != nil {
		// the log names a step the plan does not have, advancing would
		// corrupt the transaction
		r.firstErr = err.Error()
		r.status = types.TxFailed
		if saveErr := r.saveTransaction(ctx); saveErr != nil {
			log.Errorf("%s failed to persist frozen transaction: %v", rec.TransactionID, saveErr)
		}
		return nil, errors.Trace(err)
	}

	if r.status == types.TxCompensating {
		r.rebuildCompQueue()
	}
	return r, nil
}

func (r *txRunner) applyRecords(records []*execlog.StepRecord) error {
	for _, rec := range records {
		st, exists := r.steps[rec.StepID]
		if !exists {
			return types.NewConsistencyErrorf("record for unknown step %s", rec.StepID)
		}

		switch rec.Action {
		case types.ActionInvoke:
			r.applyInvokeRecord(st, rec)
		case types.ActionCompensate:
			r.applyCompensateRecord(st, rec)
		}
	}
	return nil
}

func (r *txRunner) applyInvokeRecord(st *stepState, rec *execlog.StepRecord) {
	st.attempt = rec.Attempt
	switch rec.Status {
	case types.StepSuccess:
		st.status = types.StepSuccess
		st.seq = rec.Seq
		st.output = rec.Payload
		st.compInput = rec.Payload
		if rec.Seq > r.seq {
			r.seq = rec.Seq
		}
	case types.StepSkipped:
		st.status = types.StepSkipped
		st.output = types.AbsentData()
	case types.StepFailed:
		st.status = types.StepFailed
		st.errMsg = rec.Error
	case types.StepAwaiting:
		st.status = types.StepAwaiting
	case types.StepRunning:
		// the previous process died mid-flight, re-dispatch
		st.status = types.StepPending
	}
}

func (r *txRunner) applyCompensateRecord(st *stepState, rec *execlog.StepRecord) {
	st.compAttempt = rec.Attempt
	switch rec.Status {
	case types.StepCompensated:
		st.compStatus = types.StepCompensated
		r.compOutcomes = append(r.compOutcomes,
			types.CompensationOutcome{StepID: rec.StepID})
	case types.StepFailed:
		st.compStatus = types.StepFailed
		r.compFailed = true
		r.compOutcomes = append(r.compOutcomes,
			types.CompensationOutcome{StepID: rec.StepID, Error: rec.Error})
	case types.StepRunning:
		st.compStatus = types.StepNone
	}
}

/**
 * rebuildCompQueue reconstructs the reverse sweep from rebuilt step
 * states: every succeeded compensable step in reverse completion order.
 * Steps already swept keep their terminal compensation status and are
 * passed over when the sweep advances.
 */
func (r *txRunner) rebuildCompQueue() {
	succeeded := make([]*stepState, 0)
	for _, st := range r.steps {
		if st.status == types.StepSuccess && r.compensable(st) {
			succeeded = append(succeeded, st)
		}
	}
	sort.Slice(succeeded, func(i, j int) bool {
		return succeeded[i].seq > succeeded[j].seq
	})

	r.compQueue = make([]string, 0, len(succeeded))
	for _, st := range succeeded {
		r.compQueue = append(r.compQueue, st.node.Name)
	}
	r.compPos = 0
}

/**
 * reconcileChildren closes the gap between a resumed parent and its
 * sub-workflow children: children that reached a terminal state while
 * the parent was down are relayed as signals, children still pending in
 * the log are resumed alongside the parent.
 */
func (e *Engine) reconcileChildren(ctx context.Context, r *txRunner) {
	type awaitingChild struct {
		node   *plan.Node
		action types.Action
		input  types.Data
	}

	r.mu.Lock()
	awaiting := make([]awaitingChild, 0)
	for _, st := range r.steps {
		if st.node.Kind != plan.KindSubWorkflow {
			continue
		}
		if st.compStatus == types.StepAwaiting {
			awaiting = append(awaiting, awaitingChild{node: st.node, action: types.ActionCompensate})
		} else if st.status == types.StepAwaiting {
			awaiting = append(awaiting, awaitingChild{
				node:   st.node,
				action: types.ActionInvoke,
				input:  r.buildInput(st.node),
			})
		}
	}
	r.mu.Unlock()

	for _, child := range awaiting {
		childID := childTransactionID(r.txID, child.node.Name)
		if e.batch.exists(childID) {
			continue
		}

		childRec, err := e.log.LoadTransaction(ctx, childID)
		if errors.IsNotFound(err) {
			// the enqueued message died with the previous process, replay it
			if child.action == types.ActionInvoke {
				err = r.host.enqueueSpawnChild(child.node.Workflow, childID, child.input,
					r.txID, child.node.Name)
			} else {
				err = r.host.enqueueCompensateChild(childID, r.txID, child.node.Name)
			}
			if err != nil {
				log.Errorf("%s failed to re-enqueue child %s: %v", r.txID, childID, err)
			}
			continue
		}
		if err != nil {
			log.Errorf("%s failed to look up child %s: %v", r.txID, childID, err)
			continue
		}

		if child.action == types.ActionCompensate {
			switch childRec.Status {
			case types.TxReverted, types.TxFailed:
				e.relayChildOutcome(r.txID, child.node.Name, types.ActionCompensate, childRec)
			default:
				// the sweep request died with the previous process
				if err := r.host.enqueueCompensateChild(childID, r.txID, child.node.Name); err != nil {
					log.Errorf("%s failed to re-enqueue child %s: %v", r.txID, childID, err)
				}
			}
			continue
		}

		if childRec.Status.Terminal() {
			e.relayChildOutcome(r.txID, child.node.Name, types.ActionInvoke, childRec)
			continue
		}
		if err := e.resumeTransaction(ctx, childID); err != nil {
			log.Errorf("%s failed to resume child %s: %v", r.txID, childID, err)
		}
	}
}
