package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/types"
	"github.com/mkarlin/sagaflow/utils"
)

/**
 * runnerHost is the engine surface a runner may call back into. Every
 * method only enqueues; the engine processes the messages outside the
 * batch lock, so runners never re-enter the scheduler.
 */
type runnerHost interface {
	enqueueSpawnChild(workflowID, transactionID string, input types.Data, parentID, parentStep string) error
	enqueueCompensateChild(transactionID, parentID, parentStep string) error
	enqueueNotifyParent(parentID, parentStep string, action types.Action, success bool, payload types.Data, errMsg string) error
	hookHandlers(workflowID, hookName string) []types.HookFunc
	submit(task func())
}

type stepState struct {
	node *plan.Node
	def  *types.StepDefinition

	status      types.StepStatus
	attempt     int
	nextRunTime time.Time
	seq         int64
	output      types.Data
	errMsg      string
	inflight    bool

	// reverse sweep side, StepNone until the sweep reaches this step
	compStatus      types.StepStatus
	compAttempt     int
	compNextRunTime time.Time
	compInflight    bool
	compInput       types.Data
}

func (s *stepState) resolved() bool {
	return s.status == types.StepSuccess || s.status == types.StepSkipped
}

type stepResult struct {
	name   string
	action types.Action
	output types.Data
	err    error
	// set when the outcome arrived through the signaling endpoint
	external bool
}

/**
 * txRunner executes one transaction: it walks the plan in dependency
 * order, dispatches ready steps, applies results and signals, and runs
 * the reverse sweep when compensation begins. All mutation happens
 * under mu, so execution log writes per (transaction_id, step_id) are
 * serialized.
 */
type txRunner struct {
	mu sync.Mutex

	log  execlog.Log
	reg  *registry.Registry
	host runnerHost

	plan  *plan.Plan
	txID  string
	input types.Data

	parentID   string
	parentStep string
	/**
	 * parentCompensation marks a runner rebuilt to sweep an already
	 * completed child on behalf of its parent's compensation; its
	 * terminal outcome concludes the parent step's compensate action
	 * instead of its invoke.
	 */
	parentCompensation bool

	status   types.TransactionStatus
	firstErr string

	steps map[string]*stepState
	seq   int64

	compQueue    []string
	compPos      int
	compFailed   bool
	compOutcomes []types.CompensationOutcome

	hookErrs []string

	signalCh chan *types.StepSignal
	resultCh chan *stepResult

	nextStatusMu sync.Mutex
	nextStatus   types.TransactionStatus

	async    bool
	deadline time.Time

	createTime  time.Time
	lastRunTime time.Time
	startTime   time.Time
	endTime     *time.Time
}

func newTxRunner(l execlog.Log, reg *registry.Registry, host runnerHost, p *plan.Plan,
	txID string, input types.Data, parentID, parentStep string, async bool, timeout time.Duration) *txRunner {
	r := &txRunner{
		log:        l,
		reg:        reg,
		host:       host,
		plan:       p,
		txID:       txID,
		input:      input,
		parentID:   parentID,
		parentStep: parentStep,
		status:     types.TxPending,
		steps:      make(map[string]*stepState),
		signalCh:   make(chan *types.StepSignal, 64),
		resultCh:   make(chan *stepResult, 4*len(p.Nodes)+8),
		async:      async,
		createTime: time.Now(),
		startTime:  time.Now(),
	}
	if timeout > 0 {
		r.deadline = time.Now().Add(timeout)
	}

	for name, node := range p.Nodes {
		if node.Kind == plan.KindHook {
			continue
		}
		st := &stepState{node: node, status: types.StepPending}
		if node.Kind == plan.KindStep {
			st.def, _ = reg.Get(node.Step)
		}
		r.steps[name] = st
	}
	return r
}

func (r *txRunner) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status.Terminal()
}

func (r *txRunner) canRun() bool {
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()

	return !r.status.Terminal()
}

func (r *txRunner) forceStatus(ctx context.Context, status types.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil
	}
	r.status = status
	return errors.Trace(r.saveTransaction(ctx))
}

/**
 * requestStatus registers an external control transition applied at the
 * next safe checkpoint. Pause holds new dispatches, resume continues,
 * compensating aborts: in-flight steps settle first, only their
 * downstream continuation is suppressed.
 */
func (r *txRunner) requestStatus(status types.TransactionStatus) error {
	// lock order is mu before nextStatusMu (runOnce takes nextStatusMu
	// inside the pass), so the status must be read before nextStatusMu is
	// held. The check is a snapshot, applyRequestedStatus re-validates
	// under mu.
	current := r.currentStatus()
	if !canRequestStatus(current, status) {
		return errors.Forbiddenf("unsupported transition from %v to %v", current, status)
	}

	r.nextStatusMu.Lock()
	defer r.nextStatusMu.Unlock()
	r.nextStatus = status
	return nil
}

func canRequestStatus(current, next types.TransactionStatus) bool {
	switch next {
	case types.TxPaused:
		return current == types.TxPending || current == types.TxInvoking
	case types.TxInvoking: // resume
		return current == types.TxPaused
	case types.TxCompensating: // abort
		return current == types.TxPending || current == types.TxInvoking || current == types.TxPaused
	}
	return false
}

func (r *txRunner) currentStatus() types.TransactionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

/**
 * signal validates and enqueues an externally reported outcome. The
 * caller gets the conflict immediately; the state change happens on
 * the engine loop.
 */
func (r *txRunner) signal(sig *types.StepSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.steps[sig.StepID]
	if !exists {
		return errors.NotFoundf("step %s in transaction %s", sig.StepID, r.txID)
	}

	switch sig.Action {
	case types.ActionInvoke:
		if st.status.Terminal() {
			return errors.AlreadyExistsf("step %s already %s", sig.StepID, st.status)
		}
		if st.status != types.StepAwaiting && st.status != types.StepRunning {
			return errors.NotValidf("step %s not launched (status %s)", sig.StepID, st.status)
		}
	case types.ActionCompensate:
		if st.compStatus.Terminal() {
			return errors.AlreadyExistsf("step %s compensation already %s", sig.StepID, st.compStatus)
		}
		if st.compStatus != types.StepAwaiting && st.compStatus != types.StepRunning {
			return errors.NotValidf("step %s compensation not launched", sig.StepID)
		}
	default:
		return errors.NotValidf("action %q", sig.Action)
	}

	select {
	case r.signalCh <- sig:
		return nil
	default:
		return errors.New("signal queue full")
	}
}

func (r *txRunner) runOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return nil
	}
	r.lastRunTime = time.Now()

	r.drainSignals(ctx)
	r.drainResults(ctx)
	r.applyRequestedStatus(ctx)

	if r.status.Terminal() || r.status == types.TxPaused {
		return nil
	}

	if !r.deadline.IsZero() && time.Now().After(r.deadline) &&
		(r.status == types.TxPending || r.status == types.TxInvoking) {
		r.failTransaction(ctx, types.NewTransientErrorf(0, "transaction deadline exceeded"))
	}

	switch r.status {
	case types.TxPending:
		r.status = types.TxInvoking
		if err := r.saveTransaction(ctx); err != nil {
			log.Errorf("%s failed to persist transaction: %v", r.txID, err)
		}
		r.advanceInvoking(ctx)

	case types.TxInvoking:
		r.advanceInvoking(ctx)

	case types.TxCompensating:
		r.advanceCompensation(ctx)
	}
	return nil
}

func (r *txRunner) applyRequestedStatus(ctx context.Context) {
	r.nextStatusMu.Lock()
	next := r.nextStatus
	r.nextStatus = types.TxNone
	r.nextStatusMu.Unlock()

	if next == types.TxNone || r.status.Terminal() {
		return
	}
	if !canRequestStatus(r.status, next) {
		log.Errorf("%s dropped transition from %v to %v", r.txID, r.status, next)
		return
	}
	if next == types.TxCompensating {
		r.failTransaction(ctx, errors.Errorf("transaction aborted"))
		return
	}
	r.status = next
	if err := r.saveTransaction(ctx); err != nil {
		log.Errorf("%s failed to persist transaction: %v", r.txID, err)
	}
}

func (r *txRunner) drainSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalCh:
			r.applySignal(ctx, sig)
		default:
			return
		}
	}
}

func (r *txRunner) applySignal(ctx context.Context, sig *types.StepSignal) {
	res := &stepResult{name: sig.StepID, action: sig.Action, output: sig.Payload, external: true}
	if !sig.Success {
		// the external reporter owns retries, a failure signal is final
		res.err = errors.New(sig.Error)
	}
	r.applyResult(ctx, res)
}

func (r *txRunner) drainResults(ctx context.Context) {
	for {
		select {
		case res := <-r.resultCh:
			r.applyResult(ctx, res)
		default:
			return
		}
	}
}

/**
 * advanceInvoking dispatches every node whose dependencies resolved.
 * Pure nodes run inline; steps go to the worker pool unless the engine
 * runs in deterministic inline mode.
 */
func (r *txRunner) advanceInvoking(ctx context.Context) {
	progress := true
	for progress && r.status == types.TxInvoking {
		progress = false
		for _, name := range r.plan.Order {
			st, exists := r.steps[name]
			if !exists || st.status != types.StepPending || st.inflight {
				continue
			}
			if !r.depsResolved(st.node) {
				continue
			}
			if !st.nextRunTime.IsZero() && time.Now().Before(st.nextRunTime) {
				continue
			}
			if r.guardSkips(st.node) {
				r.skipStep(ctx, st)
				progress = true
				continue
			}
			if r.dispatch(ctx, st) {
				progress = true
			}
			if r.status != types.TxInvoking {
				return
			}
		}
		if !r.async {
			// inline mode completes dispatched steps synchronously
			r.drainResults(ctx)
		}
	}

	if r.status == types.TxInvoking && r.allResolved() {
		r.complete(ctx)
	}
}

func (r *txRunner) depsResolved(node *plan.Node) bool {
	for _, dep := range node.Deps {
		st, exists := r.steps[dep]
		if !exists {
			// hook nodes cannot be depended on, the builder prevents it
			return false
		}
		if !st.resolved() {
			return false
		}
	}
	return true
}

/**
 * guardSkips resolves the conditional gating a node: false predicate or
 * an absent guard output (nested skipped conditional) suppresses it.
 */
func (r *txRunner) guardSkips(node *plan.Node) bool {
	if node.Guard == "" {
		return false
	}
	guard, exists := r.steps[node.Guard]
	if !exists {
		return true
	}
	if guard.status == types.StepSkipped || guard.output.IsAbsent() {
		return true
	}
	pass, _ := guard.output.GetBool("result")
	return !pass
}

func (r *txRunner) skipStep(ctx context.Context, st *stepState) {
	st.status = types.StepSkipped
	st.output = types.AbsentData()
	if persisted(st.node) {
		r.appendRecord(ctx, st, types.ActionInvoke, types.StepSkipped, types.AbsentData(), "")
	}
}

func persisted(node *plan.Node) bool {
	// pure nodes re-run deterministically on replay instead
	return node.Kind == plan.KindStep || node.Kind == plan.KindSubWorkflow
}

func (r *txRunner) dispatch(ctx context.Context, st *stepState) bool {
	switch st.node.Kind {
	case plan.KindTransform, plan.KindCondition:
		r.runPureNode(ctx, st)
		return true

	case plan.KindStep:
		return r.dispatchStep(ctx, st)

	case plan.KindSubWorkflow:
		return r.dispatchSubWorkflow(ctx, st)
	}
	return false
}

func (r *txRunner) runPureNode(ctx context.Context, st *stepState) {
	input := r.buildInput(st.node)
	tc := newTxContext(ctx, r.txID, r.plan.WorkflowID, st.node.Name, 1)

	output, err := runPure(tc, st.node, input)
	if err != nil {
		// deterministic failure, retry would replay the same error
		st.status = types.StepFailed
		st.errMsg = err.Error()
		r.failTransaction(ctx, err)
		return
	}
	st.status = types.StepSuccess
	st.seq = r.nextSeq()
	st.output = output
}

func runPure(tc types.Context, node *plan.Node, input types.Data) (output types.Data, retErr error) {
	defer func() {
		if p := recover(); p != nil {
			retErr = errors.Errorf("panic in %s: %v", node.Name, p)
		}
	}()

	if node.Kind == plan.KindCondition {
		pass, err := node.Predicate(tc, input)
		if err != nil {
			return nil, err
		}
		return types.Data{"result": pass}, nil
	}
	return node.Transform(tc, input)
}

func (r *txRunner) dispatchStep(ctx context.Context, st *stepState) bool {
	if st.def == nil {
		r.freeze(ctx, types.NewConsistencyErrorf("step %s not registered", st.node.Step))
		return false
	}

	st.attempt++
	st.inflight = true
	st.status = types.StepRunning
	r.appendRecord(ctx, st, types.ActionInvoke, types.StepRunning, nil, "")

	input := r.buildInput(st.node)
	def := st.def
	name := st.node.Name
	attempt := st.attempt

	task := func() {
		r.resultCh <- r.invokeStep(ctx, def, name, attempt, input)
	}
	if r.async {
		r.host.submit(task)
	} else {
		task()
	}
	return true
}

func (r *txRunner) invokeStep(ctx context.Context, def *types.StepDefinition, name string, attempt int, input types.Data) (res *stepResult) {
	res = &stepResult{name: name, action: types.ActionInvoke}
	defer func() {
		if p := recover(); p != nil {
			res.output = nil
			res.err = errors.Errorf("panic in step %s: %v", name, p)
		}
	}()

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	tc := newTxContext(runCtx, r.txID, r.plan.WorkflowID, name, attempt)
	res.output, res.err = def.Invoke(tc, input)
	return res
}

func (r *txRunner) dispatchSubWorkflow(ctx context.Context, st *stepState) bool {
	childID := childTransactionID(r.txID, st.node.Name)
	st.status = types.StepAwaiting
	st.inflight = true
	r.appendRecord(ctx, st, types.ActionInvoke, types.StepAwaiting, nil, "")

	input := r.buildInput(st.node)
	if err := r.host.enqueueSpawnChild(st.node.Workflow, childID, input, r.txID, st.node.Name); err != nil {
		st.inflight = false
		st.status = types.StepFailed
		st.errMsg = err.Error()
		r.failTransaction(ctx, err)
		return false
	}
	return true
}

func childTransactionID(parent, node string) string {
	return parent + "." + node
}

func (r *txRunner) applyResult(ctx context.Context, res *stepResult) {
	st, exists := r.steps[res.name]
	if !exists {
		log.Errorf("%s result for unknown node %s", r.txID, res.name)
		return
	}

	if res.action == types.ActionCompensate {
		r.applyCompensateResult(ctx, st, res)
		return
	}

	st.inflight = false
	if res.err == nil {
		r.applyInvokeSuccess(ctx, st, res)
		return
	}
	r.applyInvokeFailure(ctx, st, res.err)
}

func (r *txRunner) applyInvokeSuccess(ctx context.Context, st *stepState, res *stepResult) {
	if st.status.Terminal() {
		log.Errorf("%s duplicate success for %s ignored", r.txID, st.node.Name)
		return
	}
	if st.def != nil && st.def.Async && !res.external {
		// the launch succeeded, the conclusion arrives through the
		// signaling endpoint
		st.status = types.StepAwaiting
		r.appendRecord(ctx, st, types.ActionInvoke, types.StepAwaiting, nil, "")
		return
	}
	output := res.output
	st.status = types.StepSuccess
	st.seq = r.nextSeq()
	st.output = output
	st.compInput = output
	if persisted(st.node) {
		r.appendRecord(ctx, st, types.ActionInvoke, types.StepSuccess, output, "")
	}

	if r.status == types.TxCompensating && r.compensable(st) {
		// the in-flight step settled after the abort checkpoint, it is
		// now the most recently succeeded and compensates first
		r.compQueue = append(r.compQueue[:r.compPos],
			append([]string{st.node.Name}, r.compQueue[r.compPos:]...)...)
	}
}

func (r *txRunner) applyInvokeFailure(ctx context.Context, st *stepState, err error) {
	if types.IsConsistency(err) {
		st.status = types.StepFailed
		st.errMsg = err.Error()
		r.appendRecord(ctx, st, types.ActionInvoke, types.StepFailed, nil, st.errMsg)
		r.freeze(ctx, err)
		return
	}

	retryable := types.IsTransient(err)
	if st.def != nil && st.def.RetryNotFound && types.IsStepNotFound(err) {
		retryable = true
	}
	if types.IsValidation(err) {
		retryable = false
	}

	if retryable && st.def != nil && st.attempt <= st.def.MaxRetries {
		backoff := utils.ExponentialBackoff(
			st.def.RetryBackoff(types.TransientBackoff(err)), st.attempt+1, 0)
		st.status = types.StepPending
		st.nextRunTime = time.Now().Add(backoff)
		log.Debugf("%s step %s attempt %d failed, retrying in %v: %v",
			r.txID, st.node.Name, st.attempt, backoff, err)
		return
	}

	st.status = types.StepFailed
	st.errMsg = err.Error()
	if persisted(st.node) {
		r.appendRecord(ctx, st, types.ActionInvoke, types.StepFailed, nil, st.errMsg)
	}
	if r.status == types.TxCompensating {
		return
	}
	r.failTransaction(ctx, err)
}

/**
 * failTransaction enters the compensating phase: the first classified
 * error is retained and every previously succeeded compensable step is
 * queued in strict reverse completion order.
 */
func (r *txRunner) failTransaction(ctx context.Context, err error) {
	if r.status == types.TxCompensating || r.status.Terminal() {
		return
	}
	if r.firstErr == "" && err != nil {
		r.firstErr = err.Error()
	}
	r.status = types.TxCompensating

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

	if err := r.saveTransaction(ctx); err != nil {
		log.Errorf("%s failed to persist transaction: %v", r.txID, err)
	}
	r.advanceCompensation(ctx)
}

func (r *txRunner) compensable(st *stepState) bool {
	switch st.node.Kind {
	case plan.KindSubWorkflow:
		return true
	case plan.KindStep:
		return st.def == nil || !st.def.NonCompensable
	}
	return false
}

/**
 * advanceCompensation walks the reverse sweep one step at a time. The
 * sweep is best-effort: a failed compensation is recorded and the
 * sweep moves on, but any failure downgrades the terminal status from
 * reverted to failed.
 */
func (r *txRunner) advanceCompensation(ctx context.Context) {
	for r.compPos < len(r.compQueue) {
		st := r.steps[r.compQueue[r.compPos]]

		if st.compStatus == types.StepRunning || st.compStatus == types.StepAwaiting {
			return
		}
		if st.compStatus.Terminal() {
			r.compPos++
			continue
		}
		if !st.compNextRunTime.IsZero() && time.Now().Before(st.compNextRunTime) {
			return
		}

		if st.node.Kind == plan.KindSubWorkflow {
			r.dispatchChildCompensation(ctx, st)
			return
		}

		if st.def == nil || st.def.Compensate == nil {
			outcome := types.CompensationOutcome{
				StepID: st.node.Name,
				Error:  "no compensate handler for a step that must be reversed",
			}
			r.compOutcomes = append(r.compOutcomes, outcome)
			r.compFailed = true
			st.compStatus = types.StepFailed
			r.appendRecord(ctx, st, types.ActionCompensate, types.StepFailed, nil, outcome.Error)
			r.compPos++
			continue
		}

		r.dispatchCompensation(ctx, st)
		if r.async {
			return
		}
		r.drainResults(ctx)
	}

	if r.anyCompensationPending() {
		return
	}
	r.finishCompensation(ctx)
}

func (r *txRunner) anyCompensationPending() bool {
	for _, name := range r.compQueue {
		st := r.steps[name]
		if st.compStatus == types.StepRunning || st.compStatus == types.StepAwaiting {
			return true
		}
	}
	return false
}

func (r *txRunner) dispatchCompensation(ctx context.Context, st *stepState) {
	st.compAttempt++
	st.compStatus = types.StepRunning
	st.compInflight = true

	def := st.def
	name := st.node.Name
	attempt := st.compAttempt
	input := st.compInput
	if input == nil {
		input = types.Data{}
	}

	task := func() {
		r.resultCh <- compensateStep(ctx, r.txID, r.plan.WorkflowID, def, name, attempt, input)
	}
	if r.async {
		r.host.submit(task)
	} else {
		task()
	}
}

func compensateStep(ctx context.Context, txID, workflowID string, def *types.StepDefinition,
	name string, attempt int, input types.Data) (res *stepResult) {
	res = &stepResult{name: name, action: types.ActionCompensate}
	defer func() {
		if p := recover(); p != nil {
			res.err = errors.Errorf("panic in compensate %s: %v", name, p)
		}
	}()

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	tc := newTxContext(runCtx, txID, workflowID, name, attempt)
	res.err = def.Compensate(tc, input)
	return res
}

func (r *txRunner) dispatchChildCompensation(ctx context.Context, st *stepState) {
	st.compStatus = types.StepAwaiting
	childID := childTransactionID(r.txID, st.node.Name)
	if err := r.host.enqueueCompensateChild(childID, r.txID, st.node.Name); err != nil {
		st.compStatus = types.StepFailed
		r.compFailed = true
		r.compOutcomes = append(r.compOutcomes,
			types.CompensationOutcome{StepID: st.node.Name, Error: err.Error()})
		r.compPos++
	}
}

func (r *txRunner) applyCompensateResult(ctx context.Context, st *stepState, res *stepResult) {
	st.compInflight = false
	if st.compStatus.Terminal() {
		log.Errorf("%s duplicate compensation outcome for %s ignored", r.txID, st.node.Name)
		return
	}

	if res.err == nil {
		st.compStatus = types.StepCompensated
		r.compOutcomes = append(r.compOutcomes, types.CompensationOutcome{StepID: st.node.Name})
		r.appendRecord(ctx, st, types.ActionCompensate, types.StepCompensated, st.compInput, "")
		return
	}

	if types.IsTransient(res.err) && st.def != nil && st.compAttempt <= st.def.MaxRetries {
		backoff := utils.ExponentialBackoff(
			st.def.RetryBackoff(types.TransientBackoff(res.err)), st.compAttempt+1, 0)
		st.compStatus = types.StepNone
		st.compNextRunTime = time.Now().Add(backoff)
		return
	}

	compErr := types.NewCompensationError(st.node.Name, res.err)
	st.compStatus = types.StepFailed
	r.compFailed = true
	r.compOutcomes = append(r.compOutcomes,
		types.CompensationOutcome{StepID: st.node.Name, Error: compErr.Error()})
	r.appendRecord(ctx, st, types.ActionCompensate, types.StepFailed, st.compInput, compErr.Error())
}

func (r *txRunner) finishCompensation(ctx context.Context) {
	if r.compFailed {
		r.finish(ctx, types.TxFailed)
		return
	}
	r.finish(ctx, types.TxReverted)
}

func (r *txRunner) allResolved() bool {
	for _, st := range r.steps {
		if !st.resolved() {
			return false
		}
	}
	return true
}

func (r *txRunner) complete(ctx context.Context) {
	r.runHooks(ctx)
	r.finish(ctx, types.TxDone)
}

/**
 * runHooks fires the named extension points after core success. Hook
 * handler errors are isolated and reported, they never change the
 * transaction's own outcome.
 */
func (r *txRunner) runHooks(ctx context.Context) {
	for _, node := range r.plan.Hooks() {
		handlers := r.host.hookHandlers(r.plan.WorkflowID, node.Name)
		if len(handlers) == 0 {
			continue
		}
		payload := r.buildInput(node)
		tc := newTxContext(ctx, r.txID, r.plan.WorkflowID, node.Name, 1)
		for _, handler := range handlers {
			if err := runHook(tc, handler, payload); err != nil {
				msg := fmt.Sprintf("hook %s: %v", node.Name, err)
				r.hookErrs = append(r.hookErrs, msg)
				log.Errorf("%s %s", r.txID, msg)
			}
		}
	}
}

func runHook(tc types.Context, handler types.HookFunc, payload types.Data) (retErr error) {
	defer func() {
		if p := recover(); p != nil {
			retErr = errors.Errorf("panic: %v", p)
		}
	}()
	return handler(tc, payload)
}

// freeze ends the transaction without compensation, for inconsistencies
// an operator must look at.
func (r *txRunner) freeze(ctx context.Context, err error) {
	if r.firstErr == "" && err != nil {
		r.firstErr = err.Error()
	}
	r.finish(ctx, types.TxFailed)
}

func (r *txRunner) finish(ctx context.Context, status types.TransactionStatus) {
	if r.status.Terminal() {
		return
	}
	r.status = status
	now := time.Now()
	r.endTime = &now
	if err := r.saveTransaction(ctx); err != nil {
		log.Errorf("%s failed to persist terminal transaction: %v", r.txID, err)
	}

	if r.parentID == "" {
		return
	}
	action := types.ActionInvoke
	if r.compensatingForParent() {
		action = types.ActionCompensate
	}
	success := status == types.TxDone || (action == types.ActionCompensate && status == types.TxReverted)
	if err := r.host.enqueueNotifyParent(r.parentID, r.parentStep, action, success,
		r.result(), r.firstErr); err != nil {
		log.Errorf("%s failed to notify parent %s: %v", r.txID, r.parentID, err)
	}
}

/**
 * compensatingForParent distinguishes a child failing on its own (the
 * parent step's invoke fails) from a child swept by its parent's
 * compensation (the parent step's compensate concludes).
 */
func (r *txRunner) compensatingForParent() bool {
	return r.parentCompensation
}

func (r *txRunner) result() types.Data {
	if r.status != types.TxDone {
		return nil
	}
	result := types.Data{}
	for _, leaf := range r.plan.Leaves() {
		if st, exists := r.steps[leaf]; exists {
			result[leaf] = st.output
		}
	}
	return result
}

func (r *txRunner) buildInput(node *plan.Node) types.Data {
	input := types.Data{"input": r.input}
	for _, dep := range node.Deps {
		st, exists := r.steps[dep]
		if !exists {
			input[dep] = types.AbsentData()
			continue
		}
		if st.status == types.StepSkipped {
			input[dep] = types.AbsentData()
			continue
		}
		if st.output == nil {
			// succeeded with no output, distinct from a guard skip
			input[dep] = types.Data{}
			continue
		}
		input[dep] = st.output
	}
	return input
}

func (r *txRunner) nextSeq() int64 {
	r.seq++
	return r.seq
}

func (r *txRunner) appendRecord(ctx context.Context, st *stepState, action types.Action,
	status types.StepStatus, payload types.Data, errMsg string) {
	rec := &execlog.StepRecord{
		TransactionID: r.txID,
		StepID:        st.node.Name,
		Action:        action,
		Status:        status,
		Attempt:       st.attempt,
		Seq:           st.seq,
		Payload:       payload,
		Error:         errMsg,
		UpdatedAt:     time.Now(),
	}
	if err := r.log.Append(ctx, rec); err != nil {
		log.Errorf("%s failed to append record %s/%s: %v", r.txID, st.node.Name, action, err)
	}
}

func (r *txRunner) saveTransaction(ctx context.Context) error {
	rec := &execlog.TransactionRecord{
		TransactionID: r.txID,
		WorkflowID:    r.plan.WorkflowID,
		ParentID:      r.parentID,
		ParentStep:    r.parentStep,
		Status:        r.status,
		Input:         r.input,
		Result:        r.result(),
		FirstError:    r.firstErr,
		Compensations: r.compOutcomes,
		HookErrors:    r.hookErrs,
		StartTime:     r.startTime,
		EndTime:       r.endTime,
	}
	return errors.Trace(r.log.SaveTransaction(ctx, rec))
}

func (r *txRunner) report() *types.TransactionReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	return &types.TransactionReport{
		TransactionID: r.txID,
		WorkflowID:    r.plan.WorkflowID,
		Status:        r.status,
		StatusLabel:   r.status.String(),
		Result:        r.result(),
		FirstError:    r.firstErr,
		Compensations: append([]types.CompensationOutcome{}, r.compOutcomes...),
		HookErrors:    append([]string{}, r.hookErrs...),
		StartTime:     r.startTime,
		EndTime:       r.endTime,
	}
}
