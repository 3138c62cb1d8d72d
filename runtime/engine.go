package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/types"
)

var (
	_ runnerHost = &Engine{}
)

/**
 * Engine executes registered workflow plans as durable transactions.
 * Workflow definitions are immutable templates registered at startup;
 * every Run binds one to concrete input under a transaction id and
 * drives it through the execution log.
 */
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	exitCh  chan struct{}
	running bool

	log execlog.Log
	reg *registry.Registry

	concurrency int
	async       bool
	txTimeout   time.Duration

	batch *batchRunner

	wfMu      sync.Mutex
	workflows map[string]*workflowEntity

	msgCh chan *hostMsg
}

type workflowEntity struct {
	plan *plan.Plan

	mu    sync.Mutex
	hooks map[string][]types.HookFunc
}

type msgKind int

const (
	msgSpawnChild      msgKind = 1
	msgCompensateChild msgKind = 2
	msgNotifyParent    msgKind = 3
)

type hostMsg struct {
	kind msgKind

	workflowID    string
	transactionID string
	input         types.Data

	parentID   string
	parentStep string

	action  types.Action
	success bool
	payload types.Data
	errMsg  string
}

func NewEngine(l execlog.Log, reg *registry.Registry, opts *types.EngineOptions) *Engine {
	e := &Engine{
		log:         l,
		reg:         reg,
		concurrency: opts.MaxStepConcurrency,
		async:       opts.StepRunAsync,
		txTimeout:   opts.TransactionTimeout,
		batch:       newBatchRunner(opts.MaxStepConcurrency, opts.StepRunAsync),
		workflows:   make(map[string]*workflowEntity),
		msgCh:       make(chan *hostMsg, 1024),
		running:     true,
	}
	e.ctx, e.cancel = context.WithCancel(opts.Ctx)

	if opts.AutoStart {
		e.asyncRun()
	}
	return e
}

func (e *Engine) asyncRun() {
	readyCh := make(chan struct{}, 1)

	go func() {
		e.exitCh = make(chan struct{})
		close(readyCh)

		for e.running {
			if err := e.runOnce(); err != nil {
				log.Errorf("engine pass failed: %v", err)
			}
			if e.idle() {
				time.Sleep(10 * time.Millisecond)
			} else {
				time.Sleep(time.Millisecond)
			}
		}
		close(e.exitCh)
	}()
	<-readyCh
}

/**
 * RegisterWorkflow installs an immutable plan. Every step node must
 * name a registered step and every sub-workflow node a workflow
 * registered beforehand, so children exist before their parents.
 */
func (e *Engine) RegisterWorkflow(p *plan.Plan) error {
	if !e.running {
		return errors.MethodNotAllowedf("not running")
	}
	if p == nil {
		return errors.BadRequestf("plan is nil")
	}

	for _, name := range p.Order {
		node, _ := p.Node(name)
		switch node.Kind {
		case plan.KindStep:
			if _, exists := e.reg.Get(node.Step); !exists {
				return errors.NotFoundf("workflow %s node %s: step %s", p.WorkflowID, name, node.Step)
			}
		case plan.KindSubWorkflow:
			if _, exists := e.getWorkflow(node.Workflow); !exists {
				return errors.NotFoundf("workflow %s node %s: child workflow %s", p.WorkflowID, name, node.Workflow)
			}
		}
	}

	e.wfMu.Lock()
	defer e.wfMu.Unlock()

	if _, exists := e.workflows[p.WorkflowID]; exists {
		return errors.AlreadyExistsf("workflow: %s", p.WorkflowID)
	}
	e.workflows[p.WorkflowID] = &workflowEntity{
		plan:  p,
		hooks: make(map[string][]types.HookFunc),
	}
	return nil
}

// RegisterHook attaches a handler to a workflow's named extension point.
func (e *Engine) RegisterHook(workflowID, hookName string, fn types.HookFunc) error {
	if fn == nil {
		return errors.BadRequestf("hook handler is nil")
	}
	entity, exists := e.getWorkflow(workflowID)
	if !exists {
		return errors.NotFoundf("workflow: %s", workflowID)
	}

	found := false
	for _, node := range entity.plan.Hooks() {
		if node.Name == hookName {
			found = true
			break
		}
	}
	if !found {
		return errors.NotFoundf("workflow %s hook: %s", workflowID, hookName)
	}

	entity.mu.Lock()
	defer entity.mu.Unlock()
	entity.hooks[hookName] = append(entity.hooks[hookName], fn)
	return nil
}

func (e *Engine) Workflows() []string {
	e.wfMu.Lock()
	defer e.wfMu.Unlock()

	names := make([]string, 0, len(e.workflows))
	for name := range e.workflows {
		names = append(names, name)
	}
	return names
}

func (e *Engine) getWorkflow(workflowID string) (*workflowEntity, bool) {
	e.wfMu.Lock()
	defer e.wfMu.Unlock()

	entity, exists := e.workflows[workflowID]
	return entity, exists
}

/**
 * Run starts one transaction of the named workflow. An empty
 * transaction id is generated; an explicit one deduplicates retried
 * submissions, the second Run of the same id is rejected.
 */
func (e *Engine) Run(ctx context.Context, workflowID, transactionID string, input types.Data) (string, error) {
	if !e.running {
		return "", errors.MethodNotAllowedf("not running")
	}
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	if err := e.launch(ctx, workflowID, transactionID, input, "", ""); err != nil {
		return "", errors.Trace(err)
	}
	return transactionID, nil
}

func (e *Engine) launch(ctx context.Context, workflowID, transactionID string, input types.Data,
	parentID, parentStep string) error {
	entity, exists := e.getWorkflow(workflowID)
	if !exists {
		return errors.NotFoundf("workflow: %s", workflowID)
	}
	if e.batch.exists(transactionID) {
		return errors.AlreadyExistsf("transaction: %s", transactionID)
	}
	if _, err := e.log.LoadTransaction(ctx, transactionID); err == nil {
		return errors.AlreadyExistsf("transaction: %s", transactionID)
	} else if !errors.IsNotFound(err) {
		return errors.Trace(err)
	}

	r := newTxRunner(e.log, e.reg, e, entity.plan, transactionID, input,
		parentID, parentStep, e.async, e.txTimeout)
	if err := r.saveTransaction(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.batch.add(transactionID, r))
}

/**
 * Signal records an externally reported step outcome and resumes the
 * owning transaction. Duplicate or late signals against a terminal
 * step are rejected with an already-exists error so callers can map
 * them to a conflict.
 */
func (e *Engine) Signal(ctx context.Context, sig *types.StepSignal) error {
	if sig == nil {
		return errors.BadRequestf("signal is nil")
	}
	if err := sig.Validate(); err != nil {
		return errors.Trace(err)
	}

	r := e.batch.get(sig.TransactionID)
	if r == nil {
		var err error
		if r, err = e.reattach(ctx, sig); err != nil {
			return errors.Trace(err)
		}
	}
	// a workflow id on the signal must own the transaction
	if sig.WorkflowID != "" && sig.WorkflowID != r.plan.WorkflowID {
		return errors.NotFoundf("transaction %s in workflow %s", sig.TransactionID, sig.WorkflowID)
	}
	return errors.Trace(r.signal(sig))
}

/**
 * reattach serves signals arriving for a transaction with no live
 * runner, typically after a restart: the transaction is resumed from
 * the log first, then the signal is delivered.
 */
func (e *Engine) reattach(ctx context.Context, sig *types.StepSignal) (*txRunner, error) {
	rec, err := e.log.LoadTransaction(ctx, sig.TransactionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if sig.WorkflowID != "" && sig.WorkflowID != rec.WorkflowID {
		return nil, errors.NotFoundf("transaction %s in workflow %s", sig.TransactionID, sig.WorkflowID)
	}
	if rec.Status.Terminal() {
		if stepRec, err := e.log.Find(ctx, sig.TransactionID, sig.StepID, sig.Action); err == nil && stepRec.Terminal() {
			return nil, errors.AlreadyExistsf("step %s already %s", sig.StepID, stepRec.Status)
		}
		return nil, errors.AlreadyExistsf("transaction %s already %s", sig.TransactionID, rec.Status)
	}
	if err := e.resumeTransaction(ctx, sig.TransactionID); err != nil {
		return nil, errors.Trace(err)
	}
	r := e.batch.get(sig.TransactionID)
	if r == nil {
		return nil, errors.NotFoundf("transaction: %s", sig.TransactionID)
	}
	return r, nil
}

// Abort requests compensation at the next safe checkpoint.
func (e *Engine) Abort(ctx context.Context, transactionID string) error {
	return errors.Trace(e.requestStatus(transactionID, types.TxCompensating))
}

func (e *Engine) Pause(ctx context.Context, transactionID string) error {
	return errors.Trace(e.requestStatus(transactionID, types.TxPaused))
}

func (e *Engine) Resume(ctx context.Context, transactionID string) error {
	return errors.Trace(e.requestStatus(transactionID, types.TxInvoking))
}

func (e *Engine) requestStatus(transactionID string, status types.TransactionStatus) error {
	r := e.batch.get(transactionID)
	if r == nil {
		return errors.NotFoundf("transaction: %s", transactionID)
	}
	return errors.Trace(r.requestStatus(status))
}

/**
 * Report returns the transaction's current report, from the live
 * runner when one exists, otherwise from the durable record.
 */
func (e *Engine) Report(ctx context.Context, transactionID string) (*types.TransactionReport, error) {
	if r := e.batch.get(transactionID); r != nil {
		return r.report(), nil
	}

	rec, err := e.log.LoadTransaction(ctx, transactionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &types.TransactionReport{
		TransactionID: rec.TransactionID,
		WorkflowID:    rec.WorkflowID,
		Status:        rec.Status,
		StatusLabel:   rec.Status.String(),
		Result:        rec.Result,
		FirstError:    rec.FirstError,
		Compensations: rec.Compensations,
		HookErrors:    rec.HookErrors,
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
	}, nil
}

// Archive removes a terminal transaction and its records from the log.
func (e *Engine) Archive(ctx context.Context, transactionID string) error {
	if e.batch.exists(transactionID) {
		return errors.Forbiddenf("transaction %s still running", transactionID)
	}
	rec, err := e.log.LoadTransaction(ctx, transactionID)
	if err != nil {
		return errors.Trace(err)
	}
	if !rec.Status.Terminal() {
		return errors.Forbiddenf("transaction %s not terminal", transactionID)
	}
	return errors.Trace(e.log.Remove(ctx, transactionID))
}

func (e *Engine) runOnce() error {
	e.processMessages(e.ctx)
	return errors.Trace(e.batch.runOnce(e.ctx, e.concurrency))
}

/**
 * RunOnce advances every runnable transaction one pass. Callers using
 * DisableAutoStart drive the engine by invoking it in a loop.
 */
func (e *Engine) RunOnce() error {
	return e.runOnce()
}

func (e *Engine) idle() bool {
	return e.batch.count() == 0 && len(e.msgCh) == 0
}

func (e *Engine) Close(ctx context.Context) error {
	if !e.running {
		return nil
	}

	e.cancel()
	e.running = false

	if e.exitCh != nil {
		<-e.exitCh
	}

	return e.batch.stopWait(ctx)
}

// ---- runnerHost ----

func (e *Engine) submit(task func()) {
	e.batch.wp.Submit(task)
}

func (e *Engine) hookHandlers(workflowID, hookName string) []types.HookFunc {
	entity, exists := e.getWorkflow(workflowID)
	if !exists {
		return nil
	}
	entity.mu.Lock()
	defer entity.mu.Unlock()
	return append([]types.HookFunc{}, entity.hooks[hookName]...)
}

func (e *Engine) enqueueSpawnChild(workflowID, transactionID string, input types.Data,
	parentID, parentStep string) error {
	return e.enqueue(&hostMsg{
		kind:          msgSpawnChild,
		workflowID:    workflowID,
		transactionID: transactionID,
		input:         input,
		parentID:      parentID,
		parentStep:    parentStep,
	})
}

func (e *Engine) enqueueCompensateChild(transactionID, parentID, parentStep string) error {
	return e.enqueue(&hostMsg{
		kind:          msgCompensateChild,
		transactionID: transactionID,
		parentID:      parentID,
		parentStep:    parentStep,
	})
}

func (e *Engine) enqueueNotifyParent(parentID, parentStep string, action types.Action,
	success bool, payload types.Data, errMsg string) error {
	return e.enqueue(&hostMsg{
		kind:       msgNotifyParent,
		parentID:   parentID,
		parentStep: parentStep,
		action:     action,
		success:    success,
		payload:    payload,
		errMsg:     errMsg,
	})
}

func (e *Engine) enqueue(msg *hostMsg) error {
	select {
	case e.msgCh <- msg:
		return nil
	default:
		return errors.New("engine message queue full")
	}
}

func (e *Engine) processMessages(ctx context.Context) {
	for {
		select {
		case msg := <-e.msgCh:
			e.handleMessage(ctx, msg)
		default:
			return
		}
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg *hostMsg) {
	switch msg.kind {
	case msgSpawnChild:
		e.handleSpawnChild(ctx, msg)
	case msgCompensateChild:
		e.handleCompensateChild(ctx, msg)
	case msgNotifyParent:
		e.handleNotifyParent(ctx, msg)
	}
}

func (e *Engine) handleSpawnChild(ctx context.Context, msg *hostMsg) {
	if e.batch.exists(msg.transactionID) {
		return
	}

	rec, err := e.log.LoadTransaction(ctx, msg.transactionID)
	if err == nil {
		if rec.Status.Terminal() {
			// the child already ran to completion, relay its outcome
			e.relayChildOutcome(msg.parentID, msg.parentStep, types.ActionInvoke, rec)
			return
		}
		if err := e.resumeTransaction(ctx, msg.transactionID); err != nil {
			log.Errorf("failed to resume child %s: %v", msg.transactionID, err)
		}
		return
	}
	if !errors.IsNotFound(err) {
		log.Errorf("failed to look up child %s: %v", msg.transactionID, err)
		return
	}

	if err := e.launch(ctx, msg.workflowID, msg.transactionID, msg.input,
		msg.parentID, msg.parentStep); err != nil {
		log.Errorf("failed to launch child %s: %v", msg.transactionID, err)
		e.notifyRunner(msg.parentID, &types.StepSignal{
			TransactionID: msg.parentID,
			StepID:        msg.parentStep,
			Action:        types.ActionInvoke,
			Success:       false,
			Error:         err.Error(),
		})
	}
}

func (e *Engine) handleCompensateChild(ctx context.Context, msg *hostMsg) {
	if r := e.batch.get(msg.transactionID); r != nil {
		log.Errorf("compensation requested for live child %s", msg.transactionID)
		if err := r.requestStatus(types.TxCompensating); err != nil {
			log.Errorf("failed to abort child %s: %v", msg.transactionID, err)
		}
		return
	}

	rec, err := e.log.LoadTransaction(ctx, msg.transactionID)
	if errors.IsNotFound(err) {
		// nothing ever ran, nothing to undo
		e.notifyRunner(msg.parentID, &types.StepSignal{
			TransactionID: msg.parentID,
			StepID:        msg.parentStep,
			Action:        types.ActionCompensate,
			Success:       true,
		})
		return
	}
	if err != nil {
		log.Errorf("failed to look up child %s: %v", msg.transactionID, err)
		return
	}

	switch rec.Status {
	case types.TxReverted:
		e.relayChildOutcome(msg.parentID, msg.parentStep, types.ActionCompensate, rec)
	case types.TxFailed:
		e.relayChildOutcome(msg.parentID, msg.parentStep, types.ActionCompensate, rec)
	case types.TxDone:
		if err := e.startChildCompensation(ctx, rec); err != nil {
			log.Errorf("failed to start child compensation %s: %v", msg.transactionID, err)
			e.notifyRunner(msg.parentID, &types.StepSignal{
				TransactionID: msg.parentID,
				StepID:        msg.parentStep,
				Action:        types.ActionCompensate,
				Success:       false,
				Error:         err.Error(),
			})
		}
	default:
		if err := e.resumeTransaction(ctx, msg.transactionID); err != nil {
			log.Errorf("failed to resume child %s: %v", msg.transactionID, err)
			return
		}
		if r := e.batch.get(msg.transactionID); r != nil {
			if err := r.requestStatus(types.TxCompensating); err != nil {
				log.Errorf("failed to abort child %s: %v", msg.transactionID, err)
			}
		}
	}
}

func (e *Engine) relayChildOutcome(parentID, parentStep string, action types.Action,
	rec *execlog.TransactionRecord) {
	success := rec.Status == types.TxDone
	if action == types.ActionCompensate {
		success = rec.Status == types.TxReverted
	}
	errMsg := rec.FirstError
	if !success && errMsg == "" {
		errMsg = "child transaction " + rec.Status.String()
	}
	e.notifyRunner(parentID, &types.StepSignal{
		TransactionID: parentID,
		StepID:        parentStep,
		Action:        action,
		Success:       success,
		Payload:       rec.Result,
		Error:         errMsg,
	})
}

func (e *Engine) handleNotifyParent(ctx context.Context, msg *hostMsg) {
	if !msg.success && msg.errMsg == "" {
		msg.errMsg = "child transaction failed"
	}
	sig := &types.StepSignal{
		TransactionID: msg.parentID,
		StepID:        msg.parentStep,
		Action:        msg.action,
		Success:       msg.success,
		Payload:       msg.payload,
		Error:         msg.errMsg,
	}

	if e.batch.get(msg.parentID) == nil {
		if err := e.resumeTransaction(ctx, msg.parentID); err != nil {
			log.Errorf("failed to resume parent %s: %v", msg.parentID, err)
			return
		}
	}
	e.notifyRunner(msg.parentID, sig)
}

func (e *Engine) notifyRunner(transactionID string, sig *types.StepSignal) {
	r := e.batch.get(transactionID)
	if r == nil {
		log.Errorf("no runner for transaction %s, dropped %s signal for %s",
			transactionID, sig.Action, sig.StepID)
		return
	}
	if err := r.signal(sig); err != nil {
		log.Errorf("failed to deliver %s signal to %s/%s: %v",
			sig.Action, transactionID, sig.StepID, err)
	}
}
