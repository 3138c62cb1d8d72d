package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mkarlin/sagaflow/execlog/mem"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/types"
)

func asyncStep(c *counters, name string) *types.StepDefinition {
	def := c.step(name)
	def.Async = true
	return def
}

func TestAsyncStepParksUntilSignal(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(asyncStep(c, "launch")))
	assert.Nil(t, reg.Register(c.step("finish")))

	b := plan.New("external")
	assert.Nil(t, b.Step("launch", "launch"))
	assert.Nil(t, b.Step("finish", "finish", "launch"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "external", "", nil)
	assert.Nil(t, err)

	// the launch returns but the step stays parked
	assert.Nil(t, e.RunOnce())
	assert.Nil(t, e.RunOnce())
	assert.Equal(t, 1, c.invoked("launch"))
	assert.Equal(t, 0, c.invoked("finish"))
	report, err := e.Report(ctx, txID)
	assert.Nil(t, err)
	assert.Equal(t, types.TxInvoking, report.Status)

	assert.Nil(t, e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: types.ActionInvoke,
		Success: true, Payload: types.Data{"task_id": "task-9"},
	}))
	report = settle(t, e, txID, 5)
	assert.Equal(t, types.TxDone, report.Status)
	assert.Equal(t, 1, c.invoked("finish"))

	// the signal payload became the step output
	launch, exists := report.Result.GetData("finish")
	assert.True(t, exists)
	assert.NotNil(t, launch)
}

func TestControlRequestsDoNotStallEnginePass(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(asyncStep(c, "launch")))
	assert.Nil(t, reg.Register(c.step("finish")))

	b := plan.New("external")
	assert.Nil(t, b.Step("launch", "launch"))
	assert.Nil(t, b.Step("finish", "finish", "launch"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "external", "", nil)
	assert.Nil(t, err)
	assert.Nil(t, e.RunOnce())

	// pause/resume hammering a parked transaction must never wedge
	// against the pass loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = e.Pause(ctx, txID)
			_ = e.Resume(ctx, txID)
		}
	}()
	for i := 0; i < 500; i++ {
		assert.Nil(t, e.RunOnce())
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("control requests stalled against the engine pass")
	}

	// the transaction is still live and concludes normally
	_ = e.Resume(ctx, txID)
	assert.Nil(t, e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: types.ActionInvoke,
		Success: true, Payload: types.Data{"task_id": "task-9"},
	}))
	report := settle(t, e, txID, 5)
	assert.Equal(t, types.TxDone, report.Status)
	assert.Equal(t, 1, c.invoked("finish"))
}

func TestDuplicateSignalConflicts(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(asyncStep(c, "launch")))
	assert.Nil(t, reg.Register(asyncStep(c, "observe")))
	assert.Nil(t, reg.Register(c.step("finish")))

	b := plan.New("external")
	assert.Nil(t, b.Step("launch", "launch"))
	assert.Nil(t, b.Step("observe", "observe"))
	assert.Nil(t, b.Step("finish", "finish", "launch"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "external", "", nil)
	assert.Nil(t, err)
	assert.Nil(t, e.RunOnce())

	sig := &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: types.ActionInvoke,
		Success: true, Payload: types.Data{"task_id": "task-9"},
	}
	assert.Nil(t, e.Signal(ctx, sig))
	assert.Nil(t, e.RunOnce())
	assert.Equal(t, 1, c.invoked("finish"))

	// the step already settled, redelivery conflicts and nothing
	// downstream runs twice
	err = e.Signal(ctx, sig)
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Nil(t, e.RunOnce())
	assert.Equal(t, 1, c.invoked("finish"))

	assert.Nil(t, e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "observe", Action: types.ActionInvoke, Success: true,
	}))
	report := settle(t, e, txID, 5)
	assert.Equal(t, types.TxDone, report.Status)

	// after the transaction is terminal the conflict answer persists
	err = e.Signal(ctx, sig)
	assert.True(t, errors.IsAlreadyExists(err))
}

func TestSignalValidation(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(asyncStep(c, "launch")))
	assert.Nil(t, reg.Register(c.step("finish")))

	b := plan.New("external")
	assert.Nil(t, b.Step("launch", "launch"))
	assert.Nil(t, b.Step("finish", "finish", "launch"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "external", "", nil)
	assert.Nil(t, err)
	assert.Nil(t, e.RunOnce())

	// malformed
	assert.True(t, errors.IsNotValid(e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: "retry", Success: true,
	})))
	assert.True(t, errors.IsNotValid(e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: types.ActionInvoke,
	})))

	// unknown coordinates
	assert.True(t, errors.IsNotFound(e.Signal(ctx, &types.StepSignal{
		TransactionID: "missing", StepID: "launch", Action: types.ActionInvoke, Success: true,
	})))
	assert.True(t, errors.IsNotFound(e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "missing", Action: types.ActionInvoke, Success: true,
	})))

	// the dependent step never launched, signaling it is premature
	assert.True(t, errors.IsNotValid(e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "finish", Action: types.ActionInvoke, Success: true,
	})))

	// a workflow id that does not own the transaction is rejected
	assert.True(t, errors.IsNotFound(e.Signal(ctx, &types.StepSignal{
		WorkflowID: "other", TransactionID: txID, StepID: "launch",
		Action: types.ActionInvoke, Success: true,
	})))

	// the right workflow id still passes, and the wrong one keeps being
	// rejected once the transaction has left the batch
	assert.Nil(t, e.Signal(ctx, &types.StepSignal{
		WorkflowID: "external", TransactionID: txID, StepID: "launch",
		Action: types.ActionInvoke, Success: true,
	}))
	report := settle(t, e, txID, 5)
	assert.Equal(t, types.TxDone, report.Status)
	assert.True(t, errors.IsNotFound(e.Signal(ctx, &types.StepSignal{
		WorkflowID: "other", TransactionID: txID, StepID: "launch",
		Action: types.ActionInvoke, Success: true,
	})))
}

func TestFailureSignalTriggersCompensation(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(c.step("reserve")))
	assert.Nil(t, reg.Register(asyncStep(c, "launch")))

	b := plan.New("external")
	assert.Nil(t, b.Step("reserve", "reserve"))
	assert.Nil(t, b.Step("launch", "launch", "reserve"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "external", "", nil)
	assert.Nil(t, err)
	assert.Nil(t, e.RunOnce())

	assert.Nil(t, e.Signal(ctx, &types.StepSignal{
		TransactionID: txID, StepID: "launch", Action: types.ActionInvoke,
		Success: false, Error: "external worker crashed",
	}))

	report := settle(t, e, txID, 5)
	assert.Equal(t, types.TxReverted, report.Status)
	assert.Contains(t, report.FirstError, "external worker crashed")
	assert.Equal(t, 1, c.compensated("reserve"))
	// the reporter owns retries, a failure signal is final
	assert.Equal(t, 1, c.invoked("launch"))
}

func registerChildWorkflow(t *testing.T, e *Engine, reg *registry.Registry, c *counters, fail bool) {
	name := "provision"
	def := c.step(name)
	if fail {
		def.Invoke = func(ctx types.Context, input types.Data) (types.Data, error) {
			return nil, errors.New("provisioning denied")
		}
	}
	assert.Nil(t, reg.Register(def))

	b := plan.New("child")
	assert.Nil(t, b.Step(name, name))
	p, err := b.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(p))
}

func TestSubWorkflowSuccess(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(c.step("prepare")))
	assert.Nil(t, reg.Register(c.step("finish")))

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	registerChildWorkflow(t, e, reg, c, false)

	b := plan.New("parent")
	assert.Nil(t, b.Step("prepare", "prepare"))
	assert.Nil(t, b.SubWorkflow("child-run", "child", "prepare"))
	assert.Nil(t, b.Step("finish", "finish", "child-run"))
	p, err := b.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "parent", "parent-tx", nil)
	assert.Nil(t, err)

	report := settle(t, e, txID, 10)
	assert.Equal(t, types.TxDone, report.Status)
	assert.Equal(t, 1, c.invoked("provision"))
	assert.Equal(t, 1, c.invoked("finish"))

	// the child ran under its derived transaction id
	childReport, err := e.Report(ctx, "parent-tx.child-run")
	assert.Nil(t, err)
	assert.Equal(t, types.TxDone, childReport.Status)
	assert.Equal(t, "child", childReport.WorkflowID)
}

func TestSubWorkflowFailurePropagates(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(c.step("prepare")))

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	registerChildWorkflow(t, e, reg, c, true)

	b := plan.New("parent")
	assert.Nil(t, b.Step("prepare", "prepare"))
	assert.Nil(t, b.SubWorkflow("child-run", "child", "prepare"))
	p, err := b.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "parent", "parent-tx", nil)
	assert.Nil(t, err)

	report := settle(t, e, txID, 10)
	assert.Equal(t, types.TxReverted, report.Status)
	assert.Contains(t, report.FirstError, "provisioning denied")
	assert.Equal(t, 1, c.compensated("prepare"))

	childReport, err := e.Report(ctx, "parent-tx.child-run")
	assert.Nil(t, err)
	assert.Equal(t, types.TxReverted, childReport.Status)
}

func TestParentCompensationSweepsChild(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	failing := &types.StepDefinition{
		Name: "failing",
		Invoke: func(ctx types.Context, input types.Data) (types.Data, error) {
			return nil, errors.New("downstream rejected")
		},
	}
	assert.Nil(t, reg.Register(failing))

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	registerChildWorkflow(t, e, reg, c, false)

	b := plan.New("parent")
	assert.Nil(t, b.SubWorkflow("child-run", "child"))
	assert.Nil(t, b.Step("failing", "failing", "child-run"))
	p, err := b.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "parent", "parent-tx", nil)
	assert.Nil(t, err)

	report := settle(t, e, txID, 15)
	assert.Equal(t, types.TxReverted, report.Status)

	// the child succeeded first, so the parent's sweep reversed it
	assert.Equal(t, 1, c.invoked("provision"))
	assert.Equal(t, 1, c.compensated("provision"))

	childReport, err := e.Report(ctx, "parent-tx.child-run")
	assert.Nil(t, err)
	assert.Equal(t, types.TxReverted, childReport.Status)
}
