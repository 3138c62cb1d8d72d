package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/mkarlin/sagaflow/execlog/mem"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/types"
)

func TestRenderWorkflowShapes(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(c.step("reserve")))
	assert.Nil(t, reg.Register(c.step("provision")))

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())

	cb := plan.New("child")
	assert.Nil(t, cb.Step("provision", "provision"))
	cp, err := cb.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(cp))

	b := plan.New("order")
	assert.Nil(t, b.Step("hold", "reserve"))
	assert.Nil(t, b.When("wanted", []string{"hold"}, func(ctx types.Context, input types.Data) (bool, error) {
		return true, nil
	}, func(branch *plan.Builder) error {
		return branch.SubWorkflow("child-run", "child", "hold")
	}))
	assert.Nil(t, b.Hook("order-completed", "child-run"))
	p, err := b.Build()
	assert.Nil(t, err)
	assert.Nil(t, e.RegisterWorkflow(p))

	dot, err := e.RenderWorkflow("order")
	assert.Nil(t, err)

	assert.True(t, strings.HasPrefix(dot, "digraph \"order\" {"))
	// the alias carries the registry step name in its label
	assert.Contains(t, dot, `"hold" [shape=box`)
	assert.Contains(t, dot, `hold\n(reserve)`)
	assert.Contains(t, dot, `"wanted" [shape=diamond`)
	assert.Contains(t, dot, `"child-run" [shape=box3d`)
	assert.Contains(t, dot, `child-run\n[child]`)
	assert.Contains(t, dot, `"order-completed" [shape=note`)
	// guarded edges are dashed
	assert.Contains(t, dot, `"wanted" -> "child-run" [style=dashed];`)
	assert.Contains(t, dot, `"hold" -> "wanted";`)

	_, err = e.RenderWorkflow("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestRenderTransactionColors(t *testing.T) {
	c := newCounters()
	reg := registry.New()
	assert.Nil(t, reg.Register(c.step("reserve")))
	assert.Nil(t, reg.Register(&types.StepDefinition{
		Name: "charge",
		Invoke: func(ctx types.Context, input types.Data) (types.Data, error) {
			return nil, types.NewValidationErrorf("card declined")
		},
		Compensate: func(ctx types.Context, input types.Data) error { return nil },
	}))

	b := plan.New("order")
	assert.Nil(t, b.Step("reserve", "reserve"))
	assert.Nil(t, b.Step("charge", "charge", "reserve"))
	p, err := b.Build()
	assert.Nil(t, err)

	e := newTestEngine(mem.NewMemLog(), reg)
	defer e.Close(context.Background())
	assert.Nil(t, e.RegisterWorkflow(p))

	ctx := context.Background()
	txID, err := e.Run(ctx, "order", "", nil)
	assert.Nil(t, err)
	report := settle(t, e, txID, 5)
	assert.Equal(t, types.TxReverted, report.Status)

	// live runner snapshot
	dot, err := e.RenderTransaction(ctx, txID)
	assert.Nil(t, err)
	assert.Contains(t, dot, `"reserve" [shape=box, style=filled, fillcolor=lightblue];`)
	assert.Contains(t, dot, `"charge" [shape=box, style=filled, fillcolor=lightcoral];`)

	// after the runner is swept out the log provides the same view
	assert.Nil(t, e.RunOnce())
	dot, err = e.RenderTransaction(ctx, txID)
	assert.Nil(t, err)
	assert.Contains(t, dot, "fillcolor=lightblue")
	assert.Contains(t, dot, "fillcolor=lightcoral")

	_, err = e.RenderTransaction(ctx, "no-such-tx")
	assert.True(t, errors.IsNotFound(err))
}
