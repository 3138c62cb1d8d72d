package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/types"
)

// RenderWorkflow renders the registered plan as a Graphviz dot graph.
func (e *Engine) RenderWorkflow(workflowID string) (string, error) {
	entity, exists := e.getWorkflow(workflowID)
	if !exists {
		return "", errors.NotFoundf("workflow: %s", workflowID)
	}
	return renderPlan(entity.plan, nil), nil
}

/**
 * RenderTransaction renders the transaction's plan with each node
 * colored by its current status, from the live runner when one exists,
 * otherwise from the execution log.
 */
func (e *Engine) RenderTransaction(ctx context.Context, transactionID string) (string, error) {
	if r := e.batch.get(transactionID); r != nil {
		return renderPlan(r.plan, r.statusSnapshot()), nil
	}

	rec, err := e.log.LoadTransaction(ctx, transactionID)
	if err != nil {
		return "", errors.Trace(err)
	}
	entity, exists := e.getWorkflow(rec.WorkflowID)
	if !exists {
		return "", errors.NotFoundf("workflow: %s", rec.WorkflowID)
	}

	records, err := e.log.Load(ctx, transactionID)
	if err != nil {
		return "", errors.Trace(err)
	}
	statuses := make(map[string]types.StepStatus, len(records))
	for _, stepRec := range records {
		if stepRec.Action == types.ActionCompensate && stepRec.Status == types.StepCompensated {
			statuses[stepRec.StepID] = types.StepCompensated
			continue
		}
		if stepRec.Action == types.ActionInvoke {
			if current, exists := statuses[stepRec.StepID]; exists && current == types.StepCompensated {
				continue
			}
			statuses[stepRec.StepID] = stepRec.Status
		}
	}
	return renderPlan(entity.plan, statuses), nil
}

func (r *txRunner) statusSnapshot() map[string]types.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[string]types.StepStatus, len(r.steps))
	for name, st := range r.steps {
		if st.compStatus == types.StepCompensated {
			statuses[name] = types.StepCompensated
			continue
		}
		statuses[name] = st.status
	}
	return statuses
}

func renderPlan(p *plan.Plan, statuses map[string]types.StepStatus) string {
	var sb strings.Builder
	sb.WriteString("digraph \"" + p.WorkflowID + "\" {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [fontname=\"Helvetica\"];\n")

	for _, name := range p.Order {
		node, _ := p.Node(name)
		sb.WriteString(fmt.Sprintf("  %q [shape=%s%s%s];\n",
			name, nodeShape(node.Kind), nodeFill(statuses, name), nodeLabel(node)))
	}
	for _, name := range p.Order {
		node, _ := p.Node(name)
		for _, dep := range node.Deps {
			style := ""
			if node.Guard == dep {
				style = " [style=dashed]"
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q%s;\n", dep, name, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func nodeShape(kind plan.NodeKind) string {
	switch kind {
	case plan.KindStep:
		return "box"
	case plan.KindSubWorkflow:
		return "box3d"
	case plan.KindCondition:
		return "diamond"
	case plan.KindHook:
		return "note"
	}
	return "ellipse"
}

func nodeFill(statuses map[string]types.StepStatus, name string) string {
	if statuses == nil {
		return ""
	}
	color := ""
	switch statuses[name] {
	case types.StepRunning, types.StepAwaiting:
		color = "khaki"
	case types.StepSuccess:
		color = "palegreen"
	case types.StepFailed:
		color = "lightcoral"
	case types.StepSkipped:
		color = "lightgray"
	case types.StepCompensated:
		color = "lightblue"
	}
	if color == "" {
		return ""
	}
	return ", style=filled, fillcolor=" + color
}

func nodeLabel(node *plan.Node) string {
	switch node.Kind {
	case plan.KindStep:
		if node.Step != node.Name {
			return fmt.Sprintf(", label=\"%s\\n(%s)\"", node.Name, node.Step)
		}
	case plan.KindSubWorkflow:
		return fmt.Sprintf(", label=\"%s\\n[%s]\"", node.Name, node.Workflow)
	}
	return ""
}
