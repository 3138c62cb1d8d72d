/**
 * Package plan turns workflow composition calls into a concrete,
 * inspectable node/edge list before anything executes. Structure is
 * data, not runtime control flow: the engine walks the finished Plan.
 */
package plan

import (
	"github.com/mkarlin/sagaflow/types"
)

type NodeKind int

const (
	KindStep        NodeKind = 1
	KindTransform   NodeKind = 2
	KindCondition   NodeKind = 3
	KindSubWorkflow NodeKind = 4
	KindHook        NodeKind = 5
)

func (k NodeKind) String() string {
	switch k {
	case KindStep:
		return "step"
	case KindTransform:
		return "transform"
	case KindCondition:
		return "condition"
	case KindSubWorkflow:
		return "subworkflow"
	case KindHook:
		return "hook"
	}
	return "unknown"
}

/**
 * Node is one unit of the execution graph. Only step and sub-workflow
 * nodes may carry externally visible side effects; transforms and
 * conditions are pure and replay-safe, they re-run deterministically
 * on resumption instead of being persisted.
 */
type Node struct {
	Name string   `json:",omitempty"`
	Kind NodeKind `json:",omitempty"`

	// registry step name for KindStep
	Step string `json:",omitempty"`
	// child workflow id for KindSubWorkflow
	Workflow string `json:",omitempty"`

	Deps []string `json:",omitempty"`
	/**
	 * Guard names the condition node gating this node. The guard is
	 * always also listed in Deps; when it resolves false the node is
	 * skipped and its output becomes the absent placeholder.
	 */
	Guard string `json:",omitempty"`

	Transform types.TransformFunc `json:"-"`
	Predicate types.PredicateFunc `json:"-"`
}

type Plan struct {
	WorkflowID string

	Nodes map[string]*Node
	/**
	 * Order is a deterministic topological order of Nodes; ties break
	 * on declaration order. Step start order follows it.
	 */
	Order []string

	dependents map[string][]string
}

func (p *Plan) Node(name string) (*Node, bool) {
	n, exists := p.Nodes[name]
	return n, exists
}

// Dependents returns the nodes that list name as a dependency.
func (p *Plan) Dependents(name string) []string {
	return p.dependents[name]
}

/**
 * Leaves are the executable nodes nothing else depends on; their
 * outputs form the transaction result. Hook and condition nodes never
 * contribute.
 */
func (p *Plan) Leaves() []string {
	leaves := make([]string, 0)
	for _, name := range p.Order {
		node := p.Nodes[name]
		if node.Kind == KindHook || node.Kind == KindCondition {
			continue
		}
		terminal := true
		for _, dep := range p.dependents[name] {
			if p.Nodes[dep].Kind != KindHook {
				terminal = false
				break
			}
		}
		if terminal {
			leaves = append(leaves, name)
		}
	}
	return leaves
}

// Hooks returns the hook nodes in plan order.
func (p *Plan) Hooks() []*Node {
	hooks := make([]*Node, 0)
	for _, name := range p.Order {
		if node := p.Nodes[name]; node.Kind == KindHook {
			hooks = append(hooks, node)
		}
	}
	return hooks
}

// reachable reports whether a dependency path leads from `from` up to `to`.
func (p *Plan) reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := make(map[string]bool)
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		node, exists := p.Nodes[cur]
		if !exists {
			continue
		}
		for _, dep := range node.Deps {
			if dep == to {
				return true
			}
			queue = append(queue, dep)
		}
	}
	return false
}
