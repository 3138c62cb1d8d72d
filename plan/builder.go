package plan

import (
	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
	"github.com/mkarlin/sagaflow/utils"
)

/**
 * Builder collects nodes for one workflow definition. Dependencies must
 * be declared before they are referenced, so the resulting graph is
 * acyclic by construction; Build still verifies.
 */
type Builder struct {
	workflowID string

	nodes map[string]*Node
	order []string

	parallelSets [][]string

	// active conditional scope, empty at top level
	guard string
}

func New(workflowID string) *Builder {
	return &Builder{
		workflowID: workflowID,
		nodes:      make(map[string]*Node),
	}
}

func (b *Builder) addNode(node *Node, deps []string) error {
	if node.Name == "" {
		return errors.BadRequestf("node name is empty")
	}
	if _, exists := b.nodes[node.Name]; exists {
		return errors.AlreadyExistsf("node: %s", node.Name)
	}
	for _, dep := range deps {
		depNode, exists := b.nodes[dep]
		if !exists {
			return errors.NotFoundf("node %s dependency: %s", node.Name, dep)
		}
		if depNode.Kind == KindHook {
			return errors.BadRequestf("node %s depends on hook %s", node.Name, dep)
		}
	}

	node.Deps = utils.UniqueSlice(append([]string{}, deps...))
	if b.guard != "" {
		node.Guard = b.guard
		node.Deps = utils.UniqueSlice(append(node.Deps, b.guard))
	}

	b.nodes[node.Name] = node
	b.order = append(b.order, node.Name)
	return nil
}

// Step adds a registry step execution depending on the named upstream nodes.
func (b *Builder) Step(name, stepName string, deps ...string) error {
	if stepName == "" {
		return errors.BadRequestf("node %s: step name is empty", name)
	}
	return errors.Trace(b.addNode(&Node{Name: name, Kind: KindStep, Step: stepName}, deps))
}

/**
 * Transform adds a pure reshaping of resolved upstream values. It must
 * not perform side effects observable outside the transaction; it is
 * never retried on its own and re-runs deterministically on replay.
 */
func (b *Builder) Transform(name string, deps []string, fn types.TransformFunc) error {
	if fn == nil {
		return errors.BadRequestf("node %s: transform handler is nil", name)
	}
	return errors.Trace(b.addNode(&Node{Name: name, Kind: KindTransform, Transform: fn}, deps))
}

/**
 * Parallel asserts the named nodes carry no ordering dependency among
 * each other, so the engine may run them concurrently. Build fails if
 * a dependency path connects any pair.
 */
func (b *Builder) Parallel(names ...string) error {
	if len(names) < 2 {
		return errors.BadRequestf("parallel declaration needs at least two nodes")
	}
	for _, name := range names {
		if _, exists := b.nodes[name]; !exists {
			return errors.NotFoundf("parallel node: %s", name)
		}
	}
	b.parallelSets = append(b.parallelSets, utils.UniqueSlice(append([]string{}, names...)))
	return nil
}

/**
 * When adds a conditional sub-graph: a pure predicate node over the
 * given dependencies, plus whatever body declares. Nodes declared
 * inside body execute only if the predicate resolves true; otherwise
 * they are skipped and resolve to the absent placeholder.
 */
func (b *Builder) When(name string, deps []string, pred types.PredicateFunc, body func(branch *Builder) error) error {
	if pred == nil {
		return errors.BadRequestf("node %s: predicate is nil", name)
	}
	if body == nil {
		return errors.BadRequestf("node %s: conditional body is nil", name)
	}
	if err := b.addNode(&Node{Name: name, Kind: KindCondition, Predicate: pred}, deps); err != nil {
		return errors.Trace(err)
	}

	outerGuard := b.guard
	b.guard = name
	err := body(b)
	b.guard = outerGuard
	return errors.Trace(err)
}

/**
 * Hook declares a named extension point whose handlers run after the
 * transaction succeeds, fed by the listed dependencies. Handler errors
 * never affect the transaction outcome.
 */
func (b *Builder) Hook(name string, deps ...string) error {
	return errors.Trace(b.addNode(&Node{Name: name, Kind: KindHook}, deps))
}

/**
 * SubWorkflow embeds another workflow's execution as a single step from
 * this workflow's perspective. The child transaction id derives from
 * the parent's, so recovery can locate it.
 */
func (b *Builder) SubWorkflow(name, workflowID string, deps ...string) error {
	if workflowID == "" {
		return errors.BadRequestf("node %s: child workflow id is empty", name)
	}
	if workflowID == b.workflowID {
		return errors.BadRequestf("node %s: workflow cannot embed itself", name)
	}
	return errors.Trace(b.addNode(&Node{Name: name, Kind: KindSubWorkflow, Workflow: workflowID}, deps))
}

func (b *Builder) Build() (*Plan, error) {
	if len(b.nodes) == 0 {
		return nil, errors.BadRequestf("workflow %s has no nodes", b.workflowID)
	}

	p := &Plan{
		WorkflowID: b.workflowID,
		Nodes:      utils.CloneMap(b.nodes),
		dependents: make(map[string][]string),
	}

	order, err := b.topoSort()
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.Order = order

	for _, name := range p.Order {
		for _, dep := range p.Nodes[name].Deps {
			p.dependents[dep] = append(p.dependents[dep], name)
		}
	}

	for _, set := range b.parallelSets {
		for i := 0; i < len(set); i++ {
			for j := 0; j < len(set); j++ {
				if i == j {
					continue
				}
				if p.reachable(set[i], set[j]) {
					return nil, errors.Forbiddenf("parallel nodes %s and %s are ordered", set[j], set[i])
				}
			}
		}
	}

	return p, nil
}

// Kahn's algorithm, declaration order breaks ties.
func (b *Builder) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(b.nodes))
	for name, node := range b.nodes {
		indegree[name] = len(node.Deps)
	}

	order := make([]string, 0, len(b.nodes))
	for len(order) < len(b.nodes) {
		advanced := false
		for _, name := range b.order {
			if indegree[name] != 0 {
				continue
			}
			indegree[name] = -1
			order = append(order, name)
			advanced = true
			for _, other := range b.order {
				for _, dep := range b.nodes[other].Deps {
					if dep == name {
						indegree[other]--
					}
				}
			}
		}
		if !advanced {
			return nil, errors.Forbiddenf("workflow %s contains a dependency cycle", b.workflowID)
		}
	}
	return order, nil
}
