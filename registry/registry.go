/**
 * Package registry holds the step definitions an engine may execute.
 * It is an explicit object with no ambient global state: construct one,
 * register steps at startup, pass it by reference into the engine.
 */
package registry

import (
	"sort"
	"sync"

	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
)

type Registry struct {
	mu    sync.Mutex
	steps map[string]*types.StepDefinition
}

func New() *Registry {
	return &Registry{steps: make(map[string]*types.StepDefinition)}
}

/**
 * Register validates and stores a step definition. Registration has no
 * side effects; side effects happen only during engine-driven
 * invocation.
 */
func (r *Registry) Register(def *types.StepDefinition) error {
	if def == nil {
		return errors.BadRequestf("step definition is nil")
	}
	if err := def.Validate(); err != nil {
		return errors.Trace(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[def.Name]; exists {
		return errors.AlreadyExistsf("step: %s", def.Name)
	}
	r.steps[def.Name] = def
	return nil
}

func (r *Registry) Get(name string) (*types.StepDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, exists := r.steps[name]
	return def, exists
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
