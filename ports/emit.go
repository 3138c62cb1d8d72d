package ports

import (
	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
)

/**
 * EmitStep builds a registrable step that publishes its input as an
 * event. Emission is fire-and-forget, the step is non-compensable and
 * a broker hiccup is transient.
 */
func EmitStep(name, event string, bus EventBus) (*types.StepDefinition, error) {
	if bus == nil {
		return nil, errors.BadRequestf("step %s: event bus is nil", name)
	}
	return &types.StepDefinition{
		Name:           name,
		NonCompensable: true,
		MaxRetries:     3,
		Invoke: func(ctx types.Context, input types.Data) (types.Data, error) {
			if err := bus.Emit(ctx, event, input); err != nil {
				return nil, types.NewTransientError(err, 0)
			}
			return types.Data{"event": event}, nil
		},
	}, nil
}
