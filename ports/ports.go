package ports

import (
	"github.com/mkarlin/sagaflow/types"
)

/**
 * Collaborator ports are the capabilities step bodies consume. The
 * engine never calls them itself: they are injected into the closures
 * registered as steps, so every outside effect of a workflow goes
 * through one of these seams and can be swapped out in tests.
 */

type Filter = types.Data

/**
 * Persistence is a unit-of-work style store over named entities. A
 * step body creates and updates entities through it; the matching
 * compensate body reverses those writes with the step's recorded
 * response as input.
 */
type Persistence interface {
	Find(ctx types.Context, entity string, filter Filter) ([]types.Data, error)
	FindAndCount(ctx types.Context, entity string, filter Filter) ([]types.Data, int64, error)
	Create(ctx types.Context, entity string, rows []types.Data) ([]types.Data, error)
	Update(ctx types.Context, entity string, filter Filter, update types.Data) ([]types.Data, error)
	Delete(ctx types.Context, entity string, filter Filter) error
}

/**
 * RemoteQuery reads from other services by entry point and field set.
 * Reads carry no compensation, steps built on it are naturally
 * non-compensable.
 */
type RemoteQuery interface {
	Query(ctx types.Context, entryPoint string, fields []string, vars types.Data) ([]types.Data, error)
}

/**
 * EventBus is fire-and-forget: events already emitted are never rolled
 * back when the transaction compensates, so emit steps must be
 * registered non-compensable.
 */
type EventBus interface {
	Emit(ctx types.Context, name string, payload types.Data) error
}
