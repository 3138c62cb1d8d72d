package ports

import (
	"sync"

	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
)

// NewMemPersistence returns an in-memory Persistence for tests and
// development. Filters match by field equality.
func NewMemPersistence() Persistence {
	return &memPersistence{entities: make(map[string][]types.Data)}
}

type memPersistence struct {
	mu       sync.Mutex
	entities map[string][]types.Data
}

func (p *memPersistence) Find(ctx types.Context, entity string, filter Filter) ([]types.Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]types.Data, 0)
	for _, row := range p.entities[entity] {
		if matches(row, filter) {
			rows = append(rows, row.Clone())
		}
	}
	return rows, nil
}

func (p *memPersistence) FindAndCount(ctx types.Context, entity string, filter Filter) ([]types.Data, int64, error) {
	rows, err := p.Find(ctx, entity, filter)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return rows, int64(len(rows)), nil
}

func (p *memPersistence) Create(ctx types.Context, entity string, rows []types.Data) ([]types.Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	created := make([]types.Data, 0, len(rows))
	for _, row := range rows {
		clone := row.Clone()
		p.entities[entity] = append(p.entities[entity], clone)
		created = append(created, clone.Clone())
	}
	return created, nil
}

func (p *memPersistence) Update(ctx types.Context, entity string, filter Filter, update types.Data) ([]types.Data, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	updated := make([]types.Data, 0)
	for _, row := range p.entities[entity] {
		if !matches(row, filter) {
			continue
		}
		for k, v := range update {
			row[k] = v
		}
		updated = append(updated, row.Clone())
	}
	if len(updated) == 0 {
		return nil, errors.NotFoundf("entity %s matching filter", entity)
	}
	return updated, nil
}

func (p *memPersistence) Delete(ctx types.Context, entity string, filter Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]types.Data, 0, len(p.entities[entity]))
	for _, row := range p.entities[entity] {
		if !matches(row, filter) {
			kept = append(kept, row)
		}
	}
	p.entities[entity] = kept
	return nil
}

func matches(row types.Data, filter Filter) bool {
	for k, v := range filter {
		if row[k] != v {
			return false
		}
	}
	return true
}
