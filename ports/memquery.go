package ports

import (
	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/types"
)

// NewMemRemoteQuery returns a RemoteQuery serving canned rows per entry
// point, for tests and development. Vars filter by field equality and
// the field set projects the returned rows.
func NewMemRemoteQuery(rows map[string][]types.Data) RemoteQuery {
	return &memRemoteQuery{rows: rows}
}

type memRemoteQuery struct {
	rows map[string][]types.Data
}

func (q *memRemoteQuery) Query(ctx types.Context, entryPoint string, fields []string, vars types.Data) ([]types.Data, error) {
	rows, exists := q.rows[entryPoint]
	if !exists {
		return nil, errors.NotFoundf("entry point %s", entryPoint)
	}

	out := make([]types.Data, 0, len(rows))
	for _, row := range rows {
		if !matches(row, vars) {
			continue
		}
		if len(fields) == 0 {
			out = append(out, row.Clone())
			continue
		}
		projected := types.Data{}
		for _, field := range fields {
			if v, exists := row[field]; exists {
				projected[field] = v
			}
		}
		out = append(out, projected)
	}
	return out, nil
}
