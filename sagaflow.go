package sagaflow

import (
	"github.com/juju/errors"

	"github.com/mkarlin/sagaflow/execlog"
	"github.com/mkarlin/sagaflow/execlog/mem"
	"github.com/mkarlin/sagaflow/execlog/postgres"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/runtime"
	"github.com/mkarlin/sagaflow/types"
)

// NewEngine creates a transaction engine over the step registry with
// the given options
func NewEngine(reg *registry.Registry, opts ...types.EngineOption) (*runtime.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	var l execlog.Log
	var err error

	// PostgresConfig takes precedence over MemLog
	if options.PostgresConfig != nil {
		pgConfig := &postgres.Config{
			Host:     options.PostgresConfig.Host,
			Port:     options.PostgresConfig.Port,
			User:     options.PostgresConfig.User,
			Password: options.PostgresConfig.Password,
			Database: options.PostgresConfig.Database,
			SSLMode:  options.PostgresConfig.SSLMode,
		}

		l, err = postgres.NewPostgresLog(pgConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL log")
		}
	} else {
		// Default to the in-memory log if not specified
		l = mem.NewMemLog()
	}

	return runtime.NewEngine(l, reg, options), nil
}
