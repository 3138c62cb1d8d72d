package types

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEngineOptionDefaults(t *testing.T) {
	opts := NewEngineOptions()
	assert.Equal(t, 1024, opts.MaxStepConcurrency)
	assert.True(t, opts.AutoStart)
	assert.True(t, opts.StepRunAsync)
	assert.False(t, opts.MemLog)
	assert.Equal(t, time.Duration(0), opts.TransactionTimeout)
	assert.Nil(t, opts.PostgresConfig)
	assert.NotNil(t, opts.Ctx)
}

func TestEngineOptionSetters(t *testing.T) {
	opts := NewEngineOptions()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, opt := range []EngineOption{
		WithContext(ctx),
		SetMaxStepConcurrency(8),
		DisableAutoStart(),
		DisableStepRunAsync(),
		EnableMemLog(),
		WithTransactionTimeout(time.Minute),
		WithPostgresConfig(&PostgresConfig{Host: "db.internal"}),
	} {
		opt(opts)
	}

	assert.Equal(t, ctx, opts.Ctx)
	assert.Equal(t, 8, opts.MaxStepConcurrency)
	assert.False(t, opts.AutoStart)
	assert.False(t, opts.StepRunAsync)
	assert.True(t, opts.MemLog)
	assert.Equal(t, time.Minute, opts.TransactionTimeout)
	assert.Equal(t, "db.internal", opts.PostgresConfig.Host)
}
