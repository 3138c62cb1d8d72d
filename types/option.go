package types

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context
	/**
	 * default: 1024
	 * upper bound of step invocations the engine dispatches across all
	 * running transactions in one pass.
	 */
	MaxStepConcurrency int `default:"1024"`
	/**
	 * default: true, can set it to false and *important*
	 * caller should call Engine.RunOnce() looply.
	 */
	AutoStart bool `default:"true"`
	/**
	 * default: true, only set it to false when doing debugging or
	 * developing. When false every runnable step executes inline in
	 * RunOnce, in deterministic plan order.
	 */
	StepRunAsync bool `default:"true"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemLog bool `default:"false"`

	/**
	 * default deadline applied to every transaction; zero means none.
	 * Expiry is treated like an invoke failure and triggers
	 * compensation.
	 */
	TransactionTimeout time.Duration

	// If both MemLog and PostgresConfig are set, PostgresConfig takes precedence
	PostgresConfig *PostgresConfig
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxStepConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxStepConcurrency = concurrency
	}
}

func DisableAutoStart() EngineOption {
	return func(opts *EngineOptions) {
		opts.AutoStart = false
	}
}

func DisableStepRunAsync() EngineOption {
	return func(opts *EngineOptions) {
		opts.StepRunAsync = false
	}
}

func EnableMemLog() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemLog = true
	}
}

func WithTransactionTimeout(d time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.TransactionTimeout = d
	}
}

// WithPostgresConfig configures the engine to persist through PostgreSQL
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}
