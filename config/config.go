package config

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/viper"

	"github.com/mkarlin/sagaflow/types"
)

// Config holds the daemon configuration.
type Config struct {
	HTTP struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"http"`
	Engine struct {
		MaxStepConcurrency int           `mapstructure:"max_step_concurrency"`
		TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	} `mapstructure:"engine"`
	DB struct {
		Enable   bool   `mapstructure:"enable"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	AMQP struct {
		Enable   bool   `mapstructure:"enable"`
		URL      string `mapstructure:"url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"amqp"`
}

// LoadConfig loads the configuration from a file and the environment.
// Environment variables use the SAGAFLOW_ prefix with underscores, e.g.
// SAGAFLOW_DB_HOST.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("sagaflow")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sagaflow")
	}
	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", ":8080")
	v.SetDefault("engine.max_step_concurrency", 1024)
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("amqp.exchange", "sagaflow.events")

	if err := v.ReadInConfig(); err != nil {
		// the defaults plus the environment are a complete configuration
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Trace(err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// EngineOptions translates the file configuration into engine options.
func (c *Config) EngineOptions() []types.EngineOption {
	opts := make([]types.EngineOption, 0)
	if c.Engine.MaxStepConcurrency > 0 {
		opts = append(opts, types.SetMaxStepConcurrency(c.Engine.MaxStepConcurrency))
	}
	if c.Engine.TransactionTimeout > 0 {
		opts = append(opts, types.WithTransactionTimeout(c.Engine.TransactionTimeout))
	}
	if c.DB.Enable {
		opts = append(opts, types.WithPostgresConfig(&types.PostgresConfig{
			Host:     c.DB.Host,
			Port:     c.DB.Port,
			User:     c.DB.User,
			Password: c.DB.Password,
			Database: c.DB.Name,
			SSLMode:  c.DB.SSLMode,
		}))
	} else {
		opts = append(opts, types.EnableMemLog())
	}
	return opts
}
