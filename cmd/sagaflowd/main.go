package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"github.com/mkarlin/sagaflow"
	"github.com/mkarlin/sagaflow/config"
	"github.com/mkarlin/sagaflow/httpapi"
	"github.com/mkarlin/sagaflow/plan"
	"github.com/mkarlin/sagaflow/ports"
	"github.com/mkarlin/sagaflow/registry"
	"github.com/mkarlin/sagaflow/runtime"
	"github.com/mkarlin/sagaflow/types"
)

var (
	configPath string
	withDemo   bool
)

func main() {
	root := &cobra.Command{
		Use:   "sagaflowd",
		Short: "saga transaction engine daemon",
		Long: "sagaflowd hosts the transaction engine, recovers pending " +
			"transactions from the execution log and serves the step " +
			"signaling HTTP API.",
		RunE: run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file")
	root.Flags().BoolVar(&withDemo, "demo", false, "register the built-in external-task demo workflow")

	if err := root.Execute(); err != nil {
		log.Fatalf("sagaflowd: %v", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	engine, err := sagaflow.NewEngine(reg, cfg.EngineOptions()...)
	if err != nil {
		return err
	}

	var bus ports.EventBus = ports.NewLogBus()
	if cfg.AMQP.Enable {
		amqpBus, err := ports.NewAmqpBus(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer amqpBus.Close()
		bus = amqpBus
	}

	if withDemo {
		if err := registerDemo(engine, reg, bus); err != nil {
			return err
		}
	}

	ctx := context.Background()
	errs, err := engine.Recover(ctx)
	if err != nil {
		return err
	}
	for id, recErr := range errs {
		if recErr != nil {
			log.Errorf("failed to recover transaction %s: %v", id, recErr)
		}
	}

	server := httpapi.NewServer(engine)
	go func() {
		if err := server.Start(cfg.HTTP.Address); err != nil {
			log.Errorf("http server stopped: %v", err)
		}
	}()
	log.Infof("sagaflowd listening on %s", cfg.HTTP.Address)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("failed to shut down http server: %v", err)
	}
	return engine.Close(shutdownCtx)
}

/**
 * registerDemo installs a workflow with one asynchronous step so the
 * signaling API can be exercised end to end: start a transaction, then
 * conclude the "external-task" step through /steps/success.
 */
func registerDemo(engine *runtime.Engine, reg *registry.Registry, bus ports.EventBus) error {
	launch := &types.StepDefinition{
		Name:  "launch-external-task",
		Async: true,
		Invoke: func(ctx types.Context, input types.Data) (types.Data, error) {
			log.Infof("external task launched for %s, awaiting signal", ctx.GetTransactionID())
			return nil, nil
		},
		Compensate: func(ctx types.Context, input types.Data) error {
			log.Infof("external task %s cancelled", ctx.GetTransactionID())
			return nil
		},
	}
	if err := reg.Register(launch); err != nil {
		return err
	}

	emit, err := ports.EmitStep("emit-task-done", "external-task.done", bus)
	if err != nil {
		return err
	}
	if err := reg.Register(emit); err != nil {
		return err
	}

	b := plan.New("external-task-demo")
	if err := b.Step("task", "launch-external-task"); err != nil {
		return err
	}
	if err := b.Step("announce", "emit-task-done", "task"); err != nil {
		return err
	}
	p, err := b.Build()
	if err != nil {
		return err
	}
	return engine.RegisterWorkflow(p)
}
