package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oarkflow/log"
	"github.com/urfave/cli/v2"

	"github.com/oarkflow/conveyor/pkg/checkpoint"
	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/docstore"
	"github.com/oarkflow/conveyor/pkg/events"
	"github.com/oarkflow/conveyor/pkg/execution"
	"github.com/oarkflow/conveyor/pkg/lease"
	"github.com/oarkflow/conveyor/pkg/queue"
	"github.com/oarkflow/conveyor/pkg/registry"
	"github.com/oarkflow/conveyor/pkg/resilience"
	"github.com/oarkflow/conveyor/pkg/scheduler"
	"github.com/oarkflow/conveyor/pkg/stages"
	"github.com/oarkflow/conveyor/pkg/worker"
)

func main() {
	app := &cli.App{
		Name:  "conveyord",
		Usage: "Pipeline scheduling and processing daemon",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the scheduler, the processing worker, or both",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the configuration file (JSON, YAML, or BCL)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "role",
						Value: "all",
						Usage: "Process role: scheduler, worker, or all",
					},
				},
				Action: runDaemon,
			},
			{
				Name:  "validate",
				Usage: "Validate a configuration file and its pipeline definitions",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Required: true,
					},
				},
				Action: validateConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Printf("[Conveyord] %v", err)
		os.Exit(1)
	}
}

// shutdownOnSignal cancels the root context on SIGINT or SIGTERM.
func shutdownOnSignal(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[Conveyord] received signal %v, initiating graceful shutdown", sig)
		cancel()
	}()
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	role := c.String("role")
	if role != "scheduler" && role != "worker" && role != "all" {
		return fmt.Errorf("unknown role %q", role)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdownOnSignal(cancel)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	guarded := resilience.NewGuardedStore(store, resilience.NewCircuitBreaker(5, 30*time.Second), 3, 100*time.Millisecond)

	q, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	reg := registry.New()
	if err := stages.Register(reg); err != nil {
		return fmt.Errorf("register stages: %w", err)
	}

	defs, err := definitionSource(ctx, cfg, guarded)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	executions := execution.NewStore(guarded, bus, cfg.Worker.OutputSizeLimit)

	var wg sync.WaitGroup
	if role == "scheduler" || role == "all" {
		sched := scheduler.New(cfg.Scheduler, defs, lease.New(guarded), checkpoint.New(guarded), executions, q, reg, bus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Conveyord] scheduler exited: %v", err)
				cancel()
			}
		}()
	}
	if role == "worker" || role == "all" {
		w, err := worker.New(cfg.Worker, q, defs, executions, reg)
		if err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Conveyord] worker exited: %v", err)
				cancel()
			}
		}()
	}

	wg.Wait()
	log.Printf("[Conveyord] shutdown complete")
	return nil
}

func validateConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, def := range cfg.Pipelines {
		if err := def.Validate(); err != nil {
			return err
		}
	}
	fmt.Printf("ok: %d pipeline(s), store %s, queue %s\n", len(cfg.Pipelines), cfg.Store.Type, cfg.Queue.Type)
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (contracts.DocumentStore, error) {
	switch cfg.Type {
	case "memory":
		return docstore.NewMemory(), nil
	case "file":
		return docstore.NewFile(cfg.Dir)
	case "mongodb":
		return docstore.NewMongo(ctx, cfg.URI, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (contracts.Queue, error) {
	switch cfg.Type {
	case "memory":
		return queue.NewMemory(), nil
	case "amqp":
		q := queue.NewAMQP(cfg.URI, cfg.Queue)
		if err := q.Setup(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue type %q", cfg.Type)
	}
}

// definitionSource prefers pipelines shipped in the config file; with none
// configured, the store's pipelines collection becomes the source of truth.
func definitionSource(ctx context.Context, cfg *config.Config, store contracts.DocumentStore) (contracts.DefinitionSource, error) {
	if len(cfg.Pipelines) > 0 {
		for _, def := range cfg.Pipelines {
			if err := def.Validate(); err != nil {
				return nil, err
			}
		}
		return config.NewDefinitions(cfg.Pipelines), nil
	}
	return docstore.NewDefinitions(store), nil
}
