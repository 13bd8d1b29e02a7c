package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oarkflow/json"
	"github.com/oarkflow/log"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/execution"
	"github.com/oarkflow/conveyor/pkg/graph"
	"github.com/oarkflow/conveyor/pkg/registry"
)

// Worker consumes processing tasks from the queue and runs each one through
// its pipeline's compiled graph, minus the discovery stage the scheduler
// already executed. Messages are only acknowledged on terminal outcomes;
// anything else returns to the queue when its visibility window lapses.
type Worker struct {
	cfg        config.WorkerConfig
	queue      contracts.Queue
	defs       contracts.DefinitionSource
	executions *execution.Store
	reg        *registry.Registry
	workerID   string
	graphs     *ristretto.Cache
}

func New(cfg config.WorkerConfig, queue contracts.Queue, defs contracts.DefinitionSource, executions *execution.Store, reg *registry.Registry) (*Worker, error) {
	graphs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1024,
		MaxCost:     256,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("graph cache: %w", err)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Worker{
		cfg:        cfg,
		queue:      queue,
		defs:       defs,
		executions: executions,
		reg:        reg,
		workerID:   fmt.Sprintf("%s_%s", host, xid.New().String()),
		graphs:     graphs,
	}, nil
}

// Run receives and handles tasks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[Worker %s] starting, max %d message(s) per receive", w.workerID, w.cfg.MaxMessages)
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[Worker %s] stopping", w.workerID)
			return err
		}
		msgs, err := w.queue.Receive(ctx, w.cfg.MaxMessages, w.cfg.VisibilityTimeout.Std())
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[Worker %s] receive failed: %v", w.workerID, err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				break
			}
			w.Handle(ctx, msg)
		}
	}
}

// Handle processes one queue message end to end. Malformed or foreign
// messages are left unacknowledged so other consumer generations can claim
// them after the visibility window.
func (w *Worker) Handle(ctx context.Context, msg contracts.Message) {
	var task contracts.ProcessingTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		log.Printf("[Worker %s] undecodable message %s: %v", w.workerID, msg.ID, err)
		return
	}
	if task.TaskType != contracts.TaskTypeProcessing {
		log.Printf("[Worker %s] ignoring task type %q on message %s", w.workerID, task.TaskType, msg.ID)
		return
	}

	// Delivery one carries retry count zero; each redelivery counts as one
	// consumed retry on top of what the task already recorded.
	retries := task.RetryCount + msg.DeliveryCount - 1
	if retries >= task.MaxRetries {
		log.Printf("[Worker %s] task %s exceeded %d retries, failing execution %s", w.workerID, task.TaskID, task.MaxRetries, task.ExecutionID)
		w.fail(ctx, task, "max retries exceeded", fmt.Sprintf("task abandoned after %d attempt(s)", retries+1))
		w.ack(ctx, msg)
		return
	}

	if err := w.process(ctx, task); err != nil {
		log.Printf("[Worker %s] task %s attempt %d failed: %v", w.workerID, task.TaskID, retries+1, err)
		w.fail(ctx, task, "pipeline execution failed", err.Error())
		// No ack: the visibility timeout returns the task for a retry.
		return
	}
	w.ack(ctx, msg)
}

// process resolves the pipeline, runs the graph and records the outcome.
func (w *Worker) process(ctx context.Context, task contracts.ProcessingTask) error {
	def, err := w.defs.Get(ctx, task.PipelineID)
	if err != nil {
		return fmt.Errorf("resolve pipeline %s: %w", task.PipelineID, err)
	}
	g, err := w.compiledGraph(def, task.ExecutedDiscoveryStageID)
	if err != nil {
		return fmt.Errorf("compile pipeline %s: %w", task.PipelineID, err)
	}
	if err := w.executions.MarkRunning(ctx, task.ExecutionID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	input := contracts.Batch{
		Items: task.Content,
		Meta: map[string]any{
			"pipelineId":  task.PipelineID,
			"executionId": task.ExecutionID,
			"taskId":      task.TaskID,
		},
	}
	outputs, err := g.Run(ctx, input)
	if err != nil {
		return err
	}

	summary := make(map[string]any, len(outputs))
	items := 0
	for stageID, batch := range outputs {
		items += len(batch.Items)
		summary[stageID] = map[string]any{
			"items":  batch.Items,
			"errors": batch.Errors,
		}
	}
	message := fmt.Sprintf("processed %d item(s) across %d output stage(s)", items, len(outputs))
	if err := w.executions.MarkCompleted(ctx, task.ExecutionID, message, summary); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	log.Printf("[Worker %s] task %s completed: %s", w.workerID, task.TaskID, message)
	return nil
}

// compiledGraph returns the graph for a definition with the already-executed
// discovery stage removed, caching compilations keyed by the definition
// fingerprint so edits invalidate naturally.
func (w *Worker) compiledGraph(def config.PipelineDefinition, excludeStage string) (*graph.Graph, error) {
	key := def.ID + "|" + def.Fingerprint() + "|" + excludeStage
	if cached, ok := w.graphs.Get(key); ok {
		if g, ok := cached.(*graph.Graph); ok {
			return g, nil
		}
	}
	g, err := graph.Build(def, w.reg,
		graph.WithMaxParallel(w.cfg.MaxParallel),
		graph.WithoutStage(excludeStage),
	)
	if err != nil {
		return nil, err
	}
	w.graphs.Set(key, g, 1)
	return g, nil
}

func (w *Worker) fail(ctx context.Context, task contracts.ProcessingTask, message, errMsg string) {
	if err := w.executions.MarkFailed(ctx, task.ExecutionID, message, errMsg); err != nil {
		log.Printf("[Worker %s] execution %s: failed to record failure: %v", w.workerID, task.ExecutionID, err)
	}
}

func (w *Worker) ack(ctx context.Context, msg contracts.Message) {
	if err := w.queue.Ack(ctx, msg); err != nil {
		log.Printf("[Worker %s] ack %s failed: %v", w.workerID, msg.ID, err)
	}
}
