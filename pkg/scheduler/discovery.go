package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/json"
	"github.com/oarkflow/log"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/events"
	"github.com/oarkflow/conveyor/pkg/execution"
)

// RunDiscoveryPass executes one discovery pass for a pipeline: read the
// watermark, ask the discovery stage for everything since it, and enqueue one
// processing task per non-empty batch, each backed by a pending execution
// record. The watermark only advances to the pass start time after the whole
// pass succeeds, so a failed pass re-covers the same window next time.
func (s *Scheduler) RunDiscoveryPass(ctx context.Context, def config.PipelineDefinition, discoveryCfg config.StageConfig) error {
	stage, err := s.reg.Build(discoveryCfg)
	if err != nil {
		return err
	}
	discoverer, ok := stage.(contracts.Discoverer)
	if !ok {
		return fmt.Errorf("stage %s cannot discover content", discoveryCfg.ID)
	}

	since, err := s.checkpoints.Get(ctx, def.ID, discoveryCfg.ID)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	passStart := time.Now().UTC()
	log.Printf("[Scheduler %s] pipeline %s discovering since %s", s.holderID, def.ID, since.Format(time.RFC3339))

	// The pass context unblocks the discoverer's producer when the pass
	// aborts before draining the batch channel.
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, err := discoverer.Discover(passCtx, since)
	if err != nil {
		s.recordPassFailure(ctx, def, fmt.Sprintf("discovery stage %s failed", discoveryCfg.ID), err)
		return err
	}

	enqueued := 0
	for batch := range batches {
		if len(batch.Items) == 0 {
			continue
		}
		if err := s.enqueueBatch(ctx, def, discoveryCfg.ID, batch); err != nil {
			s.recordPassFailure(ctx, def, "failed to enqueue discovered batch", err)
			return err
		}
		enqueued++
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if enqueued == 0 {
		rec := execution.Record{
			ID:            xid.New().String(),
			PipelineID:    def.ID,
			PipelineName:  def.Name,
			Status:        execution.StatusCompleted,
			StatusMessage: "no content discovered",
		}
		now := time.Now().UTC()
		rec.CompletedAt = &now
		if err := s.executions.Create(ctx, rec); err != nil {
			return fmt.Errorf("record empty pass: %w", err)
		}
	}

	if err := s.checkpoints.Set(ctx, def.ID, discoveryCfg.ID, passStart, s.holderID); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	s.publish(ctx, events.EventDiscoveryCompleted, def, map[string]any{"batches": enqueued})
	log.Printf("[Scheduler %s] pipeline %s pass complete, %d batch(es) enqueued, watermark %s", s.holderID, def.ID, enqueued, passStart.Format(time.RFC3339))
	return nil
}

// enqueueBatch creates the pending execution record for a batch and sends the
// matching processing task. The record exists before the task so a worker
// never receives a task whose execution it cannot find.
func (s *Scheduler) enqueueBatch(ctx context.Context, def config.PipelineDefinition, discoveryStageID string, batch contracts.Batch) error {
	executionID := xid.New().String()
	taskID := xid.New().String()
	rec := execution.Record{
		ID:           executionID,
		PipelineID:   def.ID,
		PipelineName: def.Name,
		Status:       execution.StatusPending,
		TaskID:       taskID,
		Content:      batch.Items,
	}
	if err := s.executions.Create(ctx, rec); err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}
	task := contracts.ProcessingTask{
		TaskType:                 contracts.TaskTypeProcessing,
		TaskID:                   taskID,
		Priority:                 s.cfg.TaskPriority,
		PipelineID:               def.ID,
		PipelineName:             def.Name,
		ExecutionID:              executionID,
		Content:                  batch.Items,
		ExecutedDiscoveryStageID: discoveryStageID,
		RetryCount:               0,
		MaxRetries:               s.cfg.MaxRetries,
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.queue.Send(ctx, body); err != nil {
		if markErr := s.executions.MarkFailed(ctx, executionID, "failed to enqueue processing task", err.Error()); markErr != nil {
			log.Printf("[Scheduler %s] execution %s: %v", s.holderID, executionID, markErr)
		}
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// recordPassFailure persists a failed execution record for a pass that never
// produced tasks, so the failure is externally observable.
func (s *Scheduler) recordPassFailure(ctx context.Context, def config.PipelineDefinition, message string, cause error) {
	rec := execution.Record{
		ID:            xid.New().String(),
		PipelineID:    def.ID,
		PipelineName:  def.Name,
		Status:        execution.StatusFailed,
		StatusMessage: message,
		Error:         cause.Error(),
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := s.executions.Create(ctx, rec); err != nil {
		log.Printf("[Scheduler %s] pipeline %s: failed to record pass failure: %v", s.holderID, def.ID, err)
	}
	s.publish(ctx, events.EventDiscoveryFailed, def, map[string]any{"error": cause.Error()})
}

func (s *Scheduler) publish(ctx context.Context, eventType events.EventType, def config.PipelineDefinition, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["pipelineId"] = def.ID
	s.bus.Publish(ctx, events.Event{Type: eventType, Source: "scheduler", Payload: payload})
}
