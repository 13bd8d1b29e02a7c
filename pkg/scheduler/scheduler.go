package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oarkflow/log"
	"github.com/oarkflow/xid"
	"github.com/robfig/cron/v3"

	"github.com/oarkflow/conveyor/pkg/checkpoint"
	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/events"
	"github.com/oarkflow/conveyor/pkg/execution"
	"github.com/oarkflow/conveyor/pkg/lease"
	"github.com/oarkflow/conveyor/pkg/registry"
)

// entry is the per-pipeline scheduling state: when the pipeline is next due
// and how its cadence is derived.
type entry struct {
	def         config.PipelineDefinition
	fingerprint string
	discovery   config.StageConfig
	schedule    cron.Schedule
	interval    time.Duration
	nextDue     time.Time
}

// Scheduler drives discovery passes. Multiple scheduler processes may run
// against the same store and queue; the per-pipeline lease ensures only one
// of them executes a given pipeline's pass at a time.
type Scheduler struct {
	cfg         config.SchedulerConfig
	defs        contracts.DefinitionSource
	lock        *lease.Lock
	checkpoints *checkpoint.Store
	executions  *execution.Store
	queue       contracts.Queue
	reg         *registry.Registry
	bus         *events.Bus
	holderID    string

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg config.SchedulerConfig, defs contracts.DefinitionSource, lock *lease.Lock, checkpoints *checkpoint.Store, executions *execution.Store, queue contracts.Queue, reg *registry.Registry, bus *events.Bus) *Scheduler {
	host, _ := os.Hostname()
	if host == "" {
		host = "scheduler"
	}
	return &Scheduler{
		cfg:         cfg,
		defs:        defs,
		lock:        lock,
		checkpoints: checkpoints,
		executions:  executions,
		queue:       queue,
		reg:         reg,
		bus:         bus,
		holderID:    fmt.Sprintf("%s_%s", host, xid.New().String()),
		entries:     make(map[string]*entry),
	}
}

// HolderID identifies this scheduler process in leases and checkpoints.
func (s *Scheduler) HolderID() string {
	return s.holderID
}

// Run ticks until the context is canceled. Each tick refreshes the pipeline
// set from the definition source and runs a discovery pass for every due
// pipeline.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[Scheduler %s] starting, tick interval %s", s.holderID, s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval.Std())
	defer ticker.Stop()
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler %s] stopping", s.holderID)
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling cycle: refresh definitions, then execute every
// pipeline whose next-due time has passed.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.refresh(ctx); err != nil {
		log.Printf("[Scheduler %s] definition refresh failed: %v", s.holderID, err)
		return
	}
	now := time.Now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.nextDue) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.runPipeline(ctx, e)
	}
}

// refresh re-reads the definition source and reconciles the entry table.
// Pipelines removed from the source or disabled are dropped; changed
// definitions are rebuilt but keep their next-due time.
func (s *Scheduler) refresh(ctx context.Context) error {
	defs, err := s.defs.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		seen[def.ID] = struct{}{}
		fingerprint := def.Fingerprint()
		if existing, ok := s.entries[def.ID]; ok && existing.fingerprint == fingerprint {
			continue
		}
		e, err := s.buildEntry(def, fingerprint)
		if err != nil {
			log.Printf("[Scheduler %s] pipeline %s: %v, skipping", s.holderID, def.ID, err)
			continue
		}
		if existing, ok := s.entries[def.ID]; ok {
			e.nextDue = existing.nextDue
			log.Printf("[Scheduler %s] pipeline %s definition changed, reloading", s.holderID, def.ID)
		}
		s.entries[def.ID] = e
	}
	for id := range s.entries {
		if _, ok := seen[id]; !ok {
			log.Printf("[Scheduler %s] pipeline %s removed or disabled, dropping", s.holderID, id)
			delete(s.entries, id)
		}
	}
	return nil
}

// buildEntry derives a pipeline's cadence from its discovery stage settings:
// a cron expression wins over a poll interval, which falls back to the
// scheduler default.
func (s *Scheduler) buildEntry(def config.PipelineDefinition, fingerprint string) (*entry, error) {
	discovery, err := s.findDiscovery(def)
	if err != nil {
		return nil, err
	}
	e := &entry{def: def, fingerprint: fingerprint, discovery: discovery}
	if spec := discovery.SettingString("cron", ""); spec != "" {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("bad cron expression %q: %w", spec, err)
		}
		e.schedule = schedule
		e.nextDue = schedule.Next(time.Now())
		return e, nil
	}
	e.interval = discovery.SettingDuration("poll_interval", s.cfg.DefaultInterval.Std())
	e.nextDue = time.Now()
	return e, nil
}

// findDiscovery locates the pipeline's discovery stage: the first enabled
// stage whose built instance can discover content.
func (s *Scheduler) findDiscovery(def config.PipelineDefinition) (config.StageConfig, error) {
	for _, cfg := range def.Stages {
		if !cfg.IsEnabled() {
			continue
		}
		stage, err := s.reg.Build(cfg)
		if err != nil {
			continue
		}
		if _, ok := stage.(contracts.Discoverer); ok {
			return cfg, nil
		}
	}
	return config.StageConfig{}, fmt.Errorf("no discovery stage")
}

// runPipeline acquires the pipeline lease and, while holding it, runs one
// discovery pass. Failing to acquire means another scheduler is on it; the
// pipeline stays due and is retried next tick.
func (s *Scheduler) runPipeline(ctx context.Context, e *entry) {
	ttl := s.cfg.LeaseTTL.Std()
	if !s.lock.TryAcquire(ctx, e.def.ID, s.holderID, ttl) {
		log.Printf("[Scheduler %s] pipeline %s lease held elsewhere, skipping", s.holderID, e.def.ID)
		return
	}
	defer s.lock.Release(ctx, e.def.ID, s.holderID)

	started := time.Now()
	if err := s.RunDiscoveryPass(ctx, e.def, e.discovery); err != nil {
		log.Printf("[Scheduler %s] pipeline %s discovery pass failed: %v", s.holderID, e.def.ID, err)
	}
	elapsed := time.Since(started)
	if elapsed > ttl*8/10 {
		log.Printf("[Scheduler %s] pipeline %s pass took %s, approaching lease TTL %s", s.holderID, e.def.ID, elapsed, ttl)
	}

	s.mu.Lock()
	if current, ok := s.entries[e.def.ID]; ok {
		if current.schedule != nil {
			current.nextDue = current.schedule.Next(time.Now())
		} else {
			current.nextDue = time.Now().Add(current.interval)
		}
	}
	s.mu.Unlock()
}
