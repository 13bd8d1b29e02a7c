package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/oarkflow/expr"
	"github.com/oarkflow/log"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
)

// session holds the per-run state of one graph execution: the concurrency
// semaphore, the join barriers, and the collected terminal outputs.
type session struct {
	g        *Graph
	sem      chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	arrivals map[string]map[string]contracts.Batch
	outputs  map[string]contracts.Batch
	err      error
}

// Run executes the graph from its start stage against the given batch. It
// returns the outputs of terminal stages (stages with no outgoing edges that
// actually ran), keyed by stage id. The first aborting stage error cancels
// the remaining branches and is returned after they drain.
func (g *Graph) Run(ctx context.Context, input contracts.Batch) (map[string]contracts.Batch, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &session{
		g:        g,
		sem:      make(chan struct{}, g.maxParallel),
		cancel:   cancel,
		arrivals: make(map[string]map[string]contracts.Batch),
		outputs:  make(map[string]contracts.Batch),
	}
	if err := s.exec(runCtx, g.start, input); err != nil {
		s.setErr(err)
	}
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.outputs, nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cancel()
}

// exec runs one stage and dispatches control along its outgoing edges.
func (s *session) exec(ctx context.Context, id string, input contracts.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, ok := s.g.nodes[id]
	if !ok {
		return fmt.Errorf("stage %s not found in graph", id)
	}
	out, err := s.runStage(ctx, n, input)
	if err != nil {
		return err
	}

	edges := s.g.outgoing(id)
	if len(edges) == 0 {
		s.mu.Lock()
		s.outputs[id] = out
		s.mu.Unlock()
		return nil
	}
	for _, e := range edges {
		switch e.Type {
		case config.EdgeParallel:
			if err := s.fanOut(ctx, e, out); err != nil {
				return err
			}
		case config.EdgeJoin:
			if err := s.arrive(ctx, e, id, out); err != nil {
				return err
			}
		case config.EdgeConditional:
			if err := s.branch(ctx, e, id, out); err != nil {
				return err
			}
		default:
			for _, t := range e.To {
				if err := s.exec(ctx, t.Target, out); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// runStage invokes the stage's process capability, gated by the concurrency
// semaphore. Stages without a process capability pass their input through
// unchanged. A failing stage aborts the run unless its config clears
// failOnError, in which case the error is annotated on the batch and
// execution continues.
func (s *session) runStage(ctx context.Context, n *node, input contracts.Batch) (contracts.Batch, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return contracts.Batch{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	processor, ok := n.stage.(contracts.Processor)
	if !ok {
		return input, nil
	}
	out, err := processor.Process(ctx, input)
	if err != nil {
		if n.cfg.FailsOnError() {
			return contracts.Batch{}, fmt.Errorf("stage %s failed: %w", n.cfg.ID, err)
		}
		log.Printf("[Graph %s] stage %s failed, continuing: %v", s.g.pipelineID, n.cfg.ID, err)
		annotated := input
		annotated.Errors = append(append([]string(nil), input.Errors...), fmt.Sprintf("stage %s: %v", n.cfg.ID, err))
		return annotated, nil
	}
	return out, nil
}

// fanOut dispatches the same input to every target of a parallel edge. Each
// target runs in its own goroutine; the stage semaphore provides the
// backpressure that keeps no more than maxParallel stages executing at once.
func (s *session) fanOut(ctx context.Context, e config.Edge, input contracts.Batch) error {
	for _, t := range e.To {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := t.Target
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.exec(ctx, target, input); err != nil {
				s.setErr(err)
			}
		}()
	}
	return nil
}

// arrive records one source's output at a join barrier. The join target only
// runs once every source listed on the edge has arrived; the last arrival
// executes it with the merged batch. Merging is by declared source order, so
// the join input composition is identical regardless of which branch
// finishes first.
func (s *session) arrive(ctx context.Context, e config.Edge, source string, out contracts.Batch) error {
	if len(e.To) == 0 {
		return nil
	}
	target := e.To[0].Target
	s.mu.Lock()
	pending, ok := s.arrivals[target]
	if !ok {
		pending = make(map[string]contracts.Batch, len(e.From))
		s.arrivals[target] = pending
	}
	pending[source] = out
	complete := len(pending) == len(e.From)
	var merged contracts.Batch
	if complete {
		for _, from := range e.From {
			b := pending[from]
			merged.Items = append(merged.Items, b.Items...)
			merged.Errors = append(merged.Errors, b.Errors...)
			for k, v := range b.Meta {
				if merged.Meta == nil {
					merged.Meta = make(map[string]any)
				}
				merged.Meta[k] = v
			}
		}
	}
	s.mu.Unlock()
	if !complete {
		return nil
	}
	return s.exec(ctx, target, merged)
}

// branch evaluates conditional targets in declared order and follows the
// first match. A target without a condition acts as the else branch.
func (s *session) branch(ctx context.Context, e config.Edge, source string, out contracts.Batch) error {
	for _, t := range e.To {
		if t.Condition == "" {
			return s.exec(ctx, t.Target, out)
		}
		match, err := evalCondition(t.Condition, out)
		if err != nil {
			log.Printf("[Graph %s] condition %q on edge from %s: %v, skipping branch", s.g.pipelineID, t.Condition, source, err)
			continue
		}
		if match {
			return s.exec(ctx, t.Target, out)
		}
	}
	log.Printf("[Graph %s] no conditional branch matched from %s", s.g.pipelineID, source)
	s.mu.Lock()
	s.outputs[source] = out
	s.mu.Unlock()
	return nil
}

// evalCondition evaluates an expression against the source stage's output.
// The environment exposes the batch's items, item count, first item, errors
// and meta.
func evalCondition(condition string, out contracts.Batch) (bool, error) {
	program, err := expr.Parse(condition)
	if err != nil {
		return false, fmt.Errorf("parse error: %w", err)
	}
	env := map[string]any{
		"items":  out.Items,
		"count":  len(out.Items),
		"errors": out.Errors,
		"meta":   out.Meta,
	}
	if len(out.Items) > 0 {
		env["first"] = out.Items[0]
	} else {
		env["first"] = contracts.Item{}
	}
	result, err := program.Eval(env)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}
	match, ok := result.(bool)
	return ok && match, nil
}
