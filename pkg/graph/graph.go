package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/oarkflow/log"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/registry"
)

type node struct {
	cfg   config.StageConfig
	stage contracts.Stage
}

// Graph is a compiled, executable pipeline: stage instances plus typed edges.
// A Graph is built per run configuration and may be reused across runs; per-run
// state lives in the execution session.
type Graph struct {
	pipelineID  string
	nodes       map[string]*node
	declared    []string
	edges       []config.Edge
	start       string
	maxParallel int
}

// Option configures graph compilation.
type Option func(*builder)

// WithMaxParallel bounds how many stages may execute concurrently during one
// run. Dispatches beyond the limit block until a slot frees.
func WithMaxParallel(n int) Option {
	return func(b *builder) {
		if n > 0 {
			b.maxParallel = n
		}
	}
}

// WithoutStage excludes a stage (and every edge touching it) from the
// compiled graph. The processing worker uses it to skip the discovery stage
// the scheduler already ran.
func WithoutStage(id string) Option {
	return func(b *builder) {
		if id != "" {
			b.excluded[id] = struct{}{}
		}
	}
}

type builder struct {
	maxParallel int
	excluded    map[string]struct{}
}

// Build compiles a pipeline definition into an executable graph. Unknown
// stage types are skipped with a warning rather than failing the build, so
// partially-known graphs remain runnable. Disabled stages are skipped the
// same way.
func Build(def config.PipelineDefinition, reg *registry.Registry, opts ...Option) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	b := &builder{maxParallel: 4, excluded: make(map[string]struct{})}
	for _, opt := range opts {
		opt(b)
	}

	g := &Graph{
		pipelineID:  def.ID,
		nodes:       make(map[string]*node),
		maxParallel: b.maxParallel,
	}
	for _, cfg := range def.Stages {
		if _, skip := b.excluded[cfg.ID]; skip {
			continue
		}
		if !cfg.IsEnabled() {
			log.Printf("[Graph %s] stage %s disabled, skipping", def.ID, cfg.ID)
			continue
		}
		stage, err := reg.Build(cfg)
		if err != nil {
			if errors.Is(err, registry.ErrUnknownType) {
				log.Printf("[Graph %s] %v, skipping", def.ID, err)
				continue
			}
			return nil, err
		}
		g.nodes[cfg.ID] = &node{cfg: cfg, stage: stage}
		g.declared = append(g.declared, cfg.ID)
	}
	if len(g.nodes) == 0 {
		return nil, fmt.Errorf("pipeline %s: no runnable stages", def.ID)
	}

	g.edges = effectiveEdges(def, g.nodes)
	g.start = resolveStart(def, g)
	if _, err := g.Layers(); err != nil {
		return nil, err
	}
	for _, e := range g.edges {
		if e.Type == config.EdgeJoin && e.WaitStrategy != "" && e.WaitStrategy != "all" {
			log.Printf("[Graph %s] join waitStrategy %q not supported, using all", def.ID, e.WaitStrategy)
		}
	}
	return g, nil
}

// Start returns the id of the stage execution begins at.
func (g *Graph) Start() string {
	return g.start
}

// effectiveEdges normalizes the definition's edge list: an execution sequence
// implies pure sequential edges, and edges touching skipped stages are
// dropped (join edges keep their remaining sources).
func effectiveEdges(def config.PipelineDefinition, nodes map[string]*node) []config.Edge {
	declared := def.Edges
	if len(declared) == 0 {
		sequence := def.ExecutionSequence
		if len(sequence) == 0 {
			for _, s := range def.Stages {
				sequence = append(sequence, s.ID)
			}
		}
		// Skipped stages are bridged over so the sequence stays connected.
		var runnable []string
		for _, id := range sequence {
			if _, ok := nodes[id]; ok {
				runnable = append(runnable, id)
			}
		}
		for i := 0; i+1 < len(runnable); i++ {
			declared = append(declared, config.Edge{
				Type: config.EdgeSequential,
				From: config.StringList{runnable[i]},
				To:   config.TargetList{{Target: runnable[i+1]}},
			})
		}
	}
	var out []config.Edge
	for _, e := range declared {
		var from config.StringList
		for _, id := range e.From {
			if _, ok := nodes[id]; ok {
				from = append(from, id)
			}
		}
		var to config.TargetList
		for _, t := range e.To {
			if _, ok := nodes[t.Target]; ok {
				to = append(to, t)
			}
		}
		if len(from) == 0 || len(to) == 0 {
			continue
		}
		out = append(out, config.Edge{Type: e.Type, From: from, To: to, WaitStrategy: e.WaitStrategy})
	}
	return out
}

// resolveStart picks the stage appearing as an edge source but never as a
// target, falling back to the head of the declared sequence, then the first
// declared stage.
func resolveStart(def config.PipelineDefinition, g *Graph) string {
	isTarget := make(map[string]bool)
	isSource := make(map[string]bool)
	for _, e := range g.edges {
		for _, id := range e.From {
			isSource[id] = true
		}
		for _, t := range e.To {
			isTarget[t.Target] = true
		}
	}
	var candidates []string
	for id := range g.nodes {
		if isSource[id] && !isTarget[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	if len(g.edges) == 0 && len(g.declared) == 1 {
		return g.declared[0]
	}
	for _, id := range def.ExecutionSequence {
		if _, ok := g.nodes[id]; ok {
			log.Printf("[Graph %s] no unique start stage, falling back to sequence head %s", def.ID, id)
			return id
		}
	}
	sort.Strings(candidates)
	if len(candidates) > 0 {
		log.Printf("[Graph %s] multiple start candidates, using %s", def.ID, candidates[0])
		return candidates[0]
	}
	log.Printf("[Graph %s] no start stage derivable from edges, using first declared stage %s", def.ID, g.declared[0])
	return g.declared[0]
}

// Layers returns a layered topological ordering of the graph: each layer
// lists stages whose predecessors all appear in earlier layers. It doubles as
// the cycle check.
func (g *Graph) Layers() ([][]string, error) {
	inDegree := make(map[string]int)
	adj := make(map[string][]string)
	for id := range g.nodes {
		inDegree[id] = 0
		adj[id] = []string{}
	}
	for _, e := range g.edges {
		for _, from := range e.From {
			for _, t := range e.To {
				adj[from] = append(adj[from], t.Target)
				inDegree[t.Target]++
			}
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var layers [][]string
	processed := 0
	for len(queue) > 0 {
		layer := make([]string, len(queue))
		copy(layer, queue)
		layers = append(layers, layer)
		processed += len(queue)

		var next []string
		for _, u := range queue {
			for _, v := range adj[u] {
				inDegree[v]--
				if inDegree[v] == 0 {
					next = append(next, v)
				}
			}
		}
		sort.Strings(next)
		queue = next
	}
	if processed != len(g.nodes) {
		return nil, fmt.Errorf("pipeline %s: circular dependency detected in graph", g.pipelineID)
	}
	return layers, nil
}

// Stages returns the ids of the compiled stages in declared order.
func (g *Graph) Stages() []string {
	out := make([]string, len(g.declared))
	copy(out, g.declared)
	return out
}

// outgoing returns the edges whose source set includes the given stage.
func (g *Graph) outgoing(id string) []config.Edge {
	var out []config.Edge
	for _, e := range g.edges {
		for _, from := range e.From {
			if from == id {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
