package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
)

func joinDef() config.PipelineDefinition {
	return config.PipelineDefinition{
		ID:     "p",
		Stages: stagesFor("s", "a", "b", "d"),
		Edges: []config.Edge{
			{Type: config.EdgeParallel, From: config.StringList{"s"}, To: config.TargetList{{Target: "a"}, {Target: "b"}}},
			{Type: config.EdgeJoin, From: config.StringList{"a", "b"}, To: config.TargetList{{Target: "d"}}},
		},
	}
}

// runJoin executes the s -> (a|b) -> d join graph with the given artificial
// delays and returns the item order d observed.
func runJoin(t *testing.T, delayA, delayB time.Duration) []string {
	t.Helper()
	var mu sync.Mutex
	var joined []string
	tag := func(id string, delay time.Duration) func(context.Context, contracts.Batch) (contracts.Batch, error) {
		return func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			time.Sleep(delay)
			return contracts.Batch{Items: []contracts.Item{{"from": id}}}, nil
		}
	}
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"a": tag("a", delayA),
		"b": tag("b", delayB),
		"d": func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			mu.Lock()
			for _, item := range batch.Items {
				joined = append(joined, fmt.Sprintf("%v", item["from"]))
			}
			mu.Unlock()
			return batch, nil
		},
	}
	g, err := Build(joinDef(), probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := g.Run(context.Background(), contracts.Batch{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return joined
}

func TestJoinMergesInDeclaredOrder(t *testing.T) {
	aFirst := runJoin(t, 0, 30*time.Millisecond)
	bFirst := runJoin(t, 30*time.Millisecond, 0)
	if strings.Join(aFirst, ",") != "a,b" {
		t.Fatalf("expected merge order a,b, got %v", aFirst)
	}
	if strings.Join(bFirst, ",") != "a,b" {
		t.Fatalf("expected identical merge order regardless of finish order, got %v", bFirst)
	}
}

func TestJoinRunsTargetOnce(t *testing.T) {
	var count atomic.Int32
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"d": func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			count.Add(1)
			return batch, nil
		},
	}
	g, err := Build(joinDef(), probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := g.Run(context.Background(), contracts.Batch{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("expected join target to run once, ran %d times", got)
	}
}

func TestFanOutRespectsMaxParallel(t *testing.T) {
	const targets = 10
	const limit = 3
	var current, peak atomic.Int32
	behaviors := make(map[string]func(context.Context, contracts.Batch) (contracts.Batch, error), targets)
	ids := []string{"s"}
	var edgeTargets config.TargetList
	for i := 0; i < targets; i++ {
		id := fmt.Sprintf("t%d", i)
		ids = append(ids, id)
		edgeTargets = append(edgeTargets, config.EdgeTarget{Target: id})
		behaviors[id] = func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			current.Add(-1)
			return batch, nil
		}
	}
	def := config.PipelineDefinition{
		ID:     "p",
		Stages: stagesFor(ids...),
		Edges: []config.Edge{
			{Type: config.EdgeParallel, From: config.StringList{"s"}, To: edgeTargets},
		},
	}
	g, err := Build(def, probeRegistry(t, behaviors), WithMaxParallel(limit))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	outputs, err := g.Run(context.Background(), contracts.Batch{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outputs) != targets {
		t.Fatalf("expected %d terminal outputs, got %d", targets, len(outputs))
	}
	if p := peak.Load(); p > limit {
		t.Fatalf("expected at most %d stages in flight, saw %d", limit, p)
	}
}

func TestConditionalFollowsFirstMatch(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	record := func(id string) func(context.Context, contracts.Batch) (contracts.Batch, error) {
		return func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			mu.Lock()
			ran = append(ran, id)
			mu.Unlock()
			return batch, nil
		}
	}
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"big": record("big"), "small": record("small"),
	}
	def := config.PipelineDefinition{
		ID:     "p",
		Stages: stagesFor("s", "big", "small"),
		Edges: []config.Edge{
			{Type: config.EdgeConditional, From: config.StringList{"s"}, To: config.TargetList{
				{Target: "big", Condition: "count > 2"},
				{Target: "small"},
			}},
		},
	}
	g, err := Build(def, probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if _, err := g.Run(context.Background(), contracts.Batch{Items: []contracts.Item{{"n": 1}}}); err != nil {
		t.Fatalf("run small: %v", err)
	}
	if len(ran) != 1 || ran[0] != "small" {
		t.Fatalf("expected else branch, got %v", ran)
	}

	ran = nil
	many := contracts.Batch{Items: []contracts.Item{{}, {}, {}}}
	if _, err := g.Run(context.Background(), many); err != nil {
		t.Fatalf("run big: %v", err)
	}
	if len(ran) != 1 || ran[0] != "big" {
		t.Fatalf("expected matching branch, got %v", ran)
	}
}

func TestFailOnErrorAbortsRun(t *testing.T) {
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"b": func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			return contracts.Batch{}, errors.New("boom")
		},
	}
	def := config.PipelineDefinition{
		ID:                "p",
		Stages:            stagesFor("a", "b", "c"),
		ExecutionSequence: []string{"a", "b", "c"},
	}
	g, err := Build(def, probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := g.Run(context.Background(), contracts.Batch{}); err == nil {
		t.Fatal("expected run to fail when a fail-on-error stage errors")
	}
}

func TestFailOnErrorFalseAnnotatesAndContinues(t *testing.T) {
	off := false
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"b": func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			return contracts.Batch{}, errors.New("boom")
		},
	}
	def := config.PipelineDefinition{
		ID: "p",
		Stages: []config.StageConfig{
			{ID: "a", Type: "probe"},
			{ID: "b", Type: "probe", FailOnError: &off},
			{ID: "c", Type: "probe"},
		},
		ExecutionSequence: []string{"a", "b", "c"},
	}
	g, err := Build(def, probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	outputs, err := g.Run(context.Background(), contracts.Batch{Items: []contracts.Item{{"k": "v"}}})
	if err != nil {
		t.Fatalf("run should continue past tolerated failure: %v", err)
	}
	out, ok := outputs["c"]
	if !ok {
		t.Fatalf("expected terminal output from c, got %v", outputs)
	}
	if len(out.Errors) != 1 || !strings.Contains(out.Errors[0], "stage b") {
		t.Fatalf("expected error annotation from stage b, got %v", out.Errors)
	}
	if len(out.Items) != 1 {
		t.Fatalf("expected upstream items to pass through, got %v", out.Items)
	}
}

func TestRunCancellation(t *testing.T) {
	release := make(chan struct{})
	behaviors := map[string]func(context.Context, contracts.Batch) (contracts.Batch, error){
		"a": func(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
			select {
			case <-release:
				return batch, nil
			case <-ctx.Done():
				return contracts.Batch{}, ctx.Err()
			}
		},
	}
	def := config.PipelineDefinition{
		ID:                "p",
		Stages:            stagesFor("a", "b"),
		ExecutionSequence: []string{"a", "b"},
	}
	g, err := Build(def, probeRegistry(t, behaviors))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	defer close(release)
	if _, err := g.Run(ctx, contracts.Batch{}); err == nil {
		t.Fatal("expected run to fail on cancellation")
	}
}
