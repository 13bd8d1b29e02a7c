package execution

import (
	"context"
	"strings"
	"testing"

	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/docstore"
)

func newTestStore(outputLimit int) *Store {
	return NewStore(docstore.NewMemory(), nil, outputLimit)
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(0)
	rec := Record{
		ID:           "e1",
		PipelineID:   "p1",
		PipelineName: "Pipeline One",
		Status:       StatusPending,
		TaskID:       "t1",
		Content:      []contracts.Item{{"k": "v"}},
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if got.NumberOfItems != 1 {
		t.Fatalf("expected 1 item counted, got %d", got.NumberOfItems)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created timestamp")
	}

	if err := store.MarkRunning(ctx, "e1"); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, _ = store.Get(ctx, "e1")
	if got.Status != StatusRunning || got.StartedAt == nil {
		t.Fatalf("expected running with start time, got %+v", got)
	}

	outputs := map[string]any{"sink": map[string]any{"items": 1}}
	if err := store.MarkCompleted(ctx, "e1", "done", outputs); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, _ = store.Get(ctx, "e1")
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed with end time, got %+v", got)
	}
	if got.StatusMessage != "done" {
		t.Fatalf("expected status message done, got %q", got.StatusMessage)
	}
	if len(got.Events) != 3 {
		t.Fatalf("expected 3 lifecycle events, got %d", len(got.Events))
	}
}

func TestMarkFailedKeepsError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(0)
	if err := store.Create(ctx, Record{ID: "e1", PipelineID: "p1", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkFailed(ctx, "e1", "pipeline execution failed", "stage sink failed: boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Fatalf("expected raw error preserved, got %q", got.Error)
	}
	if got.StatusMessage != "pipeline execution failed" {
		t.Fatalf("expected summary message, got %q", got.StatusMessage)
	}
}

func TestMarkCompletedElidesOversizedOutput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(64)
	if err := store.Create(ctx, Record{ID: "e1", PipelineID: "p1", Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	big := map[string]any{"blob": strings.Repeat("x", 1024)}
	if err := store.MarkCompleted(ctx, "e1", "done", big); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := store.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("oversized output must degrade, not fail: %s", got.Status)
	}
	if got.ExecutorOutputs["content"] != OutputElided {
		t.Fatalf("expected elision sentinel, got %v", got.ExecutorOutputs)
	}
}

func TestListFiltersByPipelineAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(0)
	seed := []Record{
		{ID: "e1", PipelineID: "p1", Status: StatusPending},
		{ID: "e2", PipelineID: "p1", Status: StatusPending},
		{ID: "e3", PipelineID: "p2", Status: StatusPending},
	}
	for _, rec := range seed {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "e2", "failed", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	pending, err := store.List(ctx, "p1", StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "e1" {
		t.Fatalf("expected only e1 pending in p1, got %+v", pending)
	}
	all, err := store.List(ctx, "", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}
