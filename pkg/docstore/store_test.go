package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

func stores(t *testing.T) map[string]contracts.DocumentStore {
	t.Helper()
	file, err := NewFile(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return map[string]contracts.DocumentStore{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestCreateIfAbsentConflicts(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			doc := contracts.Document{"holderId": "a"}
			if err := store.CreateIfAbsent(ctx, "leases", "l1", doc); err != nil {
				t.Fatalf("first create: %v", err)
			}
			err := store.CreateIfAbsent(ctx, "leases", "l1", contracts.Document{"holderId": "b"})
			if !errors.Is(err, contracts.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			got, err := store.Read(ctx, "leases", "l1")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got["holderId"] != "a" {
				t.Fatalf("losing create must not overwrite, got holder %v", got["holderId"])
			}
		})
	}
}

func TestReadMissing(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Read(ctx, "none", "nope"); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Upsert(ctx, "c", "x", contracts.Document{"v": "1"}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if err := store.Upsert(ctx, "c", "x", contracts.Document{"v": "2"}); err != nil {
				t.Fatalf("second upsert: %v", err)
			}
			got, err := store.Read(ctx, "c", "x")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got["v"] != "2" {
				t.Fatalf("expected v=2, got %v", got["v"])
			}
			if err := store.Delete(ctx, "c", "x"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Read(ctx, "c", "x"); !errors.Is(err, contracts.ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docs := []contracts.Document{
				{"pipelineId": "p1", "status": "pending"},
				{"pipelineId": "p1", "status": "completed"},
				{"pipelineId": "p2", "status": "pending"},
			}
			for i, doc := range docs {
				if err := store.Upsert(ctx, "executions", string(rune('a'+i)), doc); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}
			out, err := store.Query(ctx, "executions", contracts.Document{"pipelineId": "p1", "status": "pending"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(out) != 1 {
				t.Fatalf("expected 1 match, got %d", len(out))
			}
			all, err := store.Query(ctx, "executions", contracts.Document{})
			if err != nil {
				t.Fatalf("query all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 documents, got %d", len(all))
			}
		})
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFile(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Upsert(ctx, "checkpoints", "p1_s1", contracts.Document{"watermark": "2025-06-01T00:00:00Z"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := NewFile(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.Read(ctx, "checkpoints", "p1_s1")
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if got["watermark"] != "2025-06-01T00:00:00Z" {
		t.Fatalf("expected persisted watermark, got %v", got["watermark"])
	}
}
