package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/docstore"
)

func TestTryAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	lock := New(docstore.NewMemory())

	const holders = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if lock.TryAcquire(ctx, "pipe-1", string(rune('a'+n)), time.Minute) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if acquired != 1 {
		t.Fatalf("expected exactly 1 holder, got %d", acquired)
	}
}

func TestTryAcquireIndependentPipelines(t *testing.T) {
	ctx := context.Background()
	lock := New(docstore.NewMemory())
	if !lock.TryAcquire(ctx, "pipe-1", "a", time.Minute) {
		t.Fatal("expected acquire on pipe-1")
	}
	if !lock.TryAcquire(ctx, "pipe-2", "a", time.Minute) {
		t.Fatal("expected acquire on pipe-2, leases must be per pipeline")
	}
}

func TestTryAcquireReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	lock := New(store)

	stale := contracts.Document{
		"pipelineId": "pipe-1",
		"holderId":   "dead-worker",
		"acquiredAt": time.Now().UTC().Add(-2 * time.Minute).Format(time.RFC3339Nano),
		"ttlSeconds": 60,
	}
	if err := store.Upsert(ctx, "leases", "lease_pipe-1", stale); err != nil {
		t.Fatalf("seed stale lease: %v", err)
	}
	if !lock.TryAcquire(ctx, "pipe-1", "survivor", time.Minute) {
		t.Fatal("expected expired lease to be reclaimed")
	}
	doc, err := store.Read(ctx, "leases", "lease_pipe-1")
	if err != nil {
		t.Fatalf("read lease: %v", err)
	}
	if doc["holderId"] != "survivor" {
		t.Fatalf("expected holder survivor, got %v", doc["holderId"])
	}
}

func TestTryAcquireRefusesLiveLease(t *testing.T) {
	ctx := context.Background()
	lock := New(docstore.NewMemory())
	if !lock.TryAcquire(ctx, "pipe-1", "a", time.Minute) {
		t.Fatal("expected initial acquire")
	}
	if lock.TryAcquire(ctx, "pipe-1", "b", time.Minute) {
		t.Fatal("expected acquire to fail while lease is live")
	}
}

func TestTryAcquireTreatsMalformedLeaseAsStale(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	lock := New(store)
	if err := store.Upsert(ctx, "leases", "lease_pipe-1", contracts.Document{"acquiredAt": "garbage"}); err != nil {
		t.Fatalf("seed lease: %v", err)
	}
	if !lock.TryAcquire(ctx, "pipe-1", "a", time.Minute) {
		t.Fatal("expected malformed lease to be reclaimable")
	}
}

type failingStore struct {
	contracts.DocumentStore
}

func (f failingStore) CreateIfAbsent(ctx context.Context, collection, id string, doc contracts.Document) error {
	return errors.New("store unavailable")
}

func TestTryAcquireFailsClosedOnStorageError(t *testing.T) {
	lock := New(failingStore{docstore.NewMemory()})
	if lock.TryAcquire(context.Background(), "pipe-1", "a", time.Minute) {
		t.Fatal("expected acquire to fail closed on storage error")
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemory()
	lock := New(store)
	if !lock.TryAcquire(ctx, "pipe-1", "a", time.Minute) {
		t.Fatal("expected acquire")
	}

	lock.Release(ctx, "pipe-1", "b")
	if _, err := store.Read(ctx, "leases", "lease_pipe-1"); err != nil {
		t.Fatalf("lease should survive a non-holder release: %v", err)
	}

	lock.Release(ctx, "pipe-1", "a")
	if _, err := store.Read(ctx, "leases", "lease_pipe-1"); !errors.Is(err, contracts.ErrNotFound) {
		t.Fatalf("expected lease gone after holder release, got %v", err)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	ctx := context.Background()
	lock := New(docstore.NewMemory())
	if !lock.TryAcquire(ctx, "pipe-1", "a", time.Minute) {
		t.Fatal("expected first acquire")
	}
	lock.Release(ctx, "pipe-1", "a")
	if !lock.TryAcquire(ctx, "pipe-1", "b", time.Minute) {
		t.Fatal("expected acquire after release")
	}
}
