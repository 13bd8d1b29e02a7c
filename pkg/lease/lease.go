package lease

import (
	"context"
	"errors"
	"time"

	"github.com/oarkflow/convert"
	"github.com/oarkflow/date"
	"github.com/oarkflow/log"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

const (
	collection = "leases"

	// maxAcquireAttempts bounds the reclaim-and-retry cycle when racing other
	// workers over a stale lease.
	maxAcquireAttempts = 3
)

// Lock provides per-pipeline mutual exclusion through a lease document with a
// TTL. There is no central coordinator: any worker may reclaim a lease whose
// holder stopped renewing it by letting the TTL lapse.
type Lock struct {
	store contracts.DocumentStore
}

func New(store contracts.DocumentStore) *Lock {
	return &Lock{store: store}
}

func leaseID(pipelineID string) string {
	return "lease_" + pipelineID
}

// TryAcquire attempts an atomic create-if-absent of the lease document. When
// the lease exists but is past its TTL it is deleted and the create retried.
// Any storage error fails closed: ownership is never assumed on an ambiguous
// outcome.
func (l *Lock) TryAcquire(ctx context.Context, pipelineID, holderID string, ttl time.Duration) bool {
	id := leaseID(pipelineID)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		doc := contracts.Document{
			"pipelineId": pipelineID,
			"holderId":   holderID,
			"acquiredAt": time.Now().UTC().Format(time.RFC3339Nano),
			"ttlSeconds": int(ttl.Seconds()),
		}
		err := l.store.CreateIfAbsent(ctx, collection, id, doc)
		if err == nil {
			return true
		}
		if !errors.Is(err, contracts.ErrConflict) {
			log.Printf("[Lease] acquire %s: storage error, failing closed: %v", pipelineID, err)
			return false
		}
		existing, err := l.store.Read(ctx, collection, id)
		if err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				// Holder released between our create and read; retry.
				continue
			}
			log.Printf("[Lease] acquire %s: storage error, failing closed: %v", pipelineID, err)
			return false
		}
		if !expired(existing) {
			return false
		}
		holder, _ := convert.ToString(existing["holderId"])
		log.Printf("[Lease] reclaiming stale lease for %s (previous holder %s)", pipelineID, holder)
		if err := l.store.Delete(ctx, collection, id); err != nil {
			log.Printf("[Lease] acquire %s: failed to delete stale lease: %v", pipelineID, err)
			return false
		}
	}
	return false
}

// Release deletes the lease only while holderID still owns it, so a worker
// cannot release a lease that expired and was re-acquired by another worker.
// Storage errors are logged and swallowed; the lease self-expires via TTL.
func (l *Lock) Release(ctx context.Context, pipelineID, holderID string) {
	id := leaseID(pipelineID)
	existing, err := l.store.Read(ctx, collection, id)
	if err != nil {
		if !errors.Is(err, contracts.ErrNotFound) {
			log.Printf("[Lease] release %s: read error: %v", pipelineID, err)
		}
		return
	}
	holder, _ := convert.ToString(existing["holderId"])
	if holder != holderID {
		log.Printf("[Lease] release %s: lease now held by %s, leaving it", pipelineID, holder)
		return
	}
	if err := l.store.Delete(ctx, collection, id); err != nil {
		log.Printf("[Lease] release %s: delete error: %v", pipelineID, err)
	}
}

func expired(doc contracts.Document) bool {
	raw, _ := convert.ToString(doc["acquiredAt"])
	acquiredAt, err := date.Parse(raw)
	if err != nil {
		// A lease we cannot interpret would otherwise block its pipeline
		// forever; treat it as stale.
		return true
	}
	ttlSeconds, ok := convert.ToInt(doc["ttlSeconds"])
	if !ok || ttlSeconds <= 0 {
		return true
	}
	return time.Since(acquiredAt) > time.Duration(ttlSeconds)*time.Second
}
