package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

// GuardedStore wraps a DocumentStore with a circuit breaker and bounded
// retries for transient failures. Not-found and conflict results are part of
// the contract, not failures, and pass through untouched.
type GuardedStore struct {
	inner     contracts.DocumentStore
	breaker   *CircuitBreaker
	attempts  int
	baseDelay time.Duration
}

func NewGuardedStore(inner contracts.DocumentStore, breaker *CircuitBreaker, attempts int, baseDelay time.Duration) *GuardedStore {
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 0)
	}
	if attempts <= 0 {
		attempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &GuardedStore{inner: inner, breaker: breaker, attempts: attempts, baseDelay: baseDelay}
}

func expected(err error) bool {
	return errors.Is(err, contracts.ErrNotFound) || errors.Is(err, contracts.ErrConflict)
}

func (g *GuardedStore) CreateIfAbsent(ctx context.Context, collection, id string, doc contracts.Document) error {
	return g.run(ctx, func() error {
		return g.inner.CreateIfAbsent(ctx, collection, id, doc)
	})
}

func (g *GuardedStore) Read(ctx context.Context, collection, id string) (contracts.Document, error) {
	var doc contracts.Document
	err := g.run(ctx, func() error {
		var err error
		doc, err = g.inner.Read(ctx, collection, id)
		return err
	})
	return doc, err
}

func (g *GuardedStore) Upsert(ctx context.Context, collection, id string, doc contracts.Document) error {
	return g.run(ctx, func() error {
		return g.inner.Upsert(ctx, collection, id, doc)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, collection, id string) error {
	return g.run(ctx, func() error {
		return g.inner.Delete(ctx, collection, id)
	})
}

func (g *GuardedStore) Query(ctx context.Context, collection string, filter contracts.Document) ([]contracts.Document, error) {
	var docs []contracts.Document
	err := g.run(ctx, func() error {
		var err error
		docs, err = g.inner.Query(ctx, collection, filter)
		return err
	})
	return docs, err
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

// run executes one store operation with retries under the breaker,
// preserving contract errors verbatim.
func (g *GuardedStore) run(ctx context.Context, fn func() error) error {
	if !g.breaker.AllowRequest() {
		return ErrCircuitOpen
	}
	var contractErr error
	err := Retry(ctx, g.attempts, g.baseDelay, func() error {
		err := fn()
		if err != nil && expected(err) {
			contractErr = err
			return nil
		}
		return err
	})
	if err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	if contractErr != nil {
		return contractErr
	}
	return nil
}
