package store

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate caps concurrent document-store operations independent of connection
// count, so a burst of connections cannot starve the store's own pool.
// Every store call acquires before the operation and releases on all exit
// paths; a leaked permit is permanent capacity loss.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate constructs a Gate with the given capacity (default 20).
func NewGate(capacity int64) *Gate {
	if capacity <= 0 {
		capacity = 20
	}
	return &Gate{sem: semaphore.NewWeighted(capacity)}
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release function must be called exactly once, typically via defer.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}
