// Package workerpool bounds CPU-bound work — password hashing, chiefly —
// so it never runs inline on the event loop or the clock's own callback
// goroutine.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool caps concurrent CPU-bound work at size. Callers over the cap
// suspend in Submit until a slot frees up or ctx is cancelled.
type Pool struct {
	sem *semaphore.Weighted
}

// New returns a Pool allowing up to size concurrent Submit calls to run
// their function at once.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit runs fn once a slot is available, releasing it when fn
// returns. It reports ctx's error without running fn if ctx is
// cancelled before a slot frees up.
func Submit[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer p.sem.Release(1)
	return fn()
}
