package scheduler

import (
	"context"

	"github.com/lucasew/imgprefetch/internal/cache"
)

// Result is the outcome of a load.
type Result struct {
	Key cache.Key
	// Payload is the caller's own reference to the loaded bytes. It stays
	// valid after the cache entry is evicted.
	Payload   []byte
	Metadata  cache.Metadata
	FromCache bool
	Err       error
}

// Future is the single completion signal shared by every caller that asked
// for the same key while it was pending.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolved(res Result) *Future {
	f := newFuture()
	f.complete(res)
	return f
}

func (f *Future) complete(res Result) {
	f.result = res
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome and whether it is available yet.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the load finishes or ctx is done. Giving up on a Future
// does not cancel the load; it still completes and populates the cache.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
