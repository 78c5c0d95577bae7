package request

import (
	"context"
	"sync"
)

// Future resolves exactly once with a response or an error.
type Future struct {
	once sync.Once
	done chan struct{}
	resp Response
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future. Returns false if it was already settled.
func (f *Future) Resolve(resp Response, err error) bool {
	settled := false
	f.once.Do(func() {
		f.resp, f.err = resp, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx ends. Abandoning the wait
// does not cancel the request.
func (f *Future) Await(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
