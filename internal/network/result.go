package network

import (
	"context"
	"sync"
)

// Result is a single-assignment slot holding the outcome of one request.
// The first resolve wins; later ones are ignored. Callers may block in Wait,
// poll with Poll or select on Done.
type Result[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// resolve stores the outcome and reports whether this call assigned it.
func (r *Result[T]) resolve(val T, err error) bool {
	assigned := false
	r.once.Do(func() {
		r.val = val
		r.err = err
		close(r.done)
		assigned = true
	})
	return assigned
}

// Done is closed once the result is assigned.
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// Poll returns the outcome if assigned. ok is false while still pending.
func (r *Result[T]) Poll() (val T, ok bool, err error) {
	select {
	case <-r.done:
		return r.val, true, r.err
	default:
		return val, false, nil
	}
}

// Wait blocks until the result is assigned or ctx ends. Abandoning a wait
// does not cancel the request; it still resolves on reply or timeout.
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
