// Package future provides a single-assignment result that many goroutines can wait on.
package future

import (
	"context"
	"sync"
)

// Future holds a value or error that becomes available exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already holding value.
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Resolve(value)
	return f
}

// Rejected returns a future already holding err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve completes the future with value. Later calls are ignored.
func (f *Future[T]) Resolve(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

// Reject completes the future with err. Later calls are ignored.
func (f *Future[T]) Reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has completed.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking; ok is false while pending.
func (f *Future[T]) Result() (value T, ok bool, err error) {
	if !f.Settled() {
		var zero T
		return zero, false, nil
	}
	return f.value, true, f.err
}
