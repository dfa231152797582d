package fluxor

import (
	"context"
	"sync"
)

// FutureT is the read side of an asynchronous result.
// It settles exactly once; later attempts to settle are no-ops.
type FutureT[T any] struct {
	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	value    T
	err      error
	handlers []func(T, error)
}

// PromiseT is the write side of a FutureT
type PromiseT[T any] struct {
	FutureT[T]
}

// NewPromiseT creates a pending promise
func NewPromiseT[T any]() *PromiseT[T] {
	return &PromiseT[T]{FutureT: FutureT[T]{done: make(chan struct{})}}
}

// Succeeded returns an already-completed future
func Succeeded[T any](value T) *FutureT[T] {
	p := NewPromiseT[T]()
	p.Complete(value)
	return &p.FutureT
}

// Failed returns an already-failed future
func Failed[T any](err error) *FutureT[T] {
	p := NewPromiseT[T]()
	p.Fail(err)
	return &p.FutureT
}

// Complete completes the promise with value (no-op if already settled)
func (p *PromiseT[T]) Complete(value T) {
	p.TryComplete(value)
}

// Fail fails the promise with err (no-op if already settled)
func (p *PromiseT[T]) Fail(err error) {
	p.TryFail(err)
}

// TryComplete reports whether this call settled the promise
func (p *PromiseT[T]) TryComplete(value T) bool {
	return p.settle(value, nil)
}

// TryFail reports whether this call settled the promise
func (p *PromiseT[T]) TryFail(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (f *FutureT[T]) settle(value T, err error) bool {
	won := false
	f.once.Do(func() {
		won = true
		f.mu.Lock()
		f.value = value
		f.err = err
		handlers := f.handlers
		f.handlers = nil
		close(f.done)
		f.mu.Unlock()

		for _, h := range handlers {
			h(value, err)
		}
	})
	return won
}

// Done is closed once the future settles
func (f *FutureT[T]) Done() <-chan struct{} {
	return f.done
}

// IsSettled reports whether the future has completed or failed
func (f *FutureT[T]) IsSettled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx is done.
// A ctx error abandons the wait; it does not settle the future.
func (f *FutureT[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers a callback invoked once with the settled value or error.
// If the future is already settled the callback runs immediately.
func (f *FutureT[T]) OnComplete(handler func(T, error)) *FutureT[T] {
	f.mu.Lock()
	select {
	case <-f.done:
		value, err := f.value, f.err
		f.mu.Unlock()
		handler(value, err)
		return f
	default:
	}
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
	return f
}

// OnSuccess registers a callback invoked only on success
func (f *FutureT[T]) OnSuccess(handler func(T)) *FutureT[T] {
	return f.OnComplete(func(v T, err error) {
		if err == nil {
			handler(v)
		}
	})
}

// OnFailure registers a callback invoked only on failure
func (f *FutureT[T]) OnFailure(handler func(error)) *FutureT[T] {
	return f.OnComplete(func(_ T, err error) {
		if err != nil {
			handler(err)
		}
	})
}

// Then chains a transformation that runs after a successful settle
func Then[T any, R any](f *FutureT[T], fn func(T) (R, error)) *FutureT[R] {
	mapped := NewPromiseT[R]()
	f.OnComplete(func(v T, err error) {
		if err != nil {
			mapped.Fail(err)
			return
		}
		r, err := fn(v)
		if err != nil {
			mapped.Fail(err)
			return
		}
		mapped.Complete(r)
	})
	return &mapped.FutureT
}
