package concurrency

import (
	"context"
	"sync"
)

type boundedMailbox[T any] struct {
	ch       chan T
	mu       sync.RWMutex
	closed   bool
	capacity int
}

// NewBoundedMailbox creates a new bounded mailbox
func NewBoundedMailbox[T any](capacity int) Mailbox[T] {
	if capacity < 1 {
		capacity = 100
	}

	return &boundedMailbox[T]{
		ch:       make(chan T, capacity),
		capacity: capacity,
	}
}

func (mb *boundedMailbox[T]) Send(msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}

	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (mb *boundedMailbox[T]) Put(ctx context.Context, msg T) error {
	// The read lock is held while blocked so Close cannot close the channel under a sender.
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}

	select {
	case mb.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mb *boundedMailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return zero, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close must not be called while a Put is blocked on a full mailbox with no receiver;
// callers cancel the Put context first.
func (mb *boundedMailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

func (mb *boundedMailbox[T]) Capacity() int {
	return mb.capacity
}

func (mb *boundedMailbox[T]) Size() int {
	return len(mb.ch)
}

func (mb *boundedMailbox[T]) IsClosed() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.closed
}
