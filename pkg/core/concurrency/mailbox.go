package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when trying to send/receive on a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when trying to send to a full mailbox (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded FIFO queue drained by a single consumer.
// The worker runtime routes protocol frames and poll ticks through one Mailbox
// so that they are handled strictly one at a time.
type Mailbox[T any] interface {
	// Send enqueues without blocking.
	// Returns ErrMailboxFull if the mailbox is full, ErrMailboxClosed if closed.
	Send(msg T) error

	// Put enqueues, blocking until there is room or ctx is done.
	Put(ctx context.Context, msg T) error

	// Receive blocks until a message is available or ctx is done.
	// Returns ErrMailboxClosed once the mailbox is closed and drained.
	Receive(ctx context.Context) (T, error)

	// Close closes the mailbox. Messages already queued can still be received.
	Close()

	// Capacity returns the maximum capacity of the mailbox
	Capacity() int

	// Size returns the current number of queued messages
	Size() int

	// IsClosed returns true if the mailbox is closed
	IsClosed() bool
}
