// Package channel correlates asynchronous requests with their responses by id.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/core/failfast"
	"github.com/fluxorio/datacore/pkg/fluxor"
)

// ErrDuplicateID is returned by Register when the id generator repeats itself
var ErrDuplicateID = errors.New("channel: duplicate correlation id")

// Pending is one outstanding request
type Pending[T any] struct {
	ID       string
	IssuedAt time.Time
	Deadline time.Time

	promise *fluxor.PromiseT[T]
	timer   *time.Timer
}

// Future settles with the response, a timeout, or the error passed to FailAll
func (p *Pending[T]) Future() *fluxor.FutureT[T] {
	return &p.promise.FutureT
}

// Options configures a Table
type Options struct {
	// NewID generates correlation ids (default core.GenerateRequestID)
	NewID func() string
	// Now is the clock used for IssuedAt/Deadline (default time.Now)
	Now func() time.Time
	// OnDrop observes responses that matched no pending request
	OnDrop func(id string)
}

// Table holds the pending requests of one side of a boundary.
// Every pending request is removed exactly once: by Resolve, by its
// timeout, by Cancel, or by FailAll.
type Table[T any] struct {
	mu      sync.Mutex
	pending map[string]*Pending[T]
	opts    Options
}

// NewTable creates an empty table
func NewTable[T any](opts Options) *Table[T] {
	if opts.NewID == nil {
		opts.NewID = core.GenerateRequestID
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table[T]{
		pending: make(map[string]*Pending[T]),
		opts:    opts,
	}
}

// Register creates a pending request that fails with core.ErrRequestTimeout
// once timeout elapses without a response.
func (t *Table[T]) Register(timeout time.Duration) (*Pending[T], error) {
	failfast.Positive(timeout, "timeout")

	now := t.opts.Now()
	p := &Pending[T]{
		ID:       t.opts.NewID(),
		IssuedAt: now,
		Deadline: now.Add(timeout),
		promise:  fluxor.NewPromiseT[T](),
	}

	t.mu.Lock()
	if _, exists := t.pending[p.ID]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	t.pending[p.ID] = p
	p.timer = time.AfterFunc(timeout, func() {
		if t.take(p.ID, p) {
			p.promise.TryFail(core.Wrap(core.ErrRequestTimeout, fmt.Errorf("no response to %s within %v", p.ID, timeout)))
		}
	})
	t.mu.Unlock()

	return p, nil
}

// take removes id if it still maps to p
func (t *Table[T]) take(id string, p *Pending[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.pending[id]
	if !ok || cur != p {
		return false
	}
	delete(t.pending, id)
	return true
}

func (t *Table[T]) remove(id string) (*Pending[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	p.timer.Stop()
	return p, true
}

// Resolve settles the request with id. It reports false for unknown, late
// and duplicate responses, which are dropped.
func (t *Table[T]) Resolve(id string, response T) bool {
	p, ok := t.remove(id)
	if !ok {
		if t.opts.OnDrop != nil {
			t.opts.OnDrop(id)
		}
		return false
	}
	return p.promise.TryComplete(response)
}

// Cancel fails the request with id with err
func (t *Table[T]) Cancel(id string, err error) bool {
	p, ok := t.remove(id)
	if !ok {
		return false
	}
	return p.promise.TryFail(err)
}

// Forget removes the request without settling it. Used when the caller
// stops waiting; a later response is then dropped like a late one.
func (t *Table[T]) Forget(id string) {
	t.remove(id)
}

// FailAll fails every pending request with err and returns how many were failed
func (t *Table[T]) FailAll(err error) int {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[string]*Pending[T])
	t.mu.Unlock()

	n := 0
	for _, p := range all {
		p.timer.Stop()
		if p.promise.TryFail(err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Call registers a request, hands its id to send, and waits for the outcome.
// A send error fails the call immediately. Cancelling ctx abandons the wait
// without cancelling the remote operation.
func (t *Table[T]) Call(ctx context.Context, timeout time.Duration, send func(id string) error) (T, error) {
	var zero T
	p, err := t.Register(timeout)
	if err != nil {
		return zero, err
	}
	if err := send(p.ID); err != nil {
		t.Cancel(p.ID, err)
		return zero, err
	}
	v, err := p.Future().Await(ctx)
	if err != nil && ctx.Err() != nil && !p.Future().IsSettled() {
		t.Forget(p.ID)
	}
	return v, err
}
