package hostapi

import (
	"sync/atomic"

	"github.com/fluxorio/datacore/pkg/core"
)

const codeOverloaded = "OVERLOADED"

// Limiter bounds the number of requests in flight. Requests over the bound
// are rejected at once instead of queueing behind a slow worker.
type Limiter struct {
	capacity int64
	current  atomic.Int64
	rejected atomic.Int64
}

// NewLimiter creates a limiter admitting up to capacity concurrent requests
func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		panic("hostapi: limiter capacity must be positive")
	}
	return &Limiter{capacity: int64(capacity)}
}

// TryAcquire takes a slot, or reports false when none is free
func (l *Limiter) TryAcquire() bool {
	for {
		cur := l.current.Load()
		if cur >= l.capacity {
			l.rejected.Add(1)
			return false
		}
		if l.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees a slot taken by TryAcquire
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// LimiterStats is a snapshot of a Limiter
type LimiterStats struct {
	Capacity int64 `json:"capacity"`
	InFlight int64 `json:"inFlight"`
	Rejected int64 `json:"rejected"`
}

// Stats returns current counters
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{Capacity: l.capacity, InFlight: l.current.Load(), Rejected: l.rejected.Load()}
}

// Backpressure rejects requests with 503 while l is full
func Backpressure(l *Limiter) Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			if !l.TryAcquire() {
				c.RequestCtx.Response.Header.Set("Retry-After", "1")
				return &core.Error{Code: codeOverloaded, Message: "too many requests in flight"}
			}
			defer l.Release()
			return next(c)
		}
	}
}
