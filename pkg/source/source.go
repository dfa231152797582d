// Package source provides the external record feeds the poller draws from.
package source

import (
	"context"

	"github.com/fluxorio/datacore/pkg/store"
)

// Source yields the records that arrived since the previous Fetch.
// An empty slice means nothing new.
type Source interface {
	Fetch(ctx context.Context) ([]store.Record, error)
}

// Func adapts a function to Source
type Func func(ctx context.Context) ([]store.Record, error)

// Fetch calls f
func (f Func) Fetch(ctx context.Context) ([]store.Record, error) {
	return f(ctx)
}

// Closer is implemented by sources that hold connections
type Closer interface {
	Close() error
}
