package hostapi

import (
	"fmt"
	"time"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/fluxorio/datacore/pkg/observability/prometheus"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

// RequestID reuses the caller's X-Request-ID or generates one, and echoes it
func RequestID() Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			id := string(c.RequestCtx.Request.Header.Peek(HeaderRequestID))
			if id == "" {
				id = core.GenerateRequestID()
			}
			c.requestID = id
			c.RequestCtx.Response.Header.Set(HeaderRequestID, id)
			return next(c)
		}
	}
}

// Recovery turns a handler panic into a 500 response
func Recovery(logger core.Logger) Middleware {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return func(next Handler) Handler {
		return func(c *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("Panic recovered: %v (request_id=%s method=%s path=%s)",
						r, c.RequestID(), c.Method(), c.Path())
					err = &core.Error{Code: codeInternal, Message: fmt.Sprintf("internal server error: %v", r)}
				}
			}()
			return next(c)
		}
	}
}

// Metrics records request count and latency per route pattern.
// It must run outside Recovery and error writing so the final status is seen.
func Metrics(m *prometheus.Metrics, onError func(c *Context, err error)) Middleware {
	return func(next Handler) Handler {
		return func(c *Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				onError(c, err)
			}
			path := c.Route
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(string(c.Method()), path,
				prometheus.StatusClass(c.RequestCtx.Response.StatusCode()), time.Since(start))
			return nil
		}
	}
}
