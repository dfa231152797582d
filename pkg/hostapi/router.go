package hostapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/valyala/fasthttp"
)

// Context wraps one fasthttp request
type Context struct {
	*fasthttp.RequestCtx

	// Params holds path parameters, keyed without the leading colon
	Params map[string]string
	// Route is the matched pattern ("" when nothing matched)
	Route string

	requestID string
	values    map[string]interface{}
}

// Handler handles a request. A returned error is written as a JSON error body.
type Handler func(c *Context) error

// Middleware wraps a Handler
type Middleware func(next Handler) Handler

// Param returns a path parameter
func (c *Context) Param(key string) string {
	return c.Params[key]
}

// Query returns a query argument
func (c *Context) Query(key string) string {
	return string(c.RequestCtx.QueryArgs().Peek(key))
}

// RequestID returns the request id assigned by the RequestID middleware
func (c *Context) RequestID() string {
	return c.requestID
}

// Context returns a context carrying the request id
func (c *Context) Context() context.Context {
	ctx := context.Background()
	if c.requestID != "" {
		ctx = core.WithRequestID(ctx, c.requestID)
	}
	return ctx
}

// Set stores a request-scoped value
func (c *Context) Set(key string, value interface{}) {
	if c.values == nil {
		c.values = make(map[string]interface{})
	}
	c.values[key] = value
}

// Get returns a request-scoped value
func (c *Context) Get(key string) interface{} {
	return c.values[key]
}

// JSON writes data as a JSON body
func (c *Context) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}
	body, err := core.JSONEncode(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}
	return c.RawJSON(statusCode, body)
}

// RawJSON writes an already encoded JSON body
func (c *Context) RawJSON(statusCode int, body []byte) error {
	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("application/json")
	c.RequestCtx.SetBody(body)
	return nil
}

// BindJSON decodes the request body into v. An empty body leaves v untouched.
func (c *Context) BindJSON(v interface{}) error {
	body := c.RequestCtx.PostBody()
	if len(body) == 0 {
		return nil
	}
	if err := core.JSONDecode(body, v); err != nil {
		return &core.Error{Code: core.CodeInvalidInput, Message: "invalid request body", Err: err}
	}
	return nil
}

type route struct {
	method  string
	pattern string
	parts   []string
	handler Handler
}

// Router matches method and path patterns ("/api/polling/:action").
// Middleware registered with Use wraps every request, matched or not.
type Router struct {
	mu         sync.RWMutex
	routes     []*route
	middleware []Middleware
	onError    func(c *Context, err error)
}

// NewRouter creates an empty router. onError writes handler errors.
func NewRouter(onError func(c *Context, err error)) *Router {
	return &Router{onError: onError}
}

// Use appends middleware
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

func (r *Router) GET(pattern string, h Handler)  { r.Handle(fasthttp.MethodGet, pattern, h) }
func (r *Router) POST(pattern string, h Handler) { r.Handle(fasthttp.MethodPost, pattern, h) }

// Handle registers a handler
func (r *Router) Handle(method, pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, &route{
		method:  method,
		pattern: pattern,
		parts:   strings.Split(pattern, "/"),
		handler: h,
	})
}

// ServeFastHTTP implements fasthttp.RequestHandler
func (r *Router) ServeFastHTTP(rc *fasthttp.RequestCtx) {
	c := &Context{RequestCtx: rc, Params: make(map[string]string)}

	r.mu.RLock()
	h := r.match(c)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	r.mu.RUnlock()

	if err := h(c); err != nil {
		r.onError(c, err)
	}
}

func (r *Router) match(c *Context) Handler {
	method := string(c.Method())
	pathParts := strings.Split(string(c.Path()), "/")

	pathMatched := false
	for _, rt := range r.routes {
		if !matchParts(rt.parts, pathParts) {
			continue
		}
		pathMatched = true
		if rt.method != method {
			continue
		}
		c.Route = rt.pattern
		for i, part := range rt.parts {
			if strings.HasPrefix(part, ":") {
				c.Params[strings.TrimPrefix(part, ":")] = pathParts[i]
			}
		}
		return rt.handler
	}

	if pathMatched {
		return func(c *Context) error {
			return &core.Error{Code: codeMethodNotAllowed, Message: "method not allowed"}
		}
	}
	return func(c *Context) error {
		return &core.Error{Code: codeNotFound, Message: "not found"}
	}
}

func matchParts(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, part := range pattern {
		if strings.HasPrefix(part, ":") {
			if path[i] == "" {
				return false
			}
			continue
		}
		if part != path[i] {
			return false
		}
	}
	return true
}
