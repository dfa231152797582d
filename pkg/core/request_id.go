package core

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID returns a correlation id of the form "<unix millis>-<random>".
// The random part is a v4 UUID without dashes, so ids are unique for the process
// lifetime even when many are generated within the same millisecond.
func GenerateRequestID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + suffix
}

// WithNewRequestID adds a new request ID to the context
func WithNewRequestID(ctx context.Context) context.Context {
	return WithRequestID(ctx, GenerateRequestID())
}
