package hostapi

import (
	"context"
	"errors"

	"github.com/fluxorio/datacore/pkg/core"
	"github.com/valyala/fasthttp"
)

// HTTP-only error codes
const (
	codeNotFound         = "NOT_FOUND"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeUnauthorized     = "UNAUTHORIZED"
	codeInternal         = "INTERNAL"
)

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// StatusFor maps an error to an HTTP status code
func StatusFor(err error) int {
	var ce *core.Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case core.CodeInvalidInput, core.CodeQueryFailure:
			return fasthttp.StatusBadRequest
		case core.CodeWorkerUnavailable, core.CodeInitialization, codeOverloaded:
			return fasthttp.StatusServiceUnavailable
		case core.CodeTimeout:
			return fasthttp.StatusGatewayTimeout
		case codeNotFound:
			return fasthttp.StatusNotFound
		case codeMethodNotAllowed:
			return fasthttp.StatusMethodNotAllowed
		case codeUnauthorized:
			return fasthttp.StatusUnauthorized
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fasthttp.StatusGatewayTimeout
	}
	return fasthttp.StatusInternalServerError
}

func errorCode(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return codeInternal
}

// WriteError writes err as an ErrorBody with the status from StatusFor
func WriteError(c *Context, err error) {
	body := ErrorBody{Error: errorCode(err), Message: err.Error(), RequestID: c.RequestID()}
	if werr := c.JSON(StatusFor(err), body); werr != nil {
		c.RequestCtx.Error(err.Error(), fasthttp.StatusInternalServerError)
	}
}
