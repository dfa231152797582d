package protocol

import (
	"errors"

	"github.com/fluxorio/datacore/pkg/core"
)

// ErrorResponse builds the error variant of a data response.
// A *core.Error keeps its code so the caller can match it with errors.Is.
func ErrorResponse(requestID string, err error) DataResponse {
	resp := DataResponse{RequestID: requestID, Error: err.Error()}
	var ce *core.Error
	if errors.As(err, &ce) {
		resp.ErrorCode = ce.Code
	}
	return resp
}

// ResponseError returns the error carried by msg, or nil
func ResponseError(msg Message) error {
	resp, ok := msg.(DataResponse)
	if !ok || resp.Error == "" {
		return nil
	}
	code := resp.ErrorCode
	if code == "" {
		code = core.CodeQueryFailure
	}
	return &core.Error{Code: code, Message: resp.Error}
}
