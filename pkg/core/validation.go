package core

import "time"

// ValidateTimeout validates a call timeout
func ValidateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return &Error{Code: CodeInvalidInput, Message: "timeout must be positive"}
	}
	if timeout > 5*time.Minute {
		return &Error{Code: CodeInvalidInput, Message: "timeout too large (max 5 minutes)"}
	}
	return nil
}

// ValidateInterval validates a polling interval
func ValidateInterval(interval time.Duration) error {
	if interval <= 0 {
		return &Error{Code: CodeInvalidInput, Message: "interval must be positive"}
	}
	return nil
}

// ValidateRequestID validates a correlation id carried by a request frame
func ValidateRequestID(id string) error {
	if id == "" {
		return &Error{Code: CodeInvalidInput, Message: "request id cannot be empty"}
	}
	if len(id) > 128 {
		return &Error{Code: CodeInvalidInput, Message: "request id too long (max 128 characters)"}
	}
	return nil
}
