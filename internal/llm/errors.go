package llm

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrEmptyResponse is returned when the model returns no text.
var ErrEmptyResponse = errors.New("no response from vision model")

// DecodeError is returned when the response is not valid JSON or violates the
// schema in a way that cannot be coerced.
type DecodeError struct {
	Response string
	Cause    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode analysis response: %v (response: %s)", e.Cause, truncate(e.Response, 200))
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// ServiceError wraps a transport or upstream failure.
type ServiceError struct {
	Cause error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("vision service failed: %v", e.Cause)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
