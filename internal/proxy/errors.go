package proxy

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned when no worker is held. No request is sent.
var ErrNotRunning = errors.New("inference server is not running")

// TransportError reports that the request never produced an HTTP response:
// connection refused, reset, or the caller's context ended.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WorkerError reports a non-2xx answer from the worker. Body holds the raw
// response body, truncated to a bounded size.
type WorkerError struct {
	StatusCode int
	Body       string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker returned status %d: %s", e.StatusCode, e.Body)
}

// DecodeError reports a 2xx answer whose body is not a detection result.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode worker response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
