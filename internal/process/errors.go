package process

import (
	"errors"
	"fmt"
)

// ErrNotReaped is returned when a killed process has not been observed to exit
// within the reap timeout.
var ErrNotReaped = errors.New("process did not exit after kill")

// SpawnError reports that the worker executable could not be located or the OS
// refused to start it.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateError reports that the OS refused to kill the process. The process
// may still be alive and the caller may retry.
type TerminateError struct {
	PID int
	Err error
}

func (e *TerminateError) Error() string {
	return fmt.Sprintf("terminate pid %d: %v", e.PID, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }
