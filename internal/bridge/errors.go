package bridge

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInitTimeout matches *InitializationTimeout.
	ErrInitTimeout = errors.New("bridge initialization timed out")
	// ErrCallTimeout matches *CallTimeoutError.
	ErrCallTimeout = errors.New("bridge call timed out")
)

// InitializationTimeout is returned when the worker did not become ready
// within the start timeout. Cause is set when the worker crashed while
// initializing.
type InitializationTimeout struct {
	Bridge  string
	Timeout time.Duration
	Cause   error
}

func (e *InitializationTimeout) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge %s not ready after %s: worker crashed during initialization: %v", e.Bridge, e.Timeout, e.Cause)
	}
	return fmt.Sprintf("bridge %s not ready after %s", e.Bridge, e.Timeout)
}

func (e *InitializationTimeout) Is(target error) bool { return target == ErrInitTimeout }

func (e *InitializationTimeout) Unwrap() error { return e.Cause }

// CallTimeoutError is returned when an operation did not finish within its
// timeout. The operation keeps running inside the worker loop; its outcome is
// unknown to the caller.
type CallTimeoutError struct {
	Bridge  string
	Op      string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("%s.%s timed out after %s", e.Bridge, e.Op, e.Timeout)
}

func (e *CallTimeoutError) Is(target error) bool { return target == ErrCallTimeout }

// EngineOperationError carries an error raised inside the worker loop back to
// the caller that submitted the operation.
type EngineOperationError struct {
	Bridge string
	Op     string
	Err    error
}

func (e *EngineOperationError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Bridge, e.Op, e.Err)
}

func (e *EngineOperationError) Unwrap() error { return e.Err }
