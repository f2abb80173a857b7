package node

import (
	"errors"
	"fmt"
)

var (
	// ErrHealthCheck is returned when the local API never became healthy.
	ErrHealthCheck = errors.New("health check failed")
	// ErrShuttingDown is returned by Start when shutdown began first.
	ErrShuttingDown = errors.New("node is shutting down")
)

// NetworkStartError is one failed attempt to start the network layer.
type NetworkStartError struct {
	Attempt  int
	Attempts int
	Err      error
}

func (e *NetworkStartError) Error() string {
	return fmt.Sprintf("network start attempt %d/%d: %v", e.Attempt, e.Attempts, e.Err)
}

func (e *NetworkStartError) Unwrap() error { return e.Err }

// ShutdownStageError is a failed shutdown stage. Later stages still run.
type ShutdownStageError struct {
	Stage string
	Err   error
}

func (e *ShutdownStageError) Error() string {
	return fmt.Sprintf("shutdown stage %s: %v", e.Stage, e.Err)
}

func (e *ShutdownStageError) Unwrap() error { return e.Err }
