package engine

import (
	"errors"
	"fmt"
)

// Errors returned by engines. Callers match them with errors.Is.
var (
	ErrUnavailable        = errors.New("engine unavailable")
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrInvalidPassphrase  = errors.New("invalid passphrase")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidBlock       = errors.New("invalid block")
	ErrInvalidAddress     = errors.New("invalid address")
)

// UnavailableError is the typed result of every operation on a degraded
// engine.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine unavailable: %s: %v", e.Reason, e.Err)
	}
	return "engine unavailable: " + e.Reason
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err came from a degraded engine.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
