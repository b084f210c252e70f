package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("dispatcher not initialized")
	ErrAlreadyInitialized = errors.New("dispatcher already initialized")
	ErrNoMemory           = errors.New("guest exports no memory")
	ErrUnknownImport      = errors.New("unsupported import invoked")
)

// FatalKind classifies failures that end the guest instance.
type FatalKind string

const (
	FatalMemory        FatalKind = "memory"
	FatalProtocol      FatalKind = "protocol"
	FatalUninitialized FatalKind = "uninitialized"
	FatalUnknownImport FatalKind = "unknown-import"
)

// FatalError terminates the guest instance it was raised for. It is never
// reported to the guest as a status code.
type FatalError struct {
	Kind  FatalKind
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Kind, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
