// Package errno defines the WASI preview1 status codes that cross the bridge
// and the mapping from Go errors onto them.
package errno

import (
	"context"
	"errors"
	"fmt"
)

// Errno is a WASI preview1 errno value as returned to the guest.
type Errno uint16

const (
	Success    Errno = 0
	TooBig     Errno = 1
	Access     Errno = 2
	Again      Errno = 6
	BadF       Errno = 8
	Canceled   Errno = 11
	Exist      Errno = 20
	Fault      Errno = 21
	Inval      Errno = 28
	IO         Errno = 29
	NoEnt      Errno = 44
	NoMem      Errno = 48
	NoSys      Errno = 52
	NotSup     Errno = 58
	Perm       Errno = 63
	Range      Errno = 68
	SPipe      Errno = 70
	TimedOut   Errno = 73
	NotCapable Errno = 76
)

var names = map[Errno]string{
	Success:    "ESUCCESS",
	TooBig:     "E2BIG",
	Access:     "EACCES",
	Again:      "EAGAIN",
	BadF:       "EBADF",
	Canceled:   "ECANCELED",
	Exist:      "EEXIST",
	Fault:      "EFAULT",
	Inval:      "EINVAL",
	IO:         "EIO",
	NoEnt:      "ENOENT",
	NoMem:      "ENOMEM",
	NoSys:      "ENOSYS",
	NotSup:     "ENOTSUP",
	Perm:       "EPERM",
	Range:      "ERANGE",
	SPipe:      "ESPIPE",
	TimedOut:   "ETIMEDOUT",
	NotCapable: "ENOTCAPABLE",
}

// Name returns the symbolic name, e.g. "EFAULT".
func (e Errno) Name() string {
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", uint16(e))
}

func (e Errno) String() string { return e.Name() }

// Error carries an explicit errno out of a host function.
type Error struct {
	Errno Errno
	Cause error
}

// New returns an error that maps to errno e.
func New(e Errno, msg string) error {
	return &Error{Errno: e, Cause: errors.New(msg)}
}

// Wrap attaches errno e to err.
func Wrap(e Errno, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Errno: e, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Errno.Name()
	}
	return e.Errno.Name() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// From maps err onto the errno the guest should observe. Errors that carry
// no explicit errno become EIO.
func From(err error) Errno {
	if err == nil {
		return Success
	}

	var ee *Error
	if errors.As(err, &ee) {
		return ee.Errno
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut
	}
	return IO
}
