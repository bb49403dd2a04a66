// Package rpmemerr defines the protocol error enum carried on the OOB
// wire and maps filesystem/pool-database errors onto it.
package rpmemerr

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Status is the wire-level status code returned in every OOB response.
type Status uint32

// Protocol status codes, per the OOB response "status" field.
const (
	Success    Status = 0
	Exists     Status = 1
	NoAccess   Status = 2
	NoExist    Status = 3
	Busy       Status = 4
	BadSize    Status = 5
	Fatal      Status = 6
	FatalConn  Status = 7
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Exists:
		return "pool already exists"
	case NoAccess:
		return "permission denied"
	case NoExist:
		return "pool not found"
	case Busy:
		return "pool locked by another opener"
	case BadSize:
		return "requested size exceeds usable region"
	case Fatal:
		return "fatal error"
	case FatalConn:
		return "fabric connection failure"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Label returns a short lowercase token for s, suitable for use as a
// metric label value.
func (s Status) Label() string {
	switch s {
	case Success:
		return "success"
	case Exists:
		return "exists"
	case NoAccess:
		return "noaccess"
	case NoExist:
		return "noexist"
	case Busy:
		return "busy"
	case BadSize:
		return "badsize"
	case Fatal:
		return "fatal"
	case FatalConn:
		return "fatal_conn"
	default:
		return "unknown"
	}
}

// Error adapts a Status to the error interface so it can be propagated
// through normal Go error-handling paths before being translated back
// to a wire status by the caller.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	}
	return e.Status.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit protocol status.
func New(status Status, err error) *Error {
	return &Error{Status: status, Err: err}
}

// FromOSError maps an error surfaced by the pool database (ultimately
// backed by os/golang.org/x/sys/unix calls) onto the protocol status
// enum. Every condition not explicitly listed collapses to Fatal, per
// the propagation policy.
func FromOSError(err error) Status {
	if err == nil {
		return Success
	}

	switch {
	case errors.Is(err, fs.ErrExist):
		return Exists
	case errors.Is(err, fs.ErrPermission):
		return NoAccess
	case errors.Is(err, fs.ErrNotExist):
		return NoExist
	case errors.Is(err, syscall.EWOULDBLOCK):
		return Busy
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EEXIST:
			return Exists
		case syscall.EACCES:
			return NoAccess
		case syscall.ENOENT:
			return NoExist
		case syscall.EWOULDBLOCK:
			return Busy
		}
	}

	return Fatal
}
