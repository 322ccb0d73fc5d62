package supervisor

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier surfaced to API callers.
type Code string

const (
	CodeNotRegistered    Code = "DEVICE_NOT_REGISTERED"
	CodeProcessNotFound  Code = "PROCESS_NOT_FOUND"
	CodePortNotAllocated Code = "PORT_NOT_ALLOCATED"
	CodePortInUse        Code = "PORT_IN_USE"
	CodeSpawnFailed      Code = "SPAWN_FAILED"
	CodeStopTimeout      Code = "STOP_TIMEOUT"
	CodeShuttingDown     Code = "SHUTTING_DOWN"
)

// Error is returned by supervisor operations. errors.Is matches on Code.
type Error struct {
	Code     Code
	DeviceID string
	Err      error
}

// Sentinels for errors.Is.
var (
	ErrNotRegistered    = &Error{Code: CodeNotRegistered}
	ErrProcessNotFound  = &Error{Code: CodeProcessNotFound}
	ErrPortNotAllocated = &Error{Code: CodePortNotAllocated}
	ErrPortInUse        = &Error{Code: CodePortInUse}
	ErrSpawnFailed      = &Error{Code: CodeSpawnFailed}
	ErrStopTimeout      = &Error{Code: CodeStopTimeout}
	ErrShuttingDown     = &Error{Code: CodeShuttingDown}
)

func newError(code Code, deviceID string, err error) *Error {
	return &Error{Code: code, DeviceID: deviceID, Err: err}
}

func (e *Error) Error() string {
	var msg string
	switch e.Code {
	case CodeNotRegistered:
		msg = "device not registered"
	case CodeProcessNotFound:
		msg = "no running process"
	case CodePortNotAllocated:
		msg = "device has no allocated port"
	case CodePortInUse:
		msg = "port already used by another device"
	case CodeSpawnFailed:
		msg = "failed to spawn worker"
	case CodeStopTimeout:
		msg = "worker did not exit after kill"
	case CodeShuttingDown:
		msg = "supervisor is shutting down"
	default:
		msg = string(e.Code)
	}
	if e.DeviceID != "" {
		msg = fmt.Sprintf("device %s: %s", e.DeviceID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the Code of err, or "" when err is not a supervisor error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
