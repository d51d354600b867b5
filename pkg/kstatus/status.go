// Package kstatus is the kernel-boundary status taxonomy (spec §7): every
// fallible kernel/IPC/posix operation returns a Status rather than an
// exception-equivalent. Status implements error so call sites that want
// idiomatic Go handling (errors.Is, test assertions) still work.
package kstatus

import "fmt"

type Status int

const (
	OK Status = iota
	InvalidArg
	AccessDenied
	NotFound
	AlreadyExists
	ResourceExhausted
	WouldBlock
	TimedOut
	Interrupted
	ConnHungUp
	Corrupt
	NotSupported
	NotImplemented
	InUse
	IncorrectType
	TooSmall
	TooLarge
)

var names = map[Status]string{
	OK:                "ok",
	InvalidArg:        "invalid argument",
	AccessDenied:      "access denied",
	NotFound:          "not found",
	AlreadyExists:     "already exists",
	ResourceExhausted: "resource exhausted",
	WouldBlock:        "would block",
	TimedOut:          "timed out",
	Interrupted:       "interrupted",
	ConnHungUp:        "connection hung up",
	Corrupt:           "corrupt",
	NotSupported:      "not supported",
	NotImplemented:    "not implemented",
	InUse:             "in use",
	IncorrectType:     "incorrect type",
	TooSmall:          "buffer too small",
	TooLarge:          "message too large",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error implements the error interface so Status can be returned/compared
// anywhere a plain Go error is expected (errors.Is(err, kstatus.NotFound)
// works because Status values compare equal to themselves).
func (s Status) Error() string {
	return s.String()
}

// Ok reports whether the status represents success.
func (s Status) Ok() bool {
	return s == OK
}

// AsStatus extracts a Status from an error chain, defaulting to a generic
// failure status (Corrupt, signalling "unrecognised error shape") for
// anything that isn't a Status itself. Used at the POSIX/errno boundary.
func AsStatus(err error) Status {
	if err == nil {
		return OK
	}
	if s, ok := err.(Status); ok {
		return s
	}
	var s Status
	if errorsAs(err, &s) {
		return s
	}
	return Corrupt
}

// errorsAs is a tiny local shim so this file doesn't need to import errors
// just for the one call above while keeping AsStatus's signature simple.
func errorsAs(err error, target *Status) bool {
	type statusHolder interface{ Status() Status }
	for err != nil {
		if s, ok := err.(Status); ok {
			*target = s
			return true
		}
		if h, ok := err.(statusHolder); ok {
			*target = h.Status()
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
