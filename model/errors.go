package model

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrUnknownDevice marks a reading whose device has no registry entry.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNoData marks an empty historical result. It is a normal outcome,
	// not a failure.
	ErrNoData = errors.New("no data for day")
)

// TransportError wraps a subscription-level failure. The stream consumer
// retries these indefinitely; they are never fatal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError wraps a malformed inbound message. The message is dropped and
// reported; the connection state is untouched.
type ParseError struct {
	Payload []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v (payload %q)", e.Err, e.Payload)
}
func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps a historical-store failure. It is the only error the
// core propagates to its caller, and it is not retried.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
