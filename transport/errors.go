package transport

import "errors"

var (
	// ErrNotReady is returned for submissions before Start.
	ErrNotReady = errors.New("dispatcher not ready")

	// ErrConnectionClosed matches every error a call fails with because its
	// connection went away. The concrete type is *ClosedError.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrClosed is the teardown cause when Close was called.
	ErrClosed = errors.New("closed by caller")

	// ErrUnknownHandle is the teardown cause when too many responses arrive
	// for handles nobody is waiting on.
	ErrUnknownHandle = errors.New("unknown response handle")

	// ErrDecode wraps a codec error for a response whose payload could not be
	// decoded. Only that call fails; the connection stays up.
	ErrDecode = errors.New("decode response")
)

// ClosedError is the error of a call that was pending, or submitted, when
// the connection was torn down.
type ClosedError struct {
	Cause error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return ErrConnectionClosed.Error()
	}
	return ErrConnectionClosed.Error() + ": " + e.Cause.Error()
}

func (e *ClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ClosedError) Unwrap() error { return e.Cause }
