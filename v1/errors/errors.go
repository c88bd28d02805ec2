package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable wraps any failure talking to the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)
