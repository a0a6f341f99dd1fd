package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedChannel is returned when a venue has no channel for the
	// requested data type. It affects only the requesting caller.
	ErrUnsupportedChannel = errors.New("data type is not available on this exchange")

	// ErrCapacityExceeded is retryable: batch allocation could not complete.
	ErrCapacityExceeded = errors.New("connection pool capacity exceeded")

	ErrBookNotFound = errors.New("order book not found")

	ErrNotConnected = errors.New("connection is not established")
)

// ConnectionError wraps a handshake or reconnect failure that survived the
// bounded retry policy of a connection actor.
type ConnectionError struct {
	Exchange Exchange
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s (%s) failed after %d attempts: %v",
		e.Exchange, e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DecodeError signals a malformed or unexpected wire payload. The message is
// dropped and the read loop continues; decoding never panics.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Field, e.Reason)
}
