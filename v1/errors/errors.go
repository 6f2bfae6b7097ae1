// Package errors holds sentinel errors shared by the store backends.
package errors

import "errors"

var (
	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("ward: store operation timed out")
	// ErrConnectionClosed is returned when the store connection is gone.
	ErrConnectionClosed = errors.New("ward: store connection closed")
)
