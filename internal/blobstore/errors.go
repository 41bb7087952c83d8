package blobstore

import "errors"

var (
	// ErrUnknownDriver is returned when the configured cache driver is not supported
	ErrUnknownDriver = errors.New("unknown blob store driver")

	// ErrClosed is returned when a store is used after Close
	ErrClosed = errors.New("blob store is closed")

	// ErrAppendContention is returned when an append could not be committed after repeated conflicts
	ErrAppendContention = errors.New("append lost too many write conflicts")
)
