package userstate

import "errors"

var (
	// ErrInvalidUserKey is returned when a user key is empty or cannot be used in a store key
	ErrInvalidUserKey = errors.New("invalid user key")

	// ErrCorruptState is returned when a stored user state cannot be decoded
	ErrCorruptState = errors.New("stored user state is corrupt")

	// ErrInvalidState is returned when an uploaded state cannot be decoded
	ErrInvalidState = errors.New("invalid user state")
)
