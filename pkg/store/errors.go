package store

import "errors"

// Sentinel errors returned by Store operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidFilename = errors.New("invalid filename")
)
