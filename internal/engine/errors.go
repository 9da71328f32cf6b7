package engine

import "errors"

// Error taxonomy surfaced to callers. Infrastructure failures are
// returned as whatever the store/cache produced, wrapped; handlers
// treat anything outside this set as a retryable 5xx.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
)
