// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidID  = errors.New("invalid capsule id")
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("capsule not found")
	ErrLocked     = errors.New("capsule locked")
)
