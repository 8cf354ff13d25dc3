// Package domain id.go contains functions to generate, parse, and validate IDs
package domain

import (
	"strings"

	"github.com/google/uuid"
)

// CapsuleID is the canonical identifier for a capsule.
// It is a random (version 4) UUID in its canonical lowercase 36 character form.
type CapsuleID string

// NewID generates a new random CapsuleID.
func NewID() (CapsuleID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return CapsuleID(u.String()), nil
}

// ParseID validates s and returns it as a CapsuleID. It enforces:
// - canonical 36 character hyphenated form
// - lowercase hex only
// Returns ErrInvalidID on failure.
func ParseID(s string) (CapsuleID, error) {
	if !isValidID(s) {
		return "", ErrInvalidID
	}
	return CapsuleID(s), nil
}

// String returns the string form of the CapsuleID.
func (id CapsuleID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseID.
func (id CapsuleID) Valid() bool { return isValidID(string(id)) }

func isValidID(s string) bool {
	if len(s) != 36 || s != strings.ToLower(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
