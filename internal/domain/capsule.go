// Package domain capsule.go defines the capsule record and its invariants.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Capsule is a titled, time-gated content record. Exactly one of MediaRef
// and Message is populated, chosen by Kind.
type Capsule struct {
	ID       CapsuleID `json:"id"`
	Title    string    `json:"title"`
	UnlockAt time.Time `json:"unlock_at"`
	Kind     MediaKind `json:"media_kind"`
	MediaRef string    `json:"media_ref,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// NewCapsule carries the caller supplied fields for a capsule that has not
// been assigned an ID yet.
type NewCapsule struct {
	Title    string
	UnlockAt time.Time
	Kind     MediaKind
	MediaRef string
	Message  string
}

// Normalize trims the title and converts the unlock time to UTC.
func (n NewCapsule) Normalize() NewCapsule {
	n.Title = strings.TrimSpace(n.Title)
	n.UnlockAt = n.UnlockAt.UTC()
	return n
}

// Validate enforces the capsule invariant. All problems wrap ErrValidation.
func (n NewCapsule) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title must not be empty", ErrValidation)
	}
	if n.UnlockAt.IsZero() {
		return fmt.Errorf("%w: unlock time required", ErrValidation)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown media kind %q", ErrValidation, n.Kind)
	}
	if !n.Kind.HasFile() {
		if n.Message == "" {
			return fmt.Errorf("%w: message required for kind %q", ErrValidation, n.Kind)
		}
		if n.MediaRef != "" {
			return fmt.Errorf("%w: media ref not allowed for kind %q", ErrValidation, n.Kind)
		}
		return nil
	}
	if n.Message != "" {
		return fmt.Errorf("%w: message not allowed for kind %q", ErrValidation, n.Kind)
	}
	if n.MediaRef == "" {
		return fmt.Errorf("%w: media ref required for kind %q", ErrValidation, n.Kind)
	}
	if err := ValidateMediaRef(n.MediaRef); err != nil {
		return err
	}
	if !n.Kind.Accepts(n.MediaRef) {
		return fmt.Errorf("%w: media ref %q does not match kind %q", ErrValidation, n.MediaRef, n.Kind)
	}
	return nil
}

// Build validates n and returns a Capsule with the given id.
func (n NewCapsule) Build(id CapsuleID) (Capsule, error) {
	n = n.Normalize()
	if err := n.Validate(); err != nil {
		return Capsule{}, err
	}
	return Capsule{ID: id, Title: n.Title, UnlockAt: n.UnlockAt, Kind: n.Kind, MediaRef: n.MediaRef, Message: n.Message}, nil
}

// Unlocked reports whether the capsule content is viewable at now.
func (c Capsule) Unlocked(now time.Time) bool { return !c.UnlockAt.After(now) }

// Validate re-checks the invariant on a stored record, e.g. after decoding a
// snapshot.
func (c Capsule) Validate() error {
	if !c.ID.Valid() {
		return ErrInvalidID
	}
	return NewCapsule{Title: c.Title, UnlockAt: c.UnlockAt, Kind: c.Kind, MediaRef: c.MediaRef, Message: c.Message}.Validate()
}
