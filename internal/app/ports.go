// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the core use-cases of ChronoSafe depend upon. It follows
// a hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (snapshot store, media directory, scheduler,
// notification log, HTTP layer, janitor jobs) provide concrete implementations.
package app

import (
	"context"
	"io"
	"time"

	"github.com/haukened/chronosafe/internal/domain"
)

// Clock abstracts time to enable deterministic testing of unlock logic.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// CapsuleStore is the storage port for capsules. Implementations persist the
// whole collection as one snapshot after every mutation.
type CapsuleStore interface {
	// Create validates n, assigns a fresh ID and persists the collection. When
	// only the save fails the returned capsule is populated and the error
	// wraps ErrSave: the record stays in memory, unpersisted.
	Create(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error)

	// List returns every known capsule in insertion order.
	List(ctx context.Context) []domain.Capsule

	// Get returns the capsule or domain.ErrNotFound.
	Get(ctx context.Context, id domain.CapsuleID) (domain.Capsule, error)

	// Delete removes the capsule. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id domain.CapsuleID) error

	// ForceUnlock rewrites the unlock time to now and returns the new record.
	ForceUnlock(ctx context.Context, id domain.CapsuleID) (domain.Capsule, error)
}

// Trigger is a one-shot unlock notification registration. The payload only
// carries the capsule id; handlers must re-read the store when it fires.
type Trigger struct {
	ID        string
	FireAt    time.Time
	Title     string
	Body      string
	CapsuleID domain.CapsuleID
}

// Scheduler registers one-shot triggers keyed by Trigger.ID.
type Scheduler interface {
	Schedule(t Trigger) error
	Cancel(id string) bool
}

// Notification is an emitted unlock event.
type Notification struct {
	ID        string           `json:"id"`
	CapsuleID domain.CapsuleID `json:"capsule_id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	FiredAt   time.Time        `json:"fired_at"`
}

// Notifier is the notification boundary. It is a black box to the core.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MediaFiles is the read side of the managed media directory.
type MediaFiles interface {
	Exists(ref string) bool
	Open(ref string) (rc io.ReadCloser, size int64, err error)
}

// Counter receives operational counters. It is satisfied by the metrics
// manager; a nil Counter disables metrics.
type Counter interface {
	Inc(name string, delta int64)
}
