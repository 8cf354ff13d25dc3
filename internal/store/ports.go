// Package store defines the persistence adapter ports used by the capsule
// Store. These ports isolate the snapshot file and the media janitor so they
// can be tested and evolved independently. Callers outside this package
// interact only through the app.CapsuleStore implementation.
package store

import (
	"context"

	"github.com/haukened/chronosafe/internal/domain"
)

// Snapshotter loads and saves the whole capsule collection as one unit.
type Snapshotter interface {
	Load(ctx context.Context) ([]domain.Capsule, error)
	Save(ctx context.Context, capsules []domain.Capsule) error
}

// Reclaimer removes media files that are not in the active set. It is run
// synchronously after every successful save.
type Reclaimer interface {
	Reclaim(ctx context.Context, active map[string]struct{}) (int, error)
}
