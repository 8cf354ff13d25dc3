// Package store provides the concrete implementation of the application
// CapsuleStore port: an in-memory ordered collection persisted through a
// Snapshotter after every mutation. External packages should construct the
// store via New and interact through the app.CapsuleStore interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
)

// Store keeps capsules in insertion order and owns the snapshot.
type Store struct {
	snap      Snapshotter
	reclaimer Reclaimer
	clock     app.Clock
	log       *slog.Logger

	mu       sync.Mutex
	capsules []domain.Capsule
	dirty    bool
}

var _ app.CapsuleStore = (*Store)(nil)

// New returns a Store. reclaimer may be nil; logger defaults to slog.Default().
func New(snap Snapshotter, reclaimer Reclaimer, clock app.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{snap: snap, reclaimer: reclaimer, clock: clock, log: logger.With("domain", "store")}
}

// Load replaces the in-memory collection with the snapshot. A missing or
// corrupt snapshot is not fatal: the store starts empty and the failure is
// returned for the caller to log. The previous file is left untouched until
// the next save.
func (s *Store) Load(ctx context.Context) error {
	capsules, err := s.snap.Load(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.capsules = nil
		if errors.Is(err, os.ErrNotExist) {
			s.log.Info("no snapshot, starting empty")
			return nil
		}
		s.log.Error("load snapshot, starting empty", "error", err)
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.capsules = capsules
	s.log.Info("snapshot loaded", "capsules", len(capsules))
	return nil
}

// Create validates n, assigns a fresh id, appends and persists.
func (s *Store) Create(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error) {
	id, err := domain.NewID()
	if err != nil {
		return domain.Capsule{}, err
	}
	c, err := n.Build(id)
	if err != nil {
		return domain.Capsule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsules = append(s.capsules, c)
	return c, s.saveLocked(ctx)
}

// List returns a copy of all capsules in insertion order.
func (s *Store) List(_ context.Context) []domain.Capsule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.capsules)
}

// Get returns the capsule with id or domain.ErrNotFound.
func (s *Store) Get(_ context.Context, id domain.CapsuleID) (domain.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Capsule{}, domain.ErrNotFound
	}
	return s.capsules[i], nil
}

// Delete removes the capsule if present. An unknown id is a no-op and does
// not touch the snapshot.
func (s *Store) Delete(ctx context.Context, id domain.CapsuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return nil
	}
	s.capsules = slices.Delete(s.capsules, i, i+1)
	return s.saveLocked(ctx)
}

// ForceUnlock sets the unlock time to now and persists.
func (s *Store) ForceUnlock(ctx context.Context, id domain.CapsuleID) (domain.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return domain.Capsule{}, domain.ErrNotFound
	}
	s.capsules[i].UnlockAt = s.clock.Now().UTC()
	return s.capsules[i], s.saveLocked(ctx)
}

// ActiveMediaRefs returns the set of media refs referenced by any capsule.
func (s *Store) ActiveMediaRefs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// Flush retries a save after an earlier failure. It is a no-op when the
// snapshot is current.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked(ctx)
}

// Dirty reports whether in-memory state has not been persisted yet.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *Store) indexLocked(id domain.CapsuleID) int {
	return slices.IndexFunc(s.capsules, func(c domain.Capsule) bool { return c.ID == id })
}

func (s *Store) activeLocked() map[string]struct{} {
	active := make(map[string]struct{}, len(s.capsules))
	for _, c := range s.capsules {
		if c.MediaRef != "" {
			active[c.MediaRef] = struct{}{}
		}
	}
	return active
}

// saveLocked writes the snapshot and then reclaims orphaned media. Callers
// hold s.mu, which keeps the active set consistent with what was saved.
func (s *Store) saveLocked(ctx context.Context) error {
	if err := s.snap.Save(ctx, s.capsules); err != nil {
		s.dirty = true
		s.log.Error("save snapshot", "capsules", len(s.capsules), "error", err)
		return fmt.Errorf("%w: %v", app.ErrSave, err)
	}
	s.dirty = false
	if s.reclaimer == nil {
		return nil
	}
	if n, err := s.reclaimer.Reclaim(ctx, s.activeLocked()); err != nil {
		s.log.Warn("reclaim after save", "error", err)
	} else if n > 0 {
		s.log.Info("reclaimed media", "files", n)
	}
	return nil
}

// ReclaimMedia runs the reclaimer against the current active set while
// holding the store lock, so no capsule can start referencing a file between
// computing the set and deleting orphans.
func (s *Store) ReclaimMedia(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reclaimer == nil {
		return 0, nil
	}
	return s.reclaimer.Reclaim(ctx, s.activeLocked())
}
