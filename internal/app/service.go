// Package app contains the application orchestration layer for ChronoSafe. It
// wires domain validation with persistence, scheduling and notification ports.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/metrics"
)

// ErrSave indicates the snapshot could not be written. The in-memory state is
// retained and a later successful save persists it.
var ErrSave = errors.New("save failed")

// Notification text for unlock events.
const (
	UnlockTitle   = "Time Capsule Unlocked!"
	unlockBodyFmt = "Your capsule '%s' is now available to view."
)

// Partitioned splits capsules into those still sealed (soonest first) and
// those already open (most recent first).
type Partitioned struct {
	Locked   []domain.Capsule
	Unlocked []domain.Capsule
}

// View is a capsule as presented to a reader. While Locked the content fields
// are blanked.
type View struct {
	domain.Capsule
	Locked bool
}

// Service orchestrates capsule creation, unlocking and deletion using the
// injected ports.
type Service struct {
	Store     CapsuleStore
	Scheduler Scheduler
	Notifier  Notifier
	Media     MediaFiles
	Clock     Clock
	Metrics   Counter
	Logger    *slog.Logger
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("domain", "app")
	}
	return s.Logger
}

func (s *Service) inc(name string) {
	if s.Metrics != nil {
		s.Metrics.Inc(name, 1)
	}
}

// CreateCapsule validates the request, persists the capsule and registers its
// unlock trigger. A scheduling failure is logged and does not fail creation.
// A save failure returns the in-memory capsule together with an error
// wrapping ErrSave.
func (s *Service) CreateCapsule(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error) {
	n = n.Normalize()
	if err := n.Validate(); err != nil {
		return domain.Capsule{}, err
	}
	if n.Kind.HasFile() && (s.Media == nil || !s.Media.Exists(n.MediaRef)) {
		return domain.Capsule{}, fmt.Errorf("%w: media %q not found", domain.ErrValidation, n.MediaRef)
	}
	c, err := s.Store.Create(ctx, n)
	if c.ID == "" {
		return c, err
	}
	s.inc(metrics.CounterCapsulesCreated)
	s.schedule(c)
	return c, err
}

// ListCapsules returns all capsules partitioned by lock state at the current time.
func (s *Service) ListCapsules(ctx context.Context) Partitioned {
	now := s.Clock.Now()
	var p Partitioned
	for _, c := range s.Store.List(ctx) {
		if c.Unlocked(now) {
			p.Unlocked = append(p.Unlocked, c)
		} else {
			p.Locked = append(p.Locked, c)
		}
	}
	sort.SliceStable(p.Locked, func(i, j int) bool { return p.Locked[i].UnlockAt.Before(p.Locked[j].UnlockAt) })
	sort.SliceStable(p.Unlocked, func(i, j int) bool { return p.Unlocked[i].UnlockAt.After(p.Unlocked[j].UnlockAt) })
	return p
}

// GetCapsule returns a view of the capsule. Content is withheld while locked.
func (s *Service) GetCapsule(ctx context.Context, idStr string) (View, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return View{}, err
	}
	c, err := s.Store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if c.Unlocked(s.Clock.Now()) {
		return View{Capsule: c}, nil
	}
	c.MediaRef = ""
	c.Message = ""
	return View{Capsule: c, Locked: true}, nil
}

// DeleteCapsule cancels the pending trigger and removes the capsule. Unknown
// ids are a no-op.
func (s *Service) DeleteCapsule(ctx context.Context, idStr string) error {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return err
	}
	if s.Scheduler != nil {
		s.Scheduler.Cancel(id.String())
	}
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.inc(metrics.CounterCapsulesDeleted)
	return nil
}

// ForceUnlock opens the capsule now. A capsule that is already open is
// returned unchanged. Otherwise the pending trigger is cancelled and the
// unlock notification is emitted in its place, so a capsule is announced
// once. When the save fails the trigger is left pending and announces at
// its original time.
func (s *Service) ForceUnlock(ctx context.Context, idStr string) (domain.Capsule, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.Capsule{}, err
	}
	prev, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Capsule{}, err
	}
	if prev.Unlocked(s.Clock.Now()) {
		return prev, nil
	}
	c, err := s.Store.ForceUnlock(ctx, id)
	if err != nil {
		return c, err
	}
	s.inc(metrics.CounterCapsulesForceUnlocked)
	// A false Cancel means the trigger fired meanwhile and already announced.
	if s.Scheduler != nil && !s.Scheduler.Cancel(id.String()) {
		return c, nil
	}
	s.HandleTrigger(ctx, triggerFor(c))
	return c, nil
}

// OpenMedia returns the media file of an unlocked capsule. Files that no
// capsule references are reported as not found.
func (s *Service) OpenMedia(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	if err := domain.ValidateMediaRef(ref); err != nil {
		return nil, 0, domain.ErrNotFound
	}
	now := s.Clock.Now()
	found := false
	for _, c := range s.Store.List(ctx) {
		if c.MediaRef != ref {
			continue
		}
		found = true
		if c.Unlocked(now) {
			return s.Media.Open(ref)
		}
	}
	if found {
		return nil, 0, domain.ErrLocked
	}
	return nil, 0, domain.ErrNotFound
}

// RescheduleAll registers triggers for every capsule that is still locked.
// It is called once at startup and returns the number of triggers registered.
func (s *Service) RescheduleAll(ctx context.Context) int {
	n := 0
	for _, c := range s.Store.List(ctx) {
		if s.schedule(c) {
			n++
		}
	}
	return n
}

// HandleTrigger is the firing callback. It re-reads the capsule so that
// deletions and unlock time changes since registration are honoured.
func (s *Service) HandleTrigger(ctx context.Context, t Trigger) {
	log := s.log().With("capsule_id", t.CapsuleID.String())
	c, err := s.Store.Get(ctx, t.CapsuleID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("trigger for deleted capsule dropped")
			return
		}
		log.Error("trigger lookup", "error", err)
		return
	}
	if !c.Unlocked(s.Clock.Now()) {
		log.Debug("trigger fired early, rescheduling", "unlock_at", c.UnlockAt)
		s.schedule(c)
		return
	}
	n := Notification{
		ID:        uuid.NewString(),
		CapsuleID: c.ID,
		Title:     t.Title,
		Body:      t.Body,
		FiredAt:   s.Clock.Now(),
	}
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		log.Error("notify", "error", err)
		return
	}
	s.inc(metrics.CounterNotificationsFired)
}

// schedule registers the unlock trigger for a locked capsule and reports
// whether a trigger was registered.
func (s *Service) schedule(c domain.Capsule) bool {
	if s.Scheduler == nil || c.Unlocked(s.Clock.Now()) {
		return false
	}
	if err := s.Scheduler.Schedule(triggerFor(c)); err != nil {
		s.log().Warn("scheduling failed", "capsule_id", c.ID.String(), "error", err)
		s.inc(metrics.CounterSchedulingFailures)
		return false
	}
	return true
}

func triggerFor(c domain.Capsule) Trigger {
	return Trigger{
		ID:        c.ID.String(),
		FireAt:    c.UnlockAt,
		Title:     UnlockTitle,
		Body:      fmt.Sprintf(unlockBodyFmt, c.Title),
		CapsuleID: c.ID,
	}
}
