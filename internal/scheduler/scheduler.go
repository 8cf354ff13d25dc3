// Package scheduler registers one-shot unlock triggers on in-process timers.
// Triggers are keyed by id; registering an id again replaces the earlier
// trigger. Nothing is persisted: the service reschedules locked capsules at
// startup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/chronosafe/internal/app"
)

// ErrScheduling is returned when a trigger cannot be registered.
var ErrScheduling = errors.New("scheduling failed")

// FireFunc is invoked on its own goroutine when a trigger is due.
type FireFunc func(ctx context.Context, t app.Trigger)

// Timer is the subset of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// Config holds optional collaborators. Zero values select real time.
type Config struct {
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	Logger    *slog.Logger
}

type entry struct {
	trigger app.Trigger
	timer   Timer
	seq     uint64
}

// Scheduler owns one timer per pending trigger.
type Scheduler struct {
	ctx    context.Context
	fire   FireFunc
	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	seq    uint64
	byID   map[string]entry
	wg     sync.WaitGroup
	closed bool
}

// New returns a Scheduler that calls fire with ctx for every due trigger.
func New(ctx context.Context, fire FireFunc, cfg Config) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		ctx:  ctx,
		fire: fire,
		cfg:  cfg,
		log:  cfg.Logger.With("domain", "scheduler"),
		byID: make(map[string]entry),
	}
}

// Schedule registers t, replacing any pending trigger with the same id. A
// FireAt in the past fires as soon as possible.
func (s *Scheduler) Schedule(t app.Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty trigger id", ErrScheduling)
	}
	if t.FireAt.IsZero() {
		return fmt.Errorf("%w: trigger %s has no fire time", ErrScheduling, t.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: scheduler stopped", ErrScheduling)
	}
	if old, ok := s.byID[t.ID]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	d := max(t.FireAt.Sub(s.cfg.Now()), 0)
	timer := s.cfg.AfterFunc(d, func() { s.run(t.ID, seq) })
	s.byID[t.ID] = entry{trigger: t, timer: timer, seq: seq}
	s.log.Debug("trigger scheduled", "id", t.ID, "fire_at", t.FireAt, "in", d)
	return nil
}

// Cancel removes a pending trigger and reports whether one existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.byID, id)
	return true
}

// Pending returns the number of registered triggers that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Stop cancels every pending trigger, rejects new ones and waits for
// callbacks already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.byID {
		e.timer.Stop()
		delete(s.byID, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(id string, seq uint64) {
	s.mu.Lock()
	e, ok := s.byID[id]
	// A replaced or cancelled trigger may still fire if its timer had
	// already started; the sequence check drops it.
	if !ok || e.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.byID, id)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.log.Debug("trigger fired", "id", id)
	s.fire(s.ctx, e.trigger)
}
