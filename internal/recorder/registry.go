package recorder

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/chronosafe/internal/domain"
)

type session struct {
	rec  *Recorder
	last time.Time
}

// Registry tracks recording sessions that span several requests, and the
// finished uploads that no capsule has claimed yet.
type Registry struct {
	media Media
	cfg   Config

	mu       sync.Mutex
	sessions map[string]*session
	held     map[string]time.Time // ref -> finished at
}

// NewRegistry returns an empty Registry whose sessions use cfg.
func NewRegistry(media Media, cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		media:    media,
		cfg:      cfg,
		sessions: make(map[string]*session),
		held:     make(map[string]time.Time),
	}
}

// Begin starts a new session and returns its id.
func (g *Registry) Begin(kind domain.MediaKind) (string, error) {
	r := New(g.media, g.cfg)
	if err := r.Start(kind); err != nil {
		return "", err
	}
	id := uuid.NewString()
	g.mu.Lock()
	g.sessions[id] = &session{rec: r, last: g.cfg.Now()}
	g.mu.Unlock()
	return id, nil
}

func (g *Registry) touch(id string) (*Recorder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.last = g.cfg.Now()
	return s.rec, nil
}

func (g *Registry) take(id string) (*Recorder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(g.sessions, id)
	return s.rec, nil
}

// Append writes src to the session. A session aborted by the write (size
// limit, wrong content) is forgotten.
func (g *Registry) Append(id string, src io.Reader) (int64, error) {
	r, err := g.touch(id)
	if err != nil {
		return 0, err
	}
	n, err := r.ReadFrom(src)
	if r.State() == Stopped {
		_, _ = g.take(id)
	} else {
		_, _ = g.touch(id)
	}
	return n, err
}

// Finish stops the session and returns the finished file, which is held
// until a capsule claims it.
func (g *Registry) Finish(id string) (Result, error) {
	r, err := g.take(id)
	if err != nil {
		return Result{}, err
	}
	return g.stop(r)
}

// Abort discards the session.
func (g *Registry) Abort(id string) error {
	r, err := g.take(id)
	if err != nil {
		return err
	}
	return r.Abort()
}

// Close aborts every open session.
func (g *Registry) Close() {
	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]*session)
	g.mu.Unlock()
	for _, s := range sessions {
		_ = s.rec.Abort()
	}
}

// Capture records src as a single-request session that is never registered.
// The finished file is held like one from Finish.
func (g *Registry) Capture(kind domain.MediaKind, src io.Reader) (Result, error) {
	r := New(g.media, g.cfg)
	if err := r.Start(kind); err != nil {
		return Result{}, err
	}
	if _, err := r.ReadFrom(src); err != nil {
		_ = r.Abort()
		return Result{}, err
	}
	return g.stop(r)
}

// stop holds the ref before the file appears under its final name, so a
// reclaim running concurrently never sees it unprotected.
func (g *Registry) stop(r *Recorder) (Result, error) {
	ref := r.ref()
	if ref != "" && g.cfg.Hold > 0 {
		g.mu.Lock()
		g.held[ref] = g.cfg.Now()
		g.mu.Unlock()
	}
	res, err := r.Stop()
	if err != nil && ref != "" {
		g.mu.Lock()
		delete(g.held, ref)
		g.mu.Unlock()
	}
	return res, err
}

// Unclaimed returns the finished uploads still protected from reclaim. Refs
// present in active have been claimed by a capsule and are released, as are
// holds older than the hold period.
func (g *Registry) Unclaimed(active map[string]struct{}) map[string]struct{} {
	now := g.cfg.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]struct{}, len(g.held))
	for ref, at := range g.held {
		if _, ok := active[ref]; ok || now.Sub(at) >= g.cfg.Hold {
			delete(g.held, ref)
			continue
		}
		out[ref] = struct{}{}
	}
	return out
}

// ExpireIdle aborts sessions without activity for at least idle and returns
// how many were aborted.
func (g *Registry) ExpireIdle(idle time.Duration) int {
	now := g.cfg.Now()
	g.mu.Lock()
	var stale []*Recorder
	for id, s := range g.sessions {
		if now.Sub(s.last) >= idle {
			stale = append(stale, s.rec)
			delete(g.sessions, id)
		}
	}
	g.mu.Unlock()
	for _, r := range stale {
		_ = r.Abort()
	}
	return len(stale)
}
