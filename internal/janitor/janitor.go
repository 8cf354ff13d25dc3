// Package janitor reclaims media files that no capsule references. Reclaim is
// called synchronously by the store after every save; a background loop also
// runs a full cycle periodically to catch uploads that were never attached,
// abandoned partial uploads, and notification log rows past retention.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/metrics"
	"github.com/haukened/chronosafe/internal/store/filesystem"
)

// Media is the part of the media directory the Janitor needs.
type Media interface {
	List() ([]filesystem.File, error)
	ListPartial() ([]filesystem.File, error)
	Delete(ref string) error
}

// Target runs Reclaim against its current active set. The capsule store
// implements it so the set cannot change mid-cycle.
type Target interface {
	ReclaimMedia(ctx context.Context) (int, error)
}

// Pruner deletes notification log rows older than t.
type Pruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int, error)
}

// Uploads protects finished uploads that no capsule references yet and
// owns the open recording sessions.
type Uploads interface {
	Unclaimed(active map[string]struct{}) map[string]struct{}
	ExpireIdle(idle time.Duration) int
}

// Collector receives counters and per-cycle observations (optional).
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, v int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval      time.Duration // how often a cycle begins
	PartialMaxAge time.Duration // idle sessions and ".part" files older than this are removed
	Retention     time.Duration // notification log retention; 0 keeps everything
	Pruner        Pruner        // optional
	Uploads       Uploads       // optional
	Logger        *slog.Logger  // optional logger (defaults to slog.Default())
	Now           func() time.Time
}

// Janitor encapsulates media reclamation and the background cleanup loop.
type Janitor struct {
	media     Media
	collector Collector
	cfg       Config
	reclaimMu sync.Mutex

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. collector may be nil.
func New(media Media, collector Collector, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PartialMaxAge <= 0 {
		cfg.PartialMaxAge = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		media:     media,
		collector: collector,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Reclaim deletes every managed media file whose name is not in active and
// that is not an unclaimed upload still on hold. It returns the number of
// files deleted. Running it again with the same set deletes nothing more.
func (j *Janitor) Reclaim(ctx context.Context, active map[string]struct{}) (int, error) {
	j.reclaimMu.Lock()
	defer j.reclaimMu.Unlock()
	files, err := j.media.List()
	if err != nil {
		return 0, err
	}
	var held map[string]struct{}
	if j.cfg.Uploads != nil {
		held = j.cfg.Uploads.Unclaimed(active)
	}
	var errs []error
	n := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, ok := active[f.Name]; ok || !domain.IsManagedMedia(f.Name) {
			continue
		}
		if _, ok := held[f.Name]; ok {
			continue
		}
		if err := j.media.Delete(f.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if j.collector != nil {
		j.collector.Inc(metrics.CounterMediaReclaimed, int64(n))
	}
	return n, errors.Join(errs...)
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context, target Target) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx, target)
}

// Stop signals the loop to exit and waits for completion. Stop on a Janitor
// that was never started returns immediately.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

func (j *Janitor) loop(ctx context.Context, target Target) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.RunCycle(ctx, target)
		}
	}
}

// RunCycle performs one full cleanup: orphan media, idle recording sessions,
// stale partial uploads and expired notification log rows. Failures of one
// step do not skip the others.
func (j *Janitor) RunCycle(ctx context.Context, target Target) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")

	reclaimed, err := target.ReclaimMedia(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reclaim", "error", err)
	}
	expired := 0
	if j.cfg.Uploads != nil {
		expired = j.cfg.Uploads.ExpireIdle(j.cfg.PartialMaxAge)
	}
	partials, err := j.removePartials(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("partials", "error", err)
	}
	pruned := 0
	if j.cfg.Pruner != nil && j.cfg.Retention > 0 {
		pruned, err = j.cfg.Pruner.DeleteBefore(ctx, j.cfg.Now().Add(-j.cfg.Retention))
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("prune notifications", "error", err)
		}
	}

	if j.collector != nil {
		j.collector.Inc(metrics.CounterRecordingsExpired, int64(expired))
		j.collector.Inc(metrics.CounterPartialsRemoved, int64(partials))
		j.collector.Inc(metrics.CounterNotificationsPruned, int64(pruned))
		j.collector.Observe(metrics.SummaryJanitorReclaimedPerCycle, int64(reclaimed))
		j.collector.Observe(metrics.SummaryJanitorCycleMillis, time.Since(start).Milliseconds())
	}
	log.Info("cycle complete", "reclaimed", reclaimed, "expired", expired, "partials", partials, "pruned", pruned, "ms", time.Since(start).Milliseconds())
}

func (j *Janitor) removePartials(ctx context.Context) (int, error) {
	files, err := j.media.ListPartial()
	if err != nil {
		return 0, err
	}
	now := j.cfg.Now()
	var errs []error
	n := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !strings.HasSuffix(f.Name, filesystem.PartialExt) || now.Sub(f.ModTime) < j.cfg.PartialMaxAge {
			continue
		}
		if err := j.media.Delete(f.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
