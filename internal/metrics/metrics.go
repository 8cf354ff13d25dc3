// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations and periodically
// flushes them to the SQLite database that also holds the notification log,
// so totals survive restarts. Live values are mirrored into Prometheus
// collectors when a registerer is attached.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Names for counters used by the application.
const (
	CounterCapsulesCreated       = "capsules_created_total"
	CounterCapsulesDeleted       = "capsules_deleted_total"
	CounterCapsulesForceUnlocked = "capsules_force_unlocked_total"
	CounterNotificationsFired    = "notifications_fired_total"
	CounterNotificationsPruned   = "notifications_pruned_total"
	CounterSchedulingFailures    = "scheduling_failures_total"
	CounterMediaUploaded         = "media_uploaded_total"
	CounterMediaReclaimed        = "media_reclaimed_total"
	CounterPartialsRemoved       = "media_partials_removed_total"
	CounterRecordingsExpired     = "recordings_expired_total"
)

// Summary names.
const (
	SummaryJanitorReclaimedPerCycle = "janitor_reclaimed_per_cycle"
	SummaryUploadBytes              = "media_upload_bytes"
	SummaryJanitorCycleMillis       = "janitor_cycle_ms"
)

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
	// Registerer, when set, receives Prometheus collectors mirroring every
	// Inc and Observe call.
	Registerer prometheus.Registerer
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg     Config
	db      *sql.DB
	events  chan event
	stop    chan struct{}
	done    chan struct{}
	started bool

	promCounters  *prometheus.CounterVec
	promSummaries *prometheus.SummaryVec

	// pending deltas since the last flush (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*summaryAgg
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

type summaryAgg struct {
	count int64
	sum   int64
	min   int64
	max   int64
}

func (a *summaryAgg) merge(o summaryAgg) {
	if a.count == 0 {
		*a = o
		return
	}
	a.count += o.count
	a.sum += o.sum
	a.min = min(a.min, o.min)
	a.max = max(a.max, o.max)
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) (*Manager, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		db:        db,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*summaryAgg),
	}
	if cfg.Registerer != nil {
		m.promCounters = prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "chronosafe", Name: "events_total", Help: "Application events by name."},
			[]string{"name"},
		)
		m.promSummaries = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{Namespace: "chronosafe", Name: "observations", Help: "Application observations by name."},
			[]string{"name"},
		)
		if err := cfg.Registerer.Register(m.promCounters); err != nil {
			return nil, err
		}
		if err := cfg.Registerer.Register(m.promSummaries); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// InitSchema ensures metrics tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS metrics_counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics_summaries (
			name TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			sum INTEGER NOT NULL,
			min INTEGER NOT NULL,
			max INTEGER NOT NULL
		);`,
	}
	for _, q := range ddl {
		if _, err := m.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop signals the flush loop to exit and performs a final flush.
func (m *Manager) Stop(ctx context.Context) {
	if m.started {
		close(m.stop)
		<-m.done
	}
	m.drain()
	if err := m.flush(ctx); err != nil {
		m.cfg.Logger.Error("final metrics flush", "domain", "metrics", "error", err)
	}
}

// Inc increments a counter by delta (>=1).
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	if m.promCounters != nil {
		m.promCounters.WithLabelValues(name).Add(float64(delta))
	}
	select {
	case m.events <- event{kind: eventInc, name: name, v: delta}:
	default:
		// channel full; best-effort drop
	}
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	if m.promSummaries != nil {
		m.promSummaries.WithLabelValues(name).Observe(float64(value))
	}
	select {
	case m.events <- event{kind: eventObserve, name: name, v: value}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies queued events without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			agg = &summaryAgg{}
			m.summaries[ev.name] = agg
		}
		agg.merge(summaryAgg{count: 1, sum: ev.v, min: ev.v, max: ev.v})
	}
}

// Snapshot returns persisted totals with pending deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]summaryAgg, error) {
	counters := make(map[string]int64)
	summaries := make(map[string]summaryAgg)
	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var agg summaryAgg
		if err := srows.Scan(&n, &agg.count, &agg.sum, &agg.min, &agg.max); err != nil {
			return nil, nil, err
		}
		summaries[n] = agg
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := summaries[n]
		cur.merge(*agg)
		summaries[n] = cur
	}
	m.mu.Unlock()
	return counters, summaries, nil
}

// flush writes pending deltas to SQLite in a single transaction and resets them.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*summaryAgg)
	m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for name, agg := range summaries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?) ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count, sum = metrics_summaries.sum + excluded.sum, min = MIN(metrics_summaries.min, excluded.min), max = MAX(metrics_summaries.max, excluded.max)`, name, agg.count, agg.sum, agg.min, agg.max); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
