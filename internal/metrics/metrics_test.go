package metrics

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTempDB creates an isolated sqlite database file for tests.
func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	p := filepath.Join(t.TempDir(), "m.db")
	db, err := sql.Open("sqlite3", p)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newManager(t *testing.T, cfg Config) (*Manager, *sql.DB) {
	t.Helper()
	db := openTempDB(t)
	m, err := New(db, cfg)
	require.NoError(t, err)
	require.NoError(t, m.InitSchema(context.Background()))
	return m, db
}

func counterValue(t *testing.T, db *sql.DB, name string) int64 {
	t.Helper()
	var v int64
	row := db.QueryRowContext(context.Background(), `SELECT value FROM metrics_counters WHERE name=?`, name)
	if err := row.Scan(&v); err != nil {
		t.Fatalf("scan %s: %v", name, err)
	}
	return v
}

func TestManagerIncFlush(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: 50 * time.Millisecond})
	ctx := context.Background()
	m.Inc(CounterCapsulesCreated, 1)
	m.Inc(CounterCapsulesCreated, 2)
	m.drain()
	require.NoError(t, m.flush(ctx))
	assert.EqualValues(t, 3, counterValue(t, db, CounterCapsulesCreated))
}

func TestManagerObserveFlushSnapshot(t *testing.T) {
	m, _ := newManager(t, Config{})
	ctx := context.Background()
	m.Observe(SummaryJanitorReclaimedPerCycle, 5)
	m.Observe(SummaryJanitorReclaimedPerCycle, 7)
	m.drain()
	require.NoError(t, m.flush(ctx))
	counters, summaries, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)
	agg, ok := summaries[SummaryJanitorReclaimedPerCycle]
	require.True(t, ok, "missing summary")
	assert.Equal(t, summaryAgg{count: 2, sum: 12, min: 5, max: 7}, agg)
}

func TestManagerSummaryLayering(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?)`, SummaryJanitorReclaimedPerCycle, 3, 30, 5, 20)
	require.NoError(t, err)
	m.Observe(SummaryJanitorReclaimedPerCycle, 4)
	m.Observe(SummaryJanitorReclaimedPerCycle, 25)
	m.Observe(SummaryJanitorReclaimedPerCycle, 6)
	m.drain()
	_, summaries, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, summaryAgg{count: 6, sum: 65, min: 4, max: 25}, summaries[SummaryJanitorReclaimedPerCycle])
}

func TestManagerStopFinalFlush(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: time.Hour})
	m.Inc(CounterNotificationsFired, 4)
	// Stop drains queued events itself.
	m.Stop(context.Background())
	assert.EqualValues(t, 4, counterValue(t, db, CounterNotificationsFired))
}

func TestManagerSnapshotMergesDeltas(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: time.Hour})
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,10)`, CounterCapsulesCreated)
	require.NoError(t, err)
	m.Inc(CounterCapsulesCreated, 5)
	m.drain()
	cnt, _, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 15, cnt[CounterCapsulesCreated])
}

func TestManagerFlushEmpty(t *testing.T) {
	m, _ := newManager(t, Config{})
	assert.NoError(t, m.flush(context.Background()))
}

func TestManagerStartIdempotent(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx)
	m.Inc(CounterCapsulesCreated, 1)
	time.Sleep(30 * time.Millisecond)
	m.Stop(context.Background())
	assert.NotZero(t, counterValue(t, db, CounterCapsulesCreated))
}

func TestManagerLoopContextCancel(t *testing.T) {
	m, db := newManager(t, Config{FlushInterval: 15 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	m.Inc(CounterCapsulesCreated, 3)
	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	m.Stop(context.Background())
	assert.EqualValues(t, 3, counterValue(t, db, CounterCapsulesCreated))
}

func TestManagerChannelFullDrop(t *testing.T) {
	m, db := newManager(t, Config{})
	m.events = make(chan event, 1)
	m.Inc(CounterCapsulesCreated, 1)
	m.Inc(CounterCapsulesCreated, 100) // dropped, buffer full
	m.drain()
	require.NoError(t, m.flush(context.Background()))
	assert.EqualValues(t, 1, counterValue(t, db, CounterCapsulesCreated))
}

func TestManagerIncNegativeIgnored(t *testing.T) {
	m, db := newManager(t, Config{})
	ctx := context.Background()
	m.Inc(CounterCapsulesCreated, -5)
	select {
	case ev := <-m.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
	require.NoError(t, m.flush(ctx))
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics_counters`).Scan(&n))
	assert.Zero(t, n)
}

func TestManagerPrometheusMirror(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newManager(t, Config{Registerer: reg})
	m.Inc(CounterMediaReclaimed, 2)
	m.Inc(CounterMediaReclaimed, 3)
	m.Observe(SummaryUploadBytes, 1024)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.promCounters.WithLabelValues(CounterMediaReclaimed)))
	n, err := testutil.GatherAndCount(reg, "chronosafe_events_total", "chronosafe_observations")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(openTempDB(t), Config{Registerer: reg})
	require.NoError(t, err)
	_, err = New(openTempDB(t), Config{Registerer: reg})
	assert.Error(t, err, "registering the same collectors twice must fail")
}
