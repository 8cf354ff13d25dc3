// Package main provides the chronosafe binary entry point. It loads
// configuration from defaults and environment variables, opens the data
// directory, wires the capsule store, unlock scheduler, media janitor and
// notification log, then serves the HTTP API until interrupted.
//
// The application flow:
//  1. Load and validate configuration.
//  2. Create the data and media directories and open SQLite.
//  3. Load the capsule snapshot and reschedule every locked capsule.
//  4. Start the janitor and metrics loops and the HTTP server.
//  5. On SIGINT/SIGTERM shut down the server, stop the loops and flush.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/config"
	"github.com/haukened/chronosafe/internal/httpx"
	"github.com/haukened/chronosafe/internal/janitor"
	"github.com/haukened/chronosafe/internal/metrics"
	"github.com/haukened/chronosafe/internal/notify"
	"github.com/haukened/chronosafe/internal/recorder"
	"github.com/haukened/chronosafe/internal/scheduler"
	"github.com/haukened/chronosafe/internal/store"
	"github.com/haukened/chronosafe/internal/store/filesystem"
	"github.com/haukened/chronosafe/internal/store/snapshot"
	"github.com/haukened/chronosafe/internal/store/sqlite"
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// ensureDataDir creates the data directory and its media subdirectory.
func ensureDataDir(dir string) (string, string, error) {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", "", fmt.Errorf("create data directory: %w", err)
		}
	case err != nil:
		return "", "", fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return "", "", fmt.Errorf("data path %s is not a directory", dir)
	}
	mediaDir := filepath.Join(dir, "media")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return "", "", fmt.Errorf("create media directory: %w", err)
	}
	return dir, mediaDir, nil
}

// openDatabase opens and pings the SQLite database.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite driver: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// components holds everything run starts and stops.
type components struct {
	metrics    *metrics.Manager
	registry   *prometheus.Registry
	notes      *sqlite.Log
	store      *store.Store
	janitor    *janitor.Janitor
	scheduler  *scheduler.Scheduler
	recordings *recorder.Registry
	service    *app.Service
}

// build wires the application. ctx bounds trigger callbacks.
func build(ctx context.Context, cfg *config.Config, db *sql.DB, dataDir, mediaDir string, clock app.Clock, logger *slog.Logger) (*components, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mgr, err := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlush, Logger: logger, Registerer: reg})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if err := mgr.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("metrics schema: %w", err)
	}
	notes, err := sqlite.New(db)
	if err != nil {
		return nil, fmt.Errorf("notification log: %w", err)
	}
	media, err := filesystem.New(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("media directory: %w", err)
	}
	snap, err := snapshot.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	recordings := recorder.NewRegistry(media, recorder.Config{
		MaxBytes: cfg.MaxMediaBytes.Int64(),
		Now:      clock.Now,
		Hold:     cfg.UploadHold,
	})
	jan := janitor.New(media, mgr, janitor.Config{
		Interval:      cfg.JanitorInterval,
		PartialMaxAge: cfg.PartialMaxAge,
		Retention:     cfg.NotificationRetention,
		Pruner:        notes,
		Uploads:       recordings,
		Logger:        logger,
		Now:           clock.Now,
	})
	st := store.New(snap, jan, clock, logger)
	// A corrupt snapshot is logged by the store; the service starts empty.
	_ = st.Load(ctx)

	svc := &app.Service{
		Store:    st,
		Notifier: notify.Fanout{notify.NewLogger(logger), notes},
		Media:    media,
		Clock:    clock,
		Metrics:  mgr,
		Logger:   logger.With("domain", "app"),
	}
	sched := scheduler.New(ctx, svc.HandleTrigger, scheduler.Config{Now: clock.Now, Logger: logger})
	svc.Scheduler = sched

	return &components{
		metrics:    mgr,
		registry:   reg,
		notes:      notes,
		store:      st,
		janitor:    jan,
		scheduler:  sched,
		recordings: recordings,
		service:    svc,
	}, nil
}

func buildHandler(cfg *config.Config, c *components, db *sql.DB, mediaDir string, logger *slog.Logger) http.Handler {
	readiness := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if _, err := os.ReadDir(mediaDir); err != nil {
			return err
		}
		return nil
	}
	h := httpx.New(c.service, cfg.MaxMediaBytes.Int64(), readiness)
	h.Recordings = c.recordings
	h.Notifications = c.notes
	h.Metrics = c.metrics
	h.MetricsJSON = metrics.Handler(c.metrics, cfg.MetricsToken)
	h.Prometheus = metrics.PrometheusHandler(c.registry, cfg.MetricsToken)
	h.Logger = logger.With("domain", "http")
	return h.Router()
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	// No WriteTimeout: media downloads stream for as long as the client reads.
	return &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 120 * time.Second}
}

// shutdown stops components in reverse start order and persists any state a
// failed save left behind.
func (c *components) shutdown(ctx context.Context, logger *slog.Logger) {
	c.scheduler.Stop()
	c.janitor.Stop()
	c.recordings.Close()
	if err := c.store.Flush(ctx); err != nil {
		logger.Error("final snapshot flush", "error", err)
	}
	c.metrics.Stop(ctx)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := newLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir, mediaDir, err := ensureDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	db, err := openDatabase(ctx, cfg.SQLiteDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := build(ctx, cfg, db, dataDir, mediaDir, realClock{}, logger)
	if err != nil {
		return err
	}
	n := c.service.RescheduleAll(ctx)
	logger.Info("rescheduled locked capsules", "count", n)
	c.metrics.Start(ctx)
	c.janitor.Start(ctx, c.store)

	srv := newServer(cfg, buildHandler(cfg, c, db, mediaDir, logger))
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		logger.Error("http shutdown", "error", sErr)
	}
	c.shutdown(shutdownCtx, logger)
	return err
}

func main() {
	if err := run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
