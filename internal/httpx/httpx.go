// Package httpx contains the HTTP delivery layer (net/http handlers) for the
// ChronoSafe service. It maps JSON requests to the application service, streams
// media uploads into the recorder and translates errors to status codes.
// Handlers are split across files (capsules.go, media.go, notifications.go,
// health.go, errors.go).
package httpx

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/recorder"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	CreateCapsule(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error)
	ListCapsules(ctx context.Context) app.Partitioned
	GetCapsule(ctx context.Context, id string) (app.View, error)
	DeleteCapsule(ctx context.Context, id string) error
	ForceUnlock(ctx context.Context, id string) (domain.Capsule, error)
	OpenMedia(ctx context.Context, ref string) (io.ReadCloser, int64, error)
}

// RecordingPort manages media uploads. It is satisfied by recorder.Registry
// plus a one-shot capture function.
type RecordingPort interface {
	Capture(kind domain.MediaKind, src io.Reader) (recorder.Result, error)
	Begin(kind domain.MediaKind) (string, error)
	Append(id string, src io.Reader) (int64, error)
	Finish(id string) (recorder.Result, error)
	Abort(id string) error
}

// NotificationLog lists fired notifications.
type NotificationLog interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]app.Notification, error)
}

// Collector receives upload counters (optional).
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, v int64)
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service       ServicePort
	Recordings    RecordingPort               // optional; media routes answer 404 when nil
	Notifications NotificationLog             // optional
	Metrics       Collector                   // optional
	MetricsJSON   http.Handler                // optional /api/metrics
	Prometheus    http.Handler                // optional /metrics
	MaxBody       int64                       // upload limit; 0 disables the transport check
	Readiness     func(context.Context) error // optional readiness probe
	Logger        *slog.Logger
}

// New returns a configured Handler.
// svc: application service port implementation.
// maxBody: maximum allowed upload size (0 disables extra check).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{
		Service:   svc,
		MaxBody:   maxBody,
		Readiness: readiness,
	}
}

func (h *Handler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("domain", "http")
	}
	return h.Logger
}

// Router constructs and returns an http.Handler with all routes mounted and
// the correlation, access log and security headers middleware applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/capsules", h.handleCreateCapsule)
	mux.HandleFunc("GET /api/capsules", h.handleListCapsules)
	mux.HandleFunc("GET /api/capsules/{id}", h.handleGetCapsule)
	mux.HandleFunc("DELETE /api/capsules/{id}", h.handleDeleteCapsule)
	mux.HandleFunc("POST /api/capsules/{id}/unlock", h.handleForceUnlock)

	mux.HandleFunc("POST /api/media", h.handleUploadMedia)
	mux.HandleFunc("GET /api/media/{ref}", h.handleGetMedia)
	mux.HandleFunc("POST /api/recordings", h.handleBeginRecording)
	mux.HandleFunc("PUT /api/recordings/{id}", h.handleAppendRecording)
	mux.HandleFunc("POST /api/recordings/{id}/stop", h.handleStopRecording)
	mux.HandleFunc("DELETE /api/recordings/{id}", h.handleAbortRecording)

	mux.HandleFunc("GET /api/notifications", h.handleListNotifications)

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	if h.MetricsJSON != nil {
		mux.Handle("GET /api/metrics", h.MetricsJSON)
	}
	if h.Prometheus != nil {
		mux.Handle("GET /metrics", h.Prometheus)
	}
	return CorrelationIDMiddleware(h.accessLog(h.secureHeaders(mux)))
}
