// Package notify holds app.Notifier adapters: a structured log sink and a
// fan-out that delivers one notification to several sinks.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/haukened/chronosafe/internal/app"
)

// Logger writes every notification as one structured log line.
type Logger struct{ log *slog.Logger }

// NewLogger returns a log sink. A nil logger selects slog.Default().
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{log: l.With("domain", "notify")}
}

// Notify implements app.Notifier.
func (l *Logger) Notify(ctx context.Context, n app.Notification) error {
	l.log.InfoContext(ctx, n.Title,
		"notification_id", n.ID,
		"capsule_id", n.CapsuleID.String(),
		"body", n.Body,
		"fired_at", n.FiredAt,
	)
	return nil
}

// Fanout delivers to every sink in order. A failing sink does not stop the
// others; their errors are joined.
type Fanout []app.Notifier

// Notify implements app.Notifier.
func (f Fanout) Notify(ctx context.Context, n app.Notification) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
