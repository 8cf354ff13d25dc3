package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/recorder"
)

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		h.log().Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain/store/service errors to HTTP responses.
// Validation messages are returned to the client; everything else is reduced
// to a fixed string.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	log := h.log()
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		log.Warn("service error", "cid", cid, "code", "invalid_id")
		h.writeError(ctx, w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, domain.ErrValidation):
		log.Warn("service error", "cid", cid, "code", "validation")
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recorder.ErrInvalidTransition):
		log.Warn("service error", "cid", cid, "code", "invalid_transition")
		h.writeError(ctx, w, http.StatusBadRequest, "invalid recording state")
	case errors.Is(err, recorder.ErrContentMismatch):
		log.Warn("service error", "cid", cid, "code", "content_mismatch")
		h.writeError(ctx, w, http.StatusBadRequest, "content does not match media kind")
	case errors.Is(err, recorder.ErrTooLarge):
		log.Warn("service error", "cid", cid, "code", "size_exceeded")
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded")
	case errors.Is(err, domain.ErrLocked):
		log.Info("service error", "cid", cid, "code", "locked")
		h.writeError(ctx, w, http.StatusForbidden, "capsule locked")
	case errors.Is(err, recorder.ErrSessionNotFound):
		log.Info("service error", "cid", cid, "code", "recording_not_found")
		h.writeError(ctx, w, http.StatusNotFound, "recording not found")
	case errors.Is(err, domain.ErrNotFound):
		log.Info("service error", "cid", cid, "code", "not_found")
		h.writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, os.ErrNotExist):
		log.Info("service error", "cid", cid, "code", "not_found", "err_type", "os.ErrNotExist")
		h.writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrSave):
		log.Error("service error", "cid", cid, "code", "save_failed")
		h.writeError(ctx, w, http.StatusServiceUnavailable, "not persisted")
	default:
		// Do not log the raw error string; it may carry file paths.
		log.Error("unhandled service error", "cid", cid, "code", "unhandled", "err_type", "unknown")
		h.writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}
