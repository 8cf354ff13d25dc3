package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

type createCapsuleRequest struct {
	Title     string    `json:"title" validate:"required,max=200"`
	UnlockAt  time.Time `json:"unlock_at" validate:"required"`
	MediaKind string    `json:"media_kind" validate:"required,oneof=message image video audio"`
	MediaRef  string    `json:"media_ref,omitempty" validate:"omitempty,max=255"`
	Message   string    `json:"message,omitempty" validate:"omitempty,max=10000"`
}

type capsuleView struct {
	domain.Capsule
	Locked bool `json:"locked"`
}

type capsuleList struct {
	Locked   []capsuleView `json:"locked"`
	Unlocked []capsuleView `json:"unlocked"`
}

// decodeJSON reads a bounded JSON body into dst and validates its shape.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed json body", domain.ErrValidation)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrValidation, describeValidation(err))
	}
	return nil
}

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonName(fe.StructField())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, field+" is too long")
		case "oneof":
			parts = append(parts, field+" must be one of "+fe.Param())
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

var jsonNames = map[string]string{
	"Title":     "title",
	"UnlockAt":  "unlock_at",
	"MediaKind": "media_kind",
	"MediaRef":  "media_ref",
	"Message":   "message",
}

func jsonName(field string) string {
	if n, ok := jsonNames[field]; ok {
		return n
	}
	return strings.ToLower(field)
}

func viewOf(c domain.Capsule, locked bool) capsuleView {
	if locked {
		c.MediaRef = ""
		c.Message = ""
	}
	return capsuleView{Capsule: c, Locked: locked}
}

// handleCreateCapsule implements POST /api/capsules.
func (h *Handler) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	var req createCapsuleRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	c, err := h.Service.CreateCapsule(r.Context(), domain.NewCapsule{
		Title:    req.Title,
		UnlockAt: req.UnlockAt,
		Kind:     domain.MediaKind(req.MediaKind),
		MediaRef: req.MediaRef,
		Message:  req.Message,
	})
	if err != nil {
		if errors.Is(err, app.ErrSave) && c.ID != "" {
			h.writeUnsaved(r.Context(), w, c)
			return
		}
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// writeUnsaved answers 503 for a capsule that exists in memory but is not
// persisted yet. The record is included so the client knows its id; the next
// successful save or shutdown flush persists it.
func (h *Handler) writeUnsaved(ctx context.Context, w http.ResponseWriter, c domain.Capsule) {
	cid, _ := GetCorrelationID(ctx)
	h.log().Error("service error", "cid", cid, "code", "save_failed", "capsule_id", c.ID.String())
	writeJSON(w, http.StatusServiceUnavailable, struct {
		Error   string         `json:"error"`
		Capsule domain.Capsule `json:"capsule"`
	}{Error: "not persisted", Capsule: c})
}

// handleListCapsules implements GET /api/capsules. Locked capsules are listed
// without their content.
func (h *Handler) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	p := h.Service.ListCapsules(r.Context())
	out := capsuleList{
		Locked:   make([]capsuleView, 0, len(p.Locked)),
		Unlocked: make([]capsuleView, 0, len(p.Unlocked)),
	}
	for _, c := range p.Locked {
		out.Locked = append(out.Locked, viewOf(c, true))
	}
	for _, c := range p.Unlocked {
		out.Unlocked = append(out.Unlocked, viewOf(c, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetCapsule implements GET /api/capsules/{id}.
func (h *Handler) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.GetCapsule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(v.Capsule, v.Locked))
}

// handleDeleteCapsule implements DELETE /api/capsules/{id}.
func (h *Handler) handleDeleteCapsule(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteCapsule(r.Context(), r.PathValue("id")); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleForceUnlock implements POST /api/capsules/{id}/unlock.
func (h *Handler) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.ForceUnlock(r.Context(), r.PathValue("id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(c, false))
}

var _ ServicePort = (*app.Service)(nil)
