package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/recorder"
)

func TestMapServiceError(t *testing.T) {
	h := &Handler{}
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"invalid id", domain.ErrInvalidID, http.StatusBadRequest, "invalid id"},
		{"validation", fmt.Errorf("%w: title must not be empty", domain.ErrValidation), http.StatusBadRequest, "title must not be empty"},
		{"transition", recorder.ErrInvalidTransition, http.StatusBadRequest, "invalid recording state"},
		{"mismatch", recorder.ErrContentMismatch, http.StatusBadRequest, "content does not match"},
		{"too large", recorder.ErrTooLarge, http.StatusRequestEntityTooLarge, "size exceeded"},
		{"locked", domain.ErrLocked, http.StatusForbidden, "capsule locked"},
		{"not found", domain.ErrNotFound, http.StatusNotFound, "not found"},
		{"recording not found", fmt.Errorf("%w: abc", recorder.ErrSessionNotFound), http.StatusNotFound, "recording not found"},
		{"os not exist", os.ErrNotExist, http.StatusNotFound, "not found"},
		{"save", fmt.Errorf("%w: disk full", app.ErrSave), http.StatusServiceUnavailable, "not persisted"},
		{"internal default", errors.New("/var/lib/secret path"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.mapServiceError(context.Background(), rr, tc.err)
			assert.Equal(t, tc.code, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.body)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}
