package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
)

const maxNotificationLimit = 500

// handleListNotifications implements GET /api/notifications?since=&limit=.
// since is RFC 3339 and exclusive; limit defaults to 100.
func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.mapServiceError(r.Context(), w, fmt.Errorf("%w: since must be RFC 3339", domain.ErrValidation))
			return
		}
		since = t
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxNotificationLimit {
			h.mapServiceError(r.Context(), w, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxNotificationLimit))
			return
		}
		limit = n
	}
	out := []app.Notification{}
	if h.Notifications != nil {
		list, err := h.Notifications.ListSince(r.Context(), since, limit)
		if err != nil {
			h.mapServiceError(r.Context(), w, err)
			return
		}
		out = list
	}
	writeJSON(w, http.StatusOK, struct {
		Notifications []app.Notification `json:"notifications"`
	}{Notifications: out})
}
