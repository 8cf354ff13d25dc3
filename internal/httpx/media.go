package httpx

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/metrics"
	"github.com/haukened/chronosafe/internal/recorder"
)

type mediaResponse struct {
	MediaRef  string `json:"media_ref"`
	Bytes     int64  `json:"bytes"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

type beginRecordingRequest struct {
	MediaKind string `json:"media_kind" validate:"required,oneof=image video audio"`
}

// uploadBody enforces MaxBody on the transport. A declared Content-Length
// over the limit is rejected before reading.
func (h *Handler) uploadBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, bool) {
	if h.MaxBody <= 0 {
		return r.Body, true
	}
	if r.ContentLength > h.MaxBody {
		h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "size exceeded")
		return nil, false
	}
	return http.MaxBytesReader(w, r.Body, h.MaxBody), true
}

func (h *Handler) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "size exceeded")
		return
	}
	h.mapServiceError(r.Context(), w, err)
}

func (h *Handler) recordUpload(res recorder.Result) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.Inc(metrics.CounterMediaUploaded, 1)
	h.Metrics.Observe(metrics.SummaryUploadBytes, res.Bytes)
}

// handleUploadMedia implements POST /api/media?kind=<kind> with the raw file
// as body.
func (h *Handler) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.Recordings == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	kind, err := domain.ParseMediaKind(r.URL.Query().Get("kind"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	body, ok := h.uploadBody(w, r)
	if !ok {
		return
	}
	defer body.Close()
	res, err := h.Recordings.Capture(kind, body)
	if err != nil {
		h.uploadError(w, r, err)
		return
	}
	h.recordUpload(res)
	writeJSON(w, http.StatusCreated, mediaResponse{MediaRef: res.Ref, Bytes: res.Bytes})
}

// handleBeginRecording implements POST /api/recordings.
func (h *Handler) handleBeginRecording(w http.ResponseWriter, r *http.Request) {
	if h.Recordings == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	var req beginRecordingRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	id, err := h.Recordings.Begin(domain.MediaKind(req.MediaKind))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		ID string `json:"id"`
	}{ID: id})
}

// handleAppendRecording implements PUT /api/recordings/{id}; the body is the
// next chunk.
func (h *Handler) handleAppendRecording(w http.ResponseWriter, r *http.Request) {
	if h.Recordings == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	body, ok := h.uploadBody(w, r)
	if !ok {
		return
	}
	defer body.Close()
	n, err := h.Recordings.Append(r.PathValue("id"), body)
	if err != nil {
		h.uploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Bytes int64 `json:"bytes"`
	}{Bytes: n})
}

// handleStopRecording implements POST /api/recordings/{id}/stop.
func (h *Handler) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if h.Recordings == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	res, err := h.Recordings.Finish(r.PathValue("id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	h.recordUpload(res)
	writeJSON(w, http.StatusOK, mediaResponse{MediaRef: res.Ref, Bytes: res.Bytes, ElapsedMS: res.Elapsed.Milliseconds()})
}

// handleAbortRecording implements DELETE /api/recordings/{id}.
func (h *Handler) handleAbortRecording(w http.ResponseWriter, r *http.Request) {
	if h.Recordings == nil {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
		return
	}
	if err := h.Recordings.Abort(r.PathValue("id")); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMedia implements GET /api/media/{ref}. Only media of unlocked
// capsules is served; the content type is sniffed from the file.
func (h *Handler) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	rc, size, err := h.Service.OpenMedia(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	defer rc.Close()
	br := bufio.NewReaderSize(rc, 512)
	head, _ := br.Peek(512)
	w.Header().Set("Content-Type", mimetype.Detect(head).String())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = io.CopyN(w, br, size)
}
