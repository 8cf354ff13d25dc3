package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/chronosafe/internal/app"
	"github.com/haukened/chronosafe/internal/domain"
	"github.com/haukened/chronosafe/internal/httpx"
	"github.com/haukened/chronosafe/internal/recorder"
	"github.com/haukened/chronosafe/internal/store/filesystem"
)

const capsuleID = "6f1c2a9e-3b4d-4e5f-8a7b-0c1d2e3f4a5b"

var unlockAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

type mockService struct {
	createFn func(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error)
	list     app.Partitioned
	getFn    func(ctx context.Context, id string) (app.View, error)
	deleted  []string
	unlockFn func(ctx context.Context, id string) (domain.Capsule, error)
	media    map[string]string
	mediaErr error
}

func (m *mockService) CreateCapsule(ctx context.Context, n domain.NewCapsule) (domain.Capsule, error) {
	return m.createFn(ctx, n)
}
func (m *mockService) ListCapsules(context.Context) app.Partitioned { return m.list }
func (m *mockService) GetCapsule(ctx context.Context, id string) (app.View, error) {
	return m.getFn(ctx, id)
}
func (m *mockService) DeleteCapsule(_ context.Context, id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return err
	}
	m.deleted = append(m.deleted, id)
	return nil
}
func (m *mockService) ForceUnlock(ctx context.Context, id string) (domain.Capsule, error) {
	return m.unlockFn(ctx, id)
}
func (m *mockService) OpenMedia(_ context.Context, ref string) (io.ReadCloser, int64, error) {
	if m.mediaErr != nil {
		return nil, 0, m.mediaErr
	}
	data, ok := m.media[ref]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(data)), int64(len(data)), nil
}

type mockLog struct {
	since time.Time
	limit int
	out   []app.Notification
}

func (m *mockLog) ListSince(_ context.Context, since time.Time, limit int) ([]app.Notification, error) {
	m.since, m.limit = since, limit
	return m.out, nil
}

type collector struct {
	counters map[string]int64
	observed map[string][]int64
}

func (c *collector) Inc(name string, d int64)    { c.counters[name] += d }
func (c *collector) Observe(name string, v int64) { c.observed[name] = append(c.observed[name], v) }

func serve(h *httpx.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func sampleCapsule() domain.Capsule {
	return domain.Capsule{ID: capsuleID, Title: "Graduation", UnlockAt: unlockAt, Kind: domain.MediaMessage, Message: "congrats"}
}

func TestCreateCapsule(t *testing.T) {
	var got domain.NewCapsule
	svc := &mockService{createFn: func(_ context.Context, n domain.NewCapsule) (domain.Capsule, error) {
		got = n
		return sampleCapsule(), nil
	}}
	h := httpx.New(svc, 0, nil)
	body := `{"title":"Graduation","unlock_at":"2030-01-01T00:00:00Z","media_kind":"message","message":"congrats"}`
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/capsules", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get(httpx.CorrelationIDHeader))
	assert.Equal(t, "Graduation", got.Title)
	assert.True(t, unlockAt.Equal(got.UnlockAt))
	assert.Equal(t, domain.MediaMessage, got.Kind)

	var c domain.Capsule
	decode(t, rr, &c)
	assert.Equal(t, domain.CapsuleID(capsuleID), c.ID)
}

func TestCreateCapsuleBadRequests(t *testing.T) {
	svc := &mockService{createFn: func(context.Context, domain.NewCapsule) (domain.Capsule, error) {
		return domain.Capsule{}, errors.New("must not be called")
	}}
	h := httpx.New(svc, 0, nil)
	cases := map[string]string{
		"malformed":     `{"title":`,
		"unknown field": `{"title":"a","unlock_at":"2030-01-01T00:00:00Z","media_kind":"message","message":"m","extra":1}`,
		"missing title": `{"unlock_at":"2030-01-01T00:00:00Z","media_kind":"message","message":"m"}`,
		"missing time":  `{"title":"a","media_kind":"message","message":"m"}`,
		"bad kind":      `{"title":"a","unlock_at":"2030-01-01T00:00:00Z","media_kind":"hologram"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/capsules", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/capsules", strings.NewReader(cases["missing title"])))
	var e struct{ Error string }
	decode(t, rr, &e)
	assert.Contains(t, e.Error, "title is required")
}

func TestCreateCapsuleServiceErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{app.ErrSave, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	body := `{"title":"a","unlock_at":"2030-01-01T00:00:00Z","media_kind":"image","media_ref":"photo_x.jpg"}`
	for _, tc := range cases {
		svc := &mockService{createFn: func(context.Context, domain.NewCapsule) (domain.Capsule, error) {
			return domain.Capsule{}, tc.err
		}}
		rr := serve(httpx.New(svc, 0, nil), httptest.NewRequest(http.MethodPost, "/api/capsules", strings.NewReader(body)))
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}

func TestCreateCapsuleUnsavedReturnsRecord(t *testing.T) {
	kept := sampleCapsule()
	svc := &mockService{createFn: func(context.Context, domain.NewCapsule) (domain.Capsule, error) {
		return kept, fmt.Errorf("%w: disk full", app.ErrSave)
	}}
	body := `{"title":"a","unlock_at":"2030-01-01T00:00:00Z","media_kind":"message","message":"m"}`
	rr := serve(httpx.New(svc, 0, nil), httptest.NewRequest(http.MethodPost, "/api/capsules", strings.NewReader(body)))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var out struct {
		Error   string         `json:"error"`
		Capsule domain.Capsule `json:"capsule"`
	}
	decode(t, rr, &out)
	assert.Equal(t, "not persisted", out.Error)
	assert.Equal(t, kept.ID, out.Capsule.ID)
	assert.NotContains(t, rr.Body.String(), "disk full")
}

func TestRecordingUnknownSession(t *testing.T) {
	h, _ := newRecordingHandler(t, 0)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPut, "/api/recordings/missing", strings.NewReader("x")),
		httptest.NewRequest(http.MethodPost, "/api/recordings/missing/stop", nil),
		httptest.NewRequest(http.MethodDelete, "/api/recordings/missing", nil),
	} {
		rr := serve(h, req)
		assert.Equal(t, http.StatusNotFound, rr.Code, req.Method)
		var e struct{ Error string }
		decode(t, rr, &e)
		assert.Equal(t, "recording not found", e.Error)
	}
}

func TestListCapsulesRedactsLocked(t *testing.T) {
	open := sampleCapsule()
	open.ID = "11111111-2222-4333-8444-555555555555"
	svc := &mockService{list: app.Partitioned{Locked: []domain.Capsule{sampleCapsule()}, Unlocked: []domain.Capsule{open}}}
	rr := serve(httpx.New(svc, 0, nil), httptest.NewRequest(http.MethodGet, "/api/capsules", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Locked   []map[string]any `json:"locked"`
		Unlocked []map[string]any `json:"unlocked"`
	}
	decode(t, rr, &out)
	require.Len(t, out.Locked, 1)
	require.Len(t, out.Unlocked, 1)
	assert.NotContains(t, out.Locked[0], "message")
	assert.Equal(t, true, out.Locked[0]["locked"])
	assert.Equal(t, "congrats", out.Unlocked[0]["message"])
}

func TestListCapsulesEmptyArrays(t *testing.T) {
	rr := serve(httpx.New(&mockService{}, 0, nil), httptest.NewRequest(http.MethodGet, "/api/capsules", nil))
	assert.JSONEq(t, `{"locked":[],"unlocked":[]}`, rr.Body.String())
}

func TestGetCapsule(t *testing.T) {
	svc := &mockService{getFn: func(_ context.Context, id string) (app.View, error) {
		if id != capsuleID {
			return app.View{}, domain.ErrInvalidID
		}
		c := sampleCapsule()
		c.Message = ""
		return app.View{Capsule: c, Locked: true}, nil
	}}
	h := httpx.New(svc, 0, nil)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/capsules/"+capsuleID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var v map[string]any
	decode(t, rr, &v)
	assert.Equal(t, true, v["locked"])
	assert.Equal(t, "Graduation", v["title"])

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/capsules/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeleteCapsule(t *testing.T) {
	svc := &mockService{}
	h := httpx.New(svc, 0, nil)
	rr := serve(h, httptest.NewRequest(http.MethodDelete, "/api/capsules/"+capsuleID, nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{capsuleID}, svc.deleted)

	rr = serve(h, httptest.NewRequest(http.MethodDelete, "/api/capsules/bad", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestForceUnlock(t *testing.T) {
	svc := &mockService{unlockFn: func(_ context.Context, id string) (domain.Capsule, error) {
		if id != capsuleID {
			return domain.Capsule{}, domain.ErrNotFound
		}
		return sampleCapsule(), nil
	}}
	h := httpx.New(svc, 0, nil)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/capsules/"+capsuleID+"/unlock", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var v map[string]any
	decode(t, rr, &v)
	assert.Equal(t, false, v["locked"])

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/api/capsules/11111111-2222-4333-8444-555555555555/unlock", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rr := serve(httpx.New(&mockService{}, 0, nil), httptest.NewRequest(http.MethodPatch, "/api/capsules", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestGetMedia(t *testing.T) {
	jpeg := "\xff\xd8\xff\xe0\x00\x10JFIF\x00rest"
	svc := &mockService{media: map[string]string{"photo_a.jpg": jpeg}}
	h := httpx.New(svc, 0, nil)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/media/photo_a.jpg", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))
	assert.Equal(t, jpeg, rr.Body.String())

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/media/photo_b.jpg", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	svc.mediaErr = domain.ErrLocked
	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/media/photo_a.jpg", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func newRecordingHandler(t *testing.T, maxBody int64) (*httpx.Handler, *collector) {
	t.Helper()
	ms, err := filesystem.New(t.TempDir())
	require.NoError(t, err)
	h := httpx.New(&mockService{}, maxBody, nil)
	h.Recordings = recorder.NewRegistry(ms, recorder.Config{MaxBytes: maxBody})
	col := &collector{counters: map[string]int64{}, observed: map[string][]int64{}}
	h.Metrics = col
	return h, col
}

var jpegUpload = append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), bytes.Repeat([]byte{7}, 1000)...)

func TestUploadMedia(t *testing.T) {
	h, col := newRecordingHandler(t, 1<<20)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/media?kind=image", bytes.NewReader(jpegUpload)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var res struct {
		MediaRef string `json:"media_ref"`
		Bytes    int64  `json:"bytes"`
	}
	decode(t, rr, &res)
	assert.True(t, strings.HasPrefix(res.MediaRef, "photo_"))
	assert.EqualValues(t, len(jpegUpload), res.Bytes)
	assert.EqualValues(t, 1, col.counters["media_uploaded_total"])
	assert.Equal(t, []int64{int64(len(jpegUpload))}, col.observed["media_upload_bytes"])
}

func TestUploadMediaErrors(t *testing.T) {
	h, _ := newRecordingHandler(t, 100)
	cases := []struct {
		name string
		url  string
		body []byte
		code int
	}{
		{"unknown kind", "/api/media?kind=hologram", jpegUpload[:50], http.StatusBadRequest},
		{"message kind", "/api/media?kind=message", jpegUpload[:50], http.StatusBadRequest},
		{"too large", "/api/media?kind=image", jpegUpload, http.StatusRequestEntityTooLarge},
		{"wrong content", "/api/media?kind=video", jpegUpload[:50], http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(h, httptest.NewRequest(http.MethodPost, tc.url, bytes.NewReader(tc.body)))
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
		})
	}
}

func TestUploadWithoutRecorder(t *testing.T) {
	rr := serve(httpx.New(&mockService{}, 0, nil), httptest.NewRequest(http.MethodPost, "/api/media?kind=image", bytes.NewReader(jpegUpload)))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordingSession(t *testing.T) {
	h, col := newRecordingHandler(t, 1<<20)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/recordings", strings.NewReader(`{"media_kind":"image"}`)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var begin struct{ ID string }
	decode(t, rr, &begin)
	require.NotEmpty(t, begin.ID)

	for _, chunk := range [][]byte{jpegUpload[:600], jpegUpload[600:]} {
		rr = serve(h, httptest.NewRequest(http.MethodPut, "/api/recordings/"+begin.ID, bytes.NewReader(chunk)))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/api/recordings/"+begin.ID+"/stop", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res struct {
		MediaRef string `json:"media_ref"`
		Bytes    int64  `json:"bytes"`
	}
	decode(t, rr, &res)
	assert.EqualValues(t, len(jpegUpload), res.Bytes)
	assert.EqualValues(t, 1, col.counters["media_uploaded_total"])

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/api/recordings/"+begin.ID+"/stop", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordingAbort(t *testing.T) {
	h, _ := newRecordingHandler(t, 0)
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/api/recordings", strings.NewReader(`{"media_kind":"audio"}`)))
	require.Equal(t, http.StatusCreated, rr.Code)
	var begin struct{ ID string }
	decode(t, rr, &begin)

	rr = serve(h, httptest.NewRequest(http.MethodDelete, "/api/recordings/"+begin.ID, nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = serve(h, httptest.NewRequest(http.MethodDelete, "/api/recordings/"+begin.ID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodPost, "/api/recordings", strings.NewReader(`{"media_kind":"message"}`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListNotifications(t *testing.T) {
	log := &mockLog{out: []app.Notification{{ID: "n1", CapsuleID: capsuleID, Title: app.UnlockTitle, FiredAt: unlockAt}}}
	h := httpx.New(&mockService{}, 0, nil)
	h.Notifications = log

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/notifications?since=2029-12-31T00:00:00Z&limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 5, log.limit)
	assert.True(t, log.since.Equal(time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC)))
	var out struct {
		Notifications []app.Notification `json:"notifications"`
	}
	decode(t, rr, &out)
	require.Len(t, out.Notifications, 1)
	assert.Equal(t, "n1", out.Notifications[0].ID)

	for _, q := range []string{"since=yesterday", "limit=0", "limit=9999", "limit=x"} {
		rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/notifications?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestListNotificationsWithoutLog(t *testing.T) {
	rr := serve(httpx.New(&mockService{}, 0, nil), httptest.NewRequest(http.MethodGet, "/api/notifications", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"notifications":[]}`, rr.Body.String())
}

func TestOptionalMetricsRoutes(t *testing.T) {
	h := httpx.New(&mockService{}, 0, nil)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	h.Prometheus = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("prom")) })
	h.MetricsJSON = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) })
	assert.Equal(t, "prom", serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String())
	assert.Equal(t, "{}", serve(h, httptest.NewRequest(http.MethodGet, "/api/metrics", nil)).Body.String())
}
