package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"photocache/internal/blobstore"
	"photocache/internal/cache"
	"photocache/internal/database"
	"photocache/internal/fetch"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []cache.BatchRecord
}

func (f *fakeHistory) RecordBatch(_ context.Context, rec cache.BatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append([]cache.BatchRecord{rec}, f.recs...)
	return nil
}

func (f *fakeHistory) RecentBatches(_ context.Context, limit int) ([]cache.BatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.recs) {
		limit = len(f.recs)
	}
	return append([]cache.BatchRecord(nil), f.recs[:limit]...), nil
}

func (f *fakeHistory) GetBatch(_ context.Context, id string) (cache.BatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return cache.BatchRecord{}, database.ErrNotFound
}

// newTestHandlers serves "photo:*" references as small JPEGs and fails
// everything else.
func newTestHandlers(t *testing.T, history *fakeHistory) (*Handlers, *cache.Cache) {
	t.Helper()

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	photo := testJPEG(t, 64, 48)
	fetcher := fetch.Func(func(_ context.Context, ref string) ([]byte, error) {
		if strings.HasPrefix(ref, "photo:") {
			return photo, nil
		}
		return nil, fmt.Errorf("%w: %s", fetch.ErrNotFound, ref)
	})

	opts := cache.DefaultOptions()
	opts.WorkerPoolSize = 2
	if history != nil {
		opts.History = history
	}
	c := cache.New(store, fetcher, opts)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var h *Handlers
	if history != nil {
		h = New(c, history)
	} else {
		h = New(c, nil)
	}
	t.Cleanup(h.Close)
	return h, c
}

func do(t *testing.T, handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitBatch_Wait(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	rec := do(t, h.SubmitBatch, http.MethodPost, "/api/cache?wait=true",
		`{"references": ["photo:a", "photo:b", "missing", "  "]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	resp := decode[SubmitResponse](t, rec)
	p := resp.Progress
	if p.Kind != cache.KindComplete {
		t.Fatalf("kind = %v", p.Kind)
	}
	if p.Succeeded != 2 || p.Failed != 1 || p.AlreadyCached != 0 {
		t.Errorf("progress = %s", p)
	}
	if resp.BatchID == "" || resp.BatchID != p.BatchID {
		t.Errorf("batch id %q vs %q", resp.BatchID, p.BatchID)
	}
}

func TestSubmitBatch_Async(t *testing.T) {
	history := &fakeHistory{}
	h, c := newTestHandlers(t, history)

	rec := do(t, h.SubmitBatch, http.MethodPost, "/api/cache", `{"references": ["photo:a"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[SubmitResponse](t, rec)
	if resp.BatchID == "" {
		t.Fatal("missing batch id")
	}

	h.batches.Wait()

	if !c.IsCached("photo:a") {
		t.Error("photo:a not cached after the batch finished")
	}
	status := decode[cache.Progress](t, do(t, h.GetStatus, http.MethodGet, "/api/cache/status", ""))
	if status.Kind != cache.KindComplete || status.BatchID != resp.BatchID {
		t.Errorf("status = %+v", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = do(t, h.ListBatches, http.MethodGet, "/api/cache/batches?limit=5", "")
		recs := decode[[]cache.BatchRecord](t, rec)
		if len(recs) == 1 {
			if recs[0].ID != resp.BatchID || recs[0].State != cache.KindComplete {
				t.Errorf("history = %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never recorded, got %d rows", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitBatch_BadBody(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	rec := do(t, h.SubmitBatch, http.MethodPost, "/api/cache", `{"references": [`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestLookupEvictAndSize(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	do(t, h.SubmitBatch, http.MethodPost, "/api/cache?wait=true", `{"references": ["photo:a", "photo:b"]}`)

	if rec := do(t, h.Lookup, http.MethodGet, "/api/cache/lookup", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("lookup without ref: %d", rec.Code)
	}

	got := decode[LookupResponse](t, do(t, h.Lookup, http.MethodGet, "/api/cache/lookup?ref=photo:a", ""))
	if !got.Cached || got.CachedReference == "" {
		t.Errorf("lookup = %+v", got)
	}
	got = decode[LookupResponse](t, do(t, h.Lookup, http.MethodGet, "/api/cache/lookup?ref=photo:zzz", ""))
	if got.Cached {
		t.Errorf("unknown ref reported cached: %+v", got)
	}

	entries := decode[map[string]string](t, do(t, h.ListEntries, http.MethodGet, "/api/cache/entries", ""))
	if len(entries) != 2 {
		t.Errorf("entries = %v", entries)
	}
	files := decode[[]string](t, do(t, h.ListEntries, http.MethodGet, "/api/cache/entries?files=true", ""))
	if len(files) != 2 {
		t.Errorf("files = %v", files)
	}

	size := decode[SizeResponse](t, do(t, h.GetSize, http.MethodGet, "/api/cache/size?files=true", ""))
	var sum int64
	for _, n := range size.Files {
		sum += n
	}
	if size.TotalBytes <= 0 || sum != size.TotalBytes || len(size.Files) != 2 {
		t.Errorf("size = %+v", size)
	}

	if rec := do(t, h.EvictEntry, http.MethodDelete, "/api/cache/entries?ref=photo:a", ""); rec.Code != http.StatusNoContent {
		t.Errorf("evict: %d", rec.Code)
	}
	if rec := do(t, h.EvictEntry, http.MethodDelete, "/api/cache/entries?ref=photo:a", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second evict: %d", rec.Code)
	}
}

func TestServeCachedFile(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	do(t, h.SubmitBatch, http.MethodPost, "/api/cache?wait=true", `{"references": ["photo:a"]}`)

	tests := []struct {
		target string
		want   int
	}{
		{"/api/cache/file", http.StatusBadRequest},
		{"/api/cache/file?ref=photo:nope", http.StatusNotFound},
		{"/api/cache/file?ref=photo:a", http.StatusOK},
	}
	for _, tt := range tests {
		rec := do(t, h.ServeCachedFile, http.MethodGet, tt.target, "")
		if rec.Code != tt.want {
			t.Errorf("%s = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}

	rec := do(t, h.ServeCachedFile, http.MethodGet, "/api/cache/file?ref=photo:a", "")
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil || format != "jpeg" || cfg.Width != 64 {
		t.Errorf("served %s %dx%d: %v", format, cfg.Width, cfg.Height, err)
	}
}

func TestCleanup(t *testing.T) {
	h, c := newTestHandlers(t, nil)
	do(t, h.SubmitBatch, http.MethodPost, "/api/cache?wait=true", `{"references": ["photo:a"]}`)

	if rec := do(t, h.Cleanup, http.MethodDelete, "/api/cache", ""); rec.Code != http.StatusOK {
		t.Fatalf("cleanup: %d %s", rec.Code, rec.Body.String())
	}
	if c.TotalSize() != 0 || len(c.Entries()) != 0 {
		t.Errorf("cache not empty after cleanup: %d bytes, %d entries", c.TotalSize(), len(c.Entries()))
	}
}

func TestBatchHistoryEndpoints(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h, _ := newTestHandlers(t, nil)
		if rec := do(t, h.ListBatches, http.MethodGet, "/api/cache/batches", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status %d, want 503", rec.Code)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		history := &fakeHistory{recs: []cache.BatchRecord{{ID: "b1", State: cache.KindFailed, Reason: "boom"}}}
		h, _ := newTestHandlers(t, history)

		if rec := do(t, h.ListBatches, http.MethodGet, "/api/cache/batches?limit=x", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("invalid limit: %d", rec.Code)
		}

		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/cache/batches/b1", nil), map[string]string{"id": "b1"})
		rec := httptest.NewRecorder()
		h.GetBatch(rec, req)
		got := decode[cache.BatchRecord](t, rec)
		if got.ID != "b1" || got.State != cache.KindFailed || got.Reason != "boom" {
			t.Errorf("GetBatch = %+v", got)
		}

		req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/api/cache/batches/nope", nil), map[string]string{"id": "nope"})
		rec = httptest.NewRecorder()
		h.GetBatch(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("unknown batch: %d", rec.Code)
		}
	})
}

func TestHealthProbes(t *testing.T) {
	h, _ := newTestHandlers(t, nil)

	if rec := do(t, h.HealthCheck, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("health before ready: %d", rec.Code)
	}
	if rec := do(t, h.ReadinessCheck, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: %d", rec.Code)
	}

	h.SetReady(true)

	rec := do(t, h.HealthCheck, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health after ready: %d", rec.Code)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != statusHealthy || health.BatchState != "idle" {
		t.Errorf("health = %+v", health)
	}
	if rec := do(t, h.ReadinessCheck, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz after ready: %d", rec.Code)
	}

	rec = do(t, h.LivenessCheck, http.MethodHead, "/livez", "")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD /livez = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
}

func TestGetVersion(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	rec := do(t, h.GetVersion, http.MethodGet, "/version", "")
	info := decode[map[string]string](t, rec)
	if info["version"] == "" || info["goVersion"] == "" {
		t.Errorf("version = %v", info)
	}
}

func TestProgressWebsocket(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeProgress))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsMessage
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != msgProgress || first.Progress == nil || first.Progress.Kind != cache.KindIdle {
		t.Fatalf("first message = %+v", first)
	}

	do(t, h.SubmitBatch, http.MethodPost, "/api/cache?wait=true", `{"references": ["photo:a", "photo:b"]}`)

	for {
		var m wsMessage
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if m.Type == msgProgress && m.Progress != nil && m.Progress.Kind == cache.KindComplete {
			if m.Progress.Succeeded != 2 {
				t.Errorf("complete = %s", m.Progress)
			}
			return
		}
	}
}

func TestProgressWebsocket_PlainRequestRejected(t *testing.T) {
	h, _ := newTestHandlers(t, nil)
	rec := do(t, h.ServeProgress, http.MethodGet, "/api/cache/progress", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}
