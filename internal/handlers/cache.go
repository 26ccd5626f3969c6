package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"photocache/internal/cache"
	"photocache/internal/database"
	"photocache/internal/filesystem"
)

// maxSubmitBody bounds POST /api/cache bodies.
const maxSubmitBody = 16 << 20

// SubmitRequest is the body of POST /api/cache.
type SubmitRequest struct {
	References []string `json:"references"`
}

// SubmitResponse answers POST /api/cache.
type SubmitResponse struct {
	BatchID  string         `json:"batchId"`
	Progress cache.Progress `json:"progress"`
}

// LookupResponse answers GET /api/cache/lookup.
type LookupResponse struct {
	Reference       string `json:"reference"`
	Cached          bool   `json:"cached"`
	CachedReference string `json:"cachedReference,omitempty"`
}

// SizeResponse answers GET /api/cache/size.
type SizeResponse struct {
	TotalBytes int64            `json:"totalBytes"`
	Files      map[string]int64 `json:"files,omitempty"`
}

// SubmitBatch starts a batch. By default it answers 202 with the batch id
// as soon as the batch has started and streams the rest through the
// progress websocket. With ?wait=true it holds the request until the
// terminal event and returns that instead.
func (h *Handlers) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	refs := make([]string, 0, len(req.References))
	for _, ref := range req.References {
		if ref = strings.TrimSpace(ref); ref != "" {
			refs = append(refs, ref)
		}
	}

	if r.URL.Query().Get("wait") == "true" {
		// Cancelling the request cancels the batch.
		final := h.cache.SubmitAndWait(r.Context(), refs, func(p cache.Progress) {
			h.hub.publish(wsMessage{Type: msgProgress, Progress: &p})
		})
		writeJSONStatusCode(w, http.StatusOK, SubmitResponse{BatchID: final.BatchID, Progress: final})
		return
	}

	events := h.cache.Submit(h.ctx, refs)
	first, ok := <-events
	if !ok {
		writeJSONError(w, "batch produced no events", http.StatusInternalServerError)
		return
	}
	h.hub.publish(wsMessage{Type: msgProgress, Progress: &first})

	h.batches.Add(1)
	go func() {
		defer h.batches.Done()
		for p := range events {
			h.hub.publish(wsMessage{Type: msgProgress, Progress: &p})
		}
	}()

	log.Info("batch %s accepted with %d references", first.BatchID, len(refs))
	writeJSONStatusCode(w, http.StatusAccepted, SubmitResponse{BatchID: first.BatchID, Progress: first})
}

// GetStatus returns the latest progress event of any batch.
func (h *Handlers) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatusCode(w, http.StatusOK, h.cache.Current())
}

// Lookup resolves ?ref= to its cached file, verifying the file exists.
func (h *Handlers) Lookup(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeJSONError(w, "missing ref parameter", http.StatusBadRequest)
		return
	}
	cached, ok := h.cache.GetCachedReference(ref)
	writeJSONStatusCode(w, http.StatusOK, LookupResponse{Reference: ref, Cached: ok, CachedReference: cached})
}

// ListEntries returns the ledger. With ?files=true it returns the sorted
// list of cached file paths instead.
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("files") == "true" {
		writeJSONStatusCode(w, http.StatusOK, h.cache.ListAllCachedReferences())
		return
	}
	writeJSONStatusCode(w, http.StatusOK, h.cache.Entries())
}

// EvictEntry drops ?ref= from the cache and deletes its file.
func (h *Handlers) EvictEntry(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeJSONError(w, "missing ref parameter", http.StatusBadRequest)
		return
	}
	if !h.cache.Evict(ref) {
		writeJSONError(w, "not cached", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ServeCachedFile writes the cached JPEG for ?ref=. Range and
// conditional requests are handled by http.ServeContent.
func (h *Handlers) ServeCachedFile(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		writeJSONError(w, "missing ref parameter", http.StatusBadRequest)
		return
	}
	cached, ok := h.cache.GetCachedReference(ref)
	if !ok {
		writeJSONError(w, "not cached", http.StatusNotFound)
		return
	}

	f, err := filesystem.OpenWithRetry(cached, filesystem.DefaultRetryConfig())
	if err != nil {
		// Removed between the lookup and the open.
		writeJSONError(w, "not cached", http.StatusNotFound)
		return
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn("failed to close %s: %v", cached, cerr)
		}
	}()
	info, err := f.Stat()
	if err != nil {
		writeJSONError(w, "failed to stat cached file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// GetSize returns the total cache size; ?files=true adds per-file sizes.
func (h *Handlers) GetSize(w http.ResponseWriter, r *http.Request) {
	resp := SizeResponse{TotalBytes: h.cache.TotalSize()}
	if r.URL.Query().Get("files") == "true" {
		resp.Files = h.cache.FileSizes()
	}
	writeJSONStatusCode(w, http.StatusOK, resp)
}

// Cleanup deletes every cached file and empties the ledger.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Cleanup(r.Context()); err != nil {
		log.Error("cleanup failed: %v", err)
		writeJSONError(w, "cleanup failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	log.Info("cache cleaned up")
	writeJSONStatusCode(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

// ListBatches returns recent batch records, newest first.
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSONError(w, "batch history is disabled", http.StatusServiceUnavailable)
		return
	}
	limit, err := queryInt(r, "limit", database.DefaultRecentLimit)
	if err != nil {
		writeJSONError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	recs, err := h.history.RecentBatches(r.Context(), limit)
	if err != nil {
		log.Error("listing batches: %v", err)
		writeJSONError(w, "failed to list batches", http.StatusInternalServerError)
		return
	}
	writeJSONStatusCode(w, http.StatusOK, recs)
}

// GetBatch returns one batch record.
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSONError(w, "batch history is disabled", http.StatusServiceUnavailable)
		return
	}
	rec, err := h.history.GetBatch(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeJSONError(w, "batch not found", http.StatusNotFound)
	case err != nil:
		log.Error("get batch: %v", err)
		writeJSONError(w, "failed to load batch", http.StatusInternalServerError)
	default:
		writeJSONStatusCode(w, http.StatusOK, rec)
	}
}
