package handlers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"photocache/internal/cache"
	"photocache/internal/logging"
)

var log = logging.For("handlers")

// BatchHistory is the read side of the batch history database.
type BatchHistory interface {
	RecentBatches(ctx context.Context, limit int) ([]cache.BatchRecord, error)
	GetBatch(ctx context.Context, id string) (cache.BatchRecord, error)
}

// Handlers serves the photocache HTTP API.
type Handlers struct {
	cache   *cache.Cache
	history BatchHistory
	hub     *progressHub

	started time.Time
	ready   atomic.Bool

	// ctx outlives requests so batches submitted over HTTP keep running
	// after the response is written. Close cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	batches sync.WaitGroup
}

// New creates the handlers and starts the progress hub. history may be nil,
// in which case the batch history endpoints answer 503.
func New(c *cache.Cache, history BatchHistory) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handlers{
		cache:   c,
		history: history,
		hub:     newProgressHub(c.Current()),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.hub.run(ctx)
	go h.forwardSizes(ctx)
	return h
}

// SetReady marks the service ready once the cache has loaded.
func (h *Handlers) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Close cancels running batches, waits for their terminal events and
// disconnects progress clients.
func (h *Handlers) Close() {
	h.cancel()
	h.batches.Wait()
	h.hub.wait()
}

// forwardSizes relays total cache size changes to progress clients.
func (h *Handlers) forwardSizes(ctx context.Context) {
	sizes, unsubscribe := h.cache.SubscribeSizes()
	defer unsubscribe()
	for {
		select {
		case total, ok := <-sizes:
			if !ok {
				return
			}
			h.hub.publish(wsMessage{Type: msgSize, TotalBytes: &total})
		case <-ctx.Done():
			return
		}
	}
}
