package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"photocache/internal/blobstore"
	"photocache/internal/ledger"
	"photocache/internal/logging"
	"photocache/internal/sizeindex"
	"photocache/internal/transcode"

	"golang.org/x/sync/singleflight"
)

var log = logging.For("cache")

// Result is the outcome of caching one reference. Err is nil on success.
type Result struct {
	Original string
	Cached   string
	Size     int64
	Fallback bool
	Err      error
}

// Cache is the photo cache: it owns the blob store, the mapping ledger and
// the size index and runs batches of references through the transcoder.
type Cache struct {
	store      *blobstore.Store
	ledger     *ledger.Ledger
	sizes      *sizeindex.Index
	fetcher    Fetcher
	transcoder *transcode.Transcoder
	opts       Options

	flight  singleflight.Group
	current atomic.Pointer[Progress]

	subMu   sync.Mutex
	subs    map[chan int64]struct{}
	subDone bool

	saveReq    chan struct{}
	rebuildReq chan struct{}
	done       chan struct{}
	bg         sync.WaitGroup
	closeOnce  sync.Once
}

// New returns a Cache over store. Call Load before serving lookups.
func New(store *blobstore.Store, fetcher Fetcher, opts Options) *Cache {
	opts = opts.withDefaults()

	tc := transcode.New(opts.JPEGQuality, opts.ResizeFactor)
	tc.Observer = opts.TranscodeObserver

	c := &Cache{
		store:      store,
		ledger:     ledger.New(store.LedgerPath()),
		sizes:      sizeindex.New(),
		fetcher:    fetcher,
		transcoder: tc,
		opts:       opts,
		subs:       make(map[chan int64]struct{}),
		saveReq:    make(chan struct{}, 1),
		rebuildReq: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	c.current.Store(&Progress{Kind: KindIdle})

	c.bg.Add(1)
	go c.maintain()
	return c
}

// Load reads the ledger and rebuilds the size index from the store
// directory. An unreadable ledger is replaced by an empty one; only a
// failed directory scan is returned.
func (c *Cache) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ledger.Load(); err != nil {
		log.Warn("%v: %v (starting with an empty ledger)", ErrLedgerParse, err)
	}
	if err := c.sizes.Rebuild(c.store); err != nil {
		return fmt.Errorf("%w: scan %s: %v", ErrIO, c.store.Dir(), err)
	}
	c.publishSize()
	log.Info("loaded %d ledger entries, %d files (%d bytes)",
		c.ledger.Len(), c.sizes.Len(), c.sizes.Total())
	return nil
}

// Dir returns the blob store directory.
func (c *Cache) Dir() string {
	return c.store.Dir()
}

// GetCachedReference returns the cached file for original if the ledger
// has one and the file still exists and is non-empty. A stale entry is
// evicted and a ledger save and size rebuild are scheduled.
func (c *Cache) GetCachedReference(original string) (string, bool) {
	cached, ok := c.ledger.Get(original)
	if !ok {
		return "", false
	}

	size, err := c.store.Size(cached)
	if err == nil && size > 0 {
		if known, ok := c.sizes.Get(cached); !ok || known != size {
			c.sizes.Set(cached, size)
			c.publishSize()
		}
		return cached, true
	}

	reason := "missing"
	if err == nil {
		reason = "empty"
	}
	log.Debug("evicting %s: cached file %s is %s", original, cached, reason)
	c.evict(original, cached, reason)
	c.requestRebuild()
	return "", false
}

// IsCached reports whether original has a valid cached file.
func (c *Cache) IsCached(original string) bool {
	_, ok := c.GetCachedReference(original)
	return ok
}

// ListAllCachedReferences returns every cached file path in the ledger,
// sorted.
func (c *Cache) ListAllCachedReferences() []string {
	snap := c.ledger.Snapshot()
	out := make([]string, 0, len(snap))
	for _, cached := range snap {
		out = append(out, cached)
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy of the original → cached mapping.
func (c *Cache) Entries() map[string]string {
	return c.ledger.Snapshot()
}

// TotalSize returns the byte size of all cached files.
func (c *Cache) TotalSize() int64 {
	return c.sizes.Total()
}

// FileSizes returns a copy of the cached file → size map.
func (c *Cache) FileSizes() map[string]int64 {
	return c.sizes.Snapshot()
}

// Current returns the most recent progress event of any batch, or Idle.
func (c *Cache) Current() Progress {
	return *c.current.Load()
}

// Evict removes original from the cache, deleting its file. It reports
// whether an entry existed.
func (c *Cache) Evict(original string) bool {
	cached, ok := c.ledger.Get(original)
	if !ok {
		return false
	}
	c.evict(original, cached, "explicit")
	return true
}

// ForgetFile drops every ledger entry that points at path. It is used when
// a cached file is removed behind the cache's back. Removal events arrive
// late, so a path that exists again by the time it runs is left alone.
func (c *Cache) ForgetFile(path string) int {
	if c.store.Exists(path) {
		log.Debug("ignoring removal of %s: file is present", path)
		return 0
	}
	var n int
	for original, cached := range c.ledger.Snapshot() {
		if cached == path {
			c.evict(original, cached, "external")
			n++
		}
	}
	if n == 0 && c.sizes.Remove(path) > 0 {
		c.publishSize()
	}
	return n
}

// evict removes the ledger entry and size record and deletes the file if
// it belongs to the store. The ledger save happens in the background.
func (c *Cache) evict(original, cached, reason string) {
	// The entry may have been re-cached since the caller looked it up.
	if !c.ledger.RemoveIf(original, cached) {
		return
	}
	c.sizes.Remove(cached)
	if c.store.IsCacheFile(cached) {
		if err := c.store.Delete(cached); err != nil {
			log.Warn("failed to delete %s: %v", cached, err)
		}
	}
	if c.opts.Observer != nil {
		c.opts.Observer.Evicted(reason)
	}
	c.publishSize()
	c.requestSave()
}

// Cleanup deletes every cached file, clears both indexes and persists the
// empty ledger.
func (c *Cache) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	removed, purgeErr := c.store.Purge()
	c.ledger.Clear()
	c.sizes.Clear()
	c.publishSize()

	if err := c.ledger.Save(); err != nil {
		return fmt.Errorf("%w: save empty ledger: %v", ErrIO, err)
	}
	if purgeErr != nil {
		return fmt.Errorf("%w: purge: %v", ErrIO, purgeErr)
	}
	log.Info("cleanup removed %d files", removed)
	return nil
}

// SubscribeSizes returns a channel carrying the total cache size. Only the
// latest value is kept for a slow reader. The channel starts with the
// current total and is closed by cancel or Close.
func (c *Cache) SubscribeSizes() (<-chan int64, func()) {
	ch := make(chan int64, 1)
	ch <- c.sizes.Total()

	c.subMu.Lock()
	if c.subDone {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (c *Cache) publishSize() {
	total := c.sizes.Total()
	if c.opts.Observer != nil {
		c.opts.Observer.CacheSize(total, c.sizes.Len())
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		// Replace a value the reader has not picked up yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- total:
		default:
		}
	}
}

func (c *Cache) requestSave() {
	select {
	case c.saveReq <- struct{}{}:
	default:
	}
}

func (c *Cache) requestRebuild() {
	select {
	case c.rebuildReq <- struct{}{}:
	default:
	}
}

// maintain serves async save and rebuild requests. Requests arriving while
// one is running coalesce into a single follow-up.
func (c *Cache) maintain() {
	defer c.bg.Done()
	for {
		select {
		case <-c.saveReq:
			if err := c.ledger.Save(); err != nil {
				log.Error("async ledger save failed: %v", err)
			}
		case <-c.rebuildReq:
			if err := c.sizes.Rebuild(c.store); err != nil {
				log.Warn("size index rebuild failed: %v", err)
				continue
			}
			c.publishSize()
		case <-c.done:
			return
		}
	}
}

// Flush writes the ledger now.
func (c *Cache) Flush() error {
	if err := c.ledger.Save(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Close stops background work, closes size subscriptions and writes the
// ledger one last time. Batches still running keep working but their
// evictions are no longer persisted asynchronously.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.bg.Wait()

		c.subMu.Lock()
		for ch := range c.subs {
			close(ch)
		}
		c.subs = make(map[chan int64]struct{})
		c.subDone = true
		c.subMu.Unlock()

		if saveErr := c.ledger.Save(); saveErr != nil {
			err = errors.Join(ErrIO, saveErr)
		}
	})
	return err
}
