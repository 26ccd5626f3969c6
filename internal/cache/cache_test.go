package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"photocache/internal/blobstore"
	"photocache/internal/ledger"
)

func gradientJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / width),
				G: uint8((y * 255) / height),
				B: 128,
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

// fakeFetcher serves fixed bytes per reference and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	sources map[string][]byte
	calls   map[string]int
	// hook, if set, runs before every fetch; an error fails the fetch.
	hook func(ctx context.Context, ref string) error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{sources: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.calls[ref]++
	data, ok := f.sources[ref]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, ref); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("no such photo %q", ref)
	}
	return data, nil
}

func (f *fakeFetcher) add(ref string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[ref] = data
}

func (f *fakeFetcher) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func newTestCache(t *testing.T, f Fetcher, mutate func(*Options)) *Cache {
	t.Helper()
	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.Display = FixedDisplay{Width: 200, Height: 150}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(store, f, opts)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func collect(ch <-chan Progress) []Progress {
	var events []Progress
	for p := range ch {
		events = append(events, p)
	}
	return events
}

func assertWellFormed(t *testing.T, events []Progress) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	for i, p := range events {
		if p.Kind.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event %v at position %d of %d", p, i, len(events))
		}
		if i > 0 {
			prev := events[i-1]
			if p.Completed < prev.Completed || p.Errors < prev.Errors {
				t.Fatalf("counters went backwards: %v then %v", prev, p)
			}
			if p.BatchID != prev.BatchID {
				t.Fatalf("batch id changed mid-stream: %q then %q", prev.BatchID, p.BatchID)
			}
		}
	}
	if !events[len(events)-1].Kind.Terminal() {
		t.Fatalf("last event %v is not terminal", events[len(events)-1])
	}
}

func diskTotal(t *testing.T, c *Cache) int64 {
	t.Helper()
	var total int64
	for _, path := range c.ListAllCachedReferences() {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		total += info.Size()
	}
	return total
}

func TestSubmit_Scenario(t *testing.T) {
	f := newFakeFetcher()
	for _, ref := range []string{"a", "b", "c"} {
		f.add(ref, gradientJPEG(t, 400, 300))
	}
	c := newTestCache(t, f, func(o *Options) { o.WorkerPoolSize = 1 })

	if p := c.SubmitAndWait(context.Background(), []string{"a"}, nil); p.Kind != KindComplete {
		t.Fatalf("priming batch ended with %v", p)
	}

	events := collect(c.Submit(context.Background(), []string{"a", "b", "c"}))
	assertWellFormed(t, events)

	if first := events[0]; first.Kind != KindStarting || first.Total != 3 {
		t.Errorf("first event = %v, want Starting{total: 3}", first)
	}
	for _, p := range events[1 : len(events)-1] {
		if p.Kind != KindInProgress {
			t.Errorf("unexpected middle event %v", p)
		}
	}

	last := events[len(events)-1]
	if last.Kind != KindComplete || last.Succeeded != 2 || last.Failed != 0 || last.AlreadyCached != 1 {
		t.Errorf("last event = %v, want Complete{2, 0, 1, ...}", last)
	}
	if want := diskTotal(t, c); last.TotalCacheSize != want || want == 0 {
		t.Errorf("TotalCacheSize = %d, want %d", last.TotalCacheSize, want)
	}
	if f.callCount("a") != 1 {
		t.Errorf("a fetched %d times, want 1", f.callCount("a"))
	}
	if c.Current().Kind != KindComplete {
		t.Errorf("Current() = %v", c.Current())
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	f := newFakeFetcher()
	f.add("x", gradientJPEG(t, 100, 80))
	c := newTestCache(t, f, nil)

	first := c.SubmitAndWait(context.Background(), []string{"x"}, nil)
	if first.Kind != KindComplete || first.Succeeded != 1 {
		t.Fatalf("first batch = %v", first)
	}

	events := collect(c.Submit(context.Background(), []string{"x"}))
	if len(events) != 1 {
		t.Fatalf("fast path emitted %d events, want 1: %v", len(events), events)
	}
	if p := events[0]; p.Kind != KindComplete || p.AlreadyCached != 1 || p.Succeeded != 0 {
		t.Errorf("second batch = %v", p)
	}
	if f.callCount("x") != 1 {
		t.Errorf("x fetched %d times, want 1", f.callCount("x"))
	}
}

func TestSubmit_PartitionAndFailures(t *testing.T) {
	f := newFakeFetcher()
	img := gradientJPEG(t, 120, 90)
	for i := 0; i < 6; i++ {
		f.add(fmt.Sprintf("ok-%d", i), img)
	}
	c := newTestCache(t, f, func(o *Options) { o.WorkerPoolSize = 3 })

	c.SubmitAndWait(context.Background(), []string{"ok-0", "ok-1"}, nil)

	refs := []string{"ok-0", "ok-1", "ok-2", "ok-3", "ok-4", "ok-5", "missing-1", "missing-2"}
	var events []Progress
	last := c.SubmitAndWait(context.Background(), refs, func(p Progress) { events = append(events, p) })
	assertWellFormed(t, events)

	if last.AlreadyCached != 2 {
		t.Errorf("AlreadyCached = %d, want 2", last.AlreadyCached)
	}
	if last.Succeeded+last.Failed != len(refs)-2 {
		t.Errorf("succeeded %d + failed %d != %d", last.Succeeded, last.Failed, len(refs)-2)
	}
	if last.Failed != 2 {
		t.Errorf("Failed = %d, want 2", last.Failed)
	}
	if c.IsCached("missing-1") {
		t.Error("failed reference should not be cached")
	}
}

func TestSubmit_FallbackCopiesUndecodableSource(t *testing.T) {
	f := newFakeFetcher()
	garbage := []byte("this is not an image but it must be kept")
	f.add("weird", garbage)
	c := newTestCache(t, f, nil)

	p := c.SubmitAndWait(context.Background(), []string{"weird"}, nil)
	if p.Kind != KindComplete || p.Succeeded != 1 {
		t.Fatalf("batch = %v, want one success", p)
	}

	cached, ok := c.GetCachedReference("weird")
	if !ok {
		t.Fatal("weird should be cached")
	}
	data, err := os.ReadFile(cached)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, garbage) {
		t.Error("fallback did not store the source bytes unchanged")
	}
	if c.TotalSize() != int64(len(garbage)) {
		t.Errorf("TotalSize() = %d, want %d", c.TotalSize(), len(garbage))
	}
}

func TestSubmit_ShrinksToDisplay(t *testing.T) {
	f := newFakeFetcher()
	f.add("big", gradientJPEG(t, 1200, 900))
	c := newTestCache(t, f, func(o *Options) { o.Display = FixedDisplay{Width: 400, Height: 300} })

	c.SubmitAndWait(context.Background(), []string{"big"}, nil)
	cached, ok := c.GetCachedReference("big")
	if !ok {
		t.Fatal("big should be cached")
	}
	data, err := os.ReadFile(cached)
	if err != nil {
		t.Fatal(err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	// 400x300 display * 1.15 = 460x345
	if format != "jpeg" || cfg.Width != 460 || cfg.Height != 345 {
		t.Errorf("cached image = %s %dx%d, want jpeg 460x345", format, cfg.Width, cfg.Height)
	}
}

func TestSubmit_DuplicatesFetchOnce(t *testing.T) {
	f := newFakeFetcher()
	f.add("d", gradientJPEG(t, 64, 64))
	f.hook = func(context.Context, string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	c := newTestCache(t, f, func(o *Options) { o.WorkerPoolSize = 4 })

	p := c.SubmitAndWait(context.Background(), []string{"d", "d", "d"}, nil)
	if p.Kind != KindComplete || p.Succeeded != 3 || p.Total != 3 {
		t.Errorf("batch = %v, want 3 successes", p)
	}
	if n := f.callCount("d"); n != 1 {
		t.Errorf("d fetched %d times, want 1", n)
	}
	if len(c.Entries()) != 1 {
		t.Errorf("Entries() = %v", c.Entries())
	}
}

func TestSubmit_ConcurrentBatchesShareWork(t *testing.T) {
	f := newFakeFetcher()
	f.add("shared", gradientJPEG(t, 64, 64))
	release := make(chan struct{})
	f.hook = func(context.Context, string) error {
		<-release
		return nil
	}
	c := newTestCache(t, f, nil)

	first := c.Submit(context.Background(), []string{"shared"})
	second := c.Submit(context.Background(), []string{"shared"})
	// Both batches report Starting before the shared fetch is released.
	if p := <-first; p.Kind != KindStarting {
		t.Fatalf("first batch began with %v", p)
	}
	if p := <-second; p.Kind != KindStarting {
		t.Fatalf("second batch began with %v", p)
	}
	close(release)

	for _, ch := range []<-chan Progress{first, second} {
		events := collect(ch)
		if last := events[len(events)-1]; last.Kind != KindComplete || last.Succeeded != 1 {
			t.Errorf("batch ended with %v", last)
		}
	}
	if n := f.callCount("shared"); n > 2 {
		t.Errorf("shared fetched %d times", n)
	}
}

func TestSubmit_CancelledBatchDoesNotFailSharedItem(t *testing.T) {
	f := newFakeFetcher()
	f.add("shared", gradientJPEG(t, 64, 64))
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	f.hook = func(ctx context.Context, _ string) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			return nil
		}
	}
	c := newTestCache(t, f, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	first := c.Submit(ctxA, []string{"shared"})
	if p := <-first; p.Kind != KindStarting {
		t.Fatalf("first batch began with %v", p)
	}
	<-entered

	second := c.Submit(context.Background(), []string{"shared"})
	if p := <-second; p.Kind != KindStarting {
		t.Fatalf("second batch began with %v", p)
	}
	// Give the second batch time to join the first one's fetch.
	time.Sleep(50 * time.Millisecond)

	cancelA()
	eventsA := collect(first)
	if last := eventsA[len(eventsA)-1]; !IsCancelled(last) {
		t.Errorf("cancelled batch ended with %v", last)
	}
	close(release)

	eventsB := collect(second)
	assertWellFormed(t, eventsB)
	if last := eventsB[len(eventsB)-1]; last.Kind != KindComplete || last.Succeeded != 1 {
		t.Errorf("uncancelled batch ended with %v, want Complete with 1 succeeded", last)
	}
	if !c.IsCached("shared") {
		t.Error("shared not cached")
	}
}

// cancelObserver cancels a context once n items have been processed.
type cancelObserver struct {
	mu     sync.Mutex
	n      int
	cancel context.CancelFunc
}

func (o *cancelObserver) BatchStarted(int, int) {}

func (o *cancelObserver) ItemProcessed(Result, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n--
	if o.n == 0 {
		o.cancel()
	}
}

func (o *cancelObserver) BatchFinished(Progress, time.Duration) {}
func (o *cancelObserver) Evicted(string)                        {}
func (o *cancelObserver) CacheSize(int64, int)                  {}

func TestSubmit_CancelAfterLastItemCompletes(t *testing.T) {
	f := newFakeFetcher()
	refs := []string{"x", "y", "x"}
	for _, ref := range refs {
		f.add(ref, gradientJPEG(t, 32, 32))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &cancelObserver{n: 2, cancel: cancel}
	c := newTestCache(t, f, func(o *Options) { o.Observer = obs })

	events := collect(c.Submit(ctx, refs))
	assertWellFormed(t, events)
	if ctx.Err() == nil {
		t.Fatal("context was not cancelled")
	}
	last := events[len(events)-1]
	if last.Kind != KindComplete || last.Succeeded != 3 || last.Failed != 0 {
		t.Errorf("last = %v, want Complete with 3 succeeded", last)
	}
}

func TestSubmit_EmitsEveryNth(t *testing.T) {
	f := newFakeFetcher()
	img := gradientJPEG(t, 32, 32)
	refs := make([]string, 12)
	for i := range refs {
		refs[i] = fmt.Sprintf("p-%02d", i)
		f.add(refs[i], img)
	}
	c := newTestCache(t, f, func(o *Options) {
		o.WorkerPoolSize = 1
		o.ProgressEmitEveryN = 5
	})

	var got []int
	c.SubmitAndWait(context.Background(), refs, func(p Progress) {
		if p.Kind == KindInProgress {
			got = append(got, p.Completed)
		}
	})

	// A lagging reader may see fewer events, never other ones.
	if len(got) == 0 || got[len(got)-1] != 12 {
		t.Fatalf("InProgress completed counts = %v, want to end at 12", got)
	}
	for i, n := range got {
		if n != 5 && n != 10 && n != 12 {
			t.Errorf("InProgress after %d items, want only 5, 10 and 12", n)
		}
		if i > 0 && n <= got[i-1] {
			t.Errorf("counts not increasing: %v", got)
		}
	}
}

func TestSubmit_Cancellation(t *testing.T) {
	f := newFakeFetcher()
	refs := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, ref := range refs {
		f.add(ref, gradientJPEG(t, 32, 32))
	}
	f.hook = func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := newTestCache(t, f, func(o *Options) { o.WorkerPoolSize = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Submit(ctx, refs)
	first := <-ch
	if first.Kind != KindStarting {
		t.Fatalf("first event = %v", first)
	}
	cancel()

	events := append([]Progress{first}, collect(ch)...)
	assertWellFormed(t, events)

	last := events[len(events)-1]
	if last.Kind != KindFailed || !IsCancelled(last) {
		t.Fatalf("last event = %v, want Failed by cancellation", last)
	}
	if last.Completed != 0 || last.Errors >= len(refs) {
		t.Errorf("partial counts = %v", last)
	}
	if _, err := os.Stat(c.store.LedgerPath()); err != nil {
		t.Errorf("ledger should be saved after cancellation: %v", err)
	}
}

func TestSubmit_LedgerSaveFailureFailsBatch(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 32, 32))
	c := newTestCache(t, f, nil)

	// A directory where the ledger file belongs makes the rename fail.
	if err := os.Mkdir(c.store.LedgerPath(), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.store.LedgerPath()+"/keep", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	p := c.SubmitAndWait(context.Background(), []string{"a"}, nil)
	if p.Kind != KindFailed || !strings.Contains(p.Reason, ErrBatch.Error()) {
		t.Errorf("batch = %v, want Failed with a batch error", p)
	}
	if p.Completed != 1 {
		t.Errorf("Completed = %d, want 1", p.Completed)
	}
}

func TestSubmit_SlowConsumerDoesNotStallWorkers(t *testing.T) {
	f := newFakeFetcher()
	img := gradientJPEG(t, 32, 32)
	refs := make([]string, 20)
	for i := range refs {
		refs[i] = fmt.Sprintf("s-%02d", i)
		f.add(refs[i], img)
	}
	c := newTestCache(t, f, func(o *Options) { o.ProgressEmitEveryN = 1 })

	ch := c.Submit(context.Background(), refs)

	deadline := time.Now().Add(10 * time.Second)
	for c.Current().Kind != KindComplete {
		if time.Now().After(deadline) {
			t.Fatalf("batch did not finish without a reader, Current() = %v", c.Current())
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := collect(ch)
	assertWellFormed(t, events)
	var inProgress int
	for _, p := range events {
		if p.Kind == KindInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		t.Errorf("%d InProgress events reached a reader that lagged the whole batch, want them coalesced", inProgress)
	}
	if last := events[len(events)-1]; last.Succeeded != len(refs) {
		t.Errorf("last = %v", last)
	}
}

func TestSubmit_Empty(t *testing.T) {
	c := newTestCache(t, newFakeFetcher(), nil)
	events := collect(c.Submit(context.Background(), nil))
	if len(events) != 1 || events[0].Kind != KindComplete || events[0].Total != 0 {
		t.Errorf("events = %v, want one empty Complete", events)
	}
}

func TestGetCachedReference_EvictsMissingFile(t *testing.T) {
	f := newFakeFetcher()
	f.add("gone", gradientJPEG(t, 64, 64))
	f.add("kept", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"gone", "kept"}, nil)

	cached, ok := c.GetCachedReference("gone")
	if !ok {
		t.Fatal("gone should be cached")
	}
	if err := os.Remove(cached); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.GetCachedReference("gone"); ok {
		t.Error("GetCachedReference should miss after the file was deleted")
	}
	if c.IsCached("gone") {
		t.Error("IsCached should be false after eviction")
	}
	if _, ok := c.FileSizes()[cached]; ok {
		t.Error("size index still tracks the deleted file")
	}

	// The eviction reaches disk through the background saver.
	deadline := time.Now().Add(5 * time.Second)
	for {
		fresh := ledger.New(c.store.LedgerPath())
		if err := fresh.Load(); err == nil {
			_, stale := fresh.Get("gone")
			_, kept := fresh.Get("kept")
			if !stale && kept {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("evicted entry never left the ledger file")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetCachedReference_EvictsEmptyFile(t *testing.T) {
	f := newFakeFetcher()
	f.add("e", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"e"}, nil)

	cached, _ := c.GetCachedReference("e")
	if err := os.Truncate(cached, 0); err != nil {
		t.Fatal(err)
	}
	if c.IsCached("e") {
		t.Error("empty file should not count as cached")
	}
	if _, err := os.Stat(cached); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty cache file should be deleted, stat err = %v", err)
	}
}

func TestEvictAndForgetFile(t *testing.T) {
	f := newFakeFetcher()
	f.add("one", gradientJPEG(t, 64, 64))
	f.add("two", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"one", "two"}, nil)

	cachedOne, _ := c.GetCachedReference("one")
	if !c.Evict("one") {
		t.Error("Evict(one) = false")
	}
	if c.Evict("one") {
		t.Error("second Evict(one) = true")
	}
	if _, err := os.Stat(cachedOne); !errors.Is(err, os.ErrNotExist) {
		t.Error("Evict should delete the cached file")
	}

	cachedTwo, _ := c.GetCachedReference("two")
	if err := os.Remove(cachedTwo); err != nil {
		t.Fatal(err)
	}
	if n := c.ForgetFile(cachedTwo); n != 1 {
		t.Errorf("ForgetFile() = %d, want 1", n)
	}
	if c.TotalSize() != 0 || len(c.Entries()) != 0 {
		t.Errorf("TotalSize() = %d, Entries() = %v", c.TotalSize(), c.Entries())
	}
}

func TestForgetFile_IgnoresPresentFile(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"a"}, nil)

	cached, ok := c.GetCachedReference("a")
	if !ok {
		t.Fatal("a not cached")
	}
	size := c.TotalSize()

	// A removal event that lands after the file was written again.
	if n := c.ForgetFile(cached); n != 0 {
		t.Errorf("ForgetFile() = %d, want 0", n)
	}
	if _, err := os.Stat(cached); err != nil {
		t.Errorf("cached file deleted: %v", err)
	}
	if !c.IsCached("a") {
		t.Error("IsCached(a) = false after ForgetFile on a present file")
	}
	if c.TotalSize() != size {
		t.Errorf("TotalSize() = %d, want %d", c.TotalSize(), size)
	}
}

func TestForgetFile_AfterCleanupAndResubmit(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"a"}, nil)
	cached, _ := c.GetCachedReference("a")

	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p := c.SubmitAndWait(context.Background(), []string{"a"}, nil); p.Succeeded != 1 {
		t.Fatalf("resubmit = %v", p)
	}

	// The watcher reports the cleanup removal only now.
	c.ForgetFile(cached)
	if got, ok := c.GetCachedReference("a"); !ok || got != cached {
		t.Errorf("GetCachedReference(a) = %q, %v; want %q, true", got, ok, cached)
	}
}

func TestEvict_StaleMappingLeavesNewEntry(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"a"}, nil)
	cached, _ := c.GetCachedReference("a")

	c.evict("a", cached+".stale", "missing")
	if !c.IsCached("a") {
		t.Error("evict with a stale cached reference removed the current entry")
	}
	if _, err := os.Stat(cached); err != nil {
		t.Errorf("cached file deleted: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	f.add("b", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)
	c.SubmitAndWait(context.Background(), []string{"a", "b"}, nil)

	files := c.ListAllCachedReferences()
	if len(files) != 2 {
		t.Fatalf("ListAllCachedReferences() = %v", files)
	}

	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	for _, path := range files {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s survived cleanup", path)
		}
	}
	if c.TotalSize() != 0 || len(c.FileSizes()) != 0 || len(c.Entries()) != 0 {
		t.Error("indexes not cleared")
	}

	fresh := ledger.New(c.store.LedgerPath())
	if err := fresh.Load(); err != nil {
		t.Fatalf("ledger should exist after cleanup: %v", err)
	}
	if fresh.Len() != 0 {
		t.Errorf("persisted ledger has %d entries", fresh.Len())
	}

	// Cached again from scratch.
	if p := c.SubmitAndWait(context.Background(), []string{"a"}, nil); p.Succeeded != 1 {
		t.Errorf("resubmit after cleanup = %v", p)
	}
}

func TestLoad_RestoresState(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	f.add("b", gradientJPEG(t, 64, 64))

	dir := t.TempDir()
	store, err := blobstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	c := New(store, f, DefaultOptions())
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.SubmitAndWait(context.Background(), []string{"a", "b"}, nil)
	wantTotal := c.TotalSize()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	// A foreign file in the directory is not part of the cache.
	if err := os.WriteFile(dir+"/notes.txt", []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	restarted := New(store, f, DefaultOptions())
	defer restarted.Close()
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if restarted.TotalSize() != wantTotal {
		t.Errorf("TotalSize() after restart = %d, want %d", restarted.TotalSize(), wantTotal)
	}
	if !restarted.IsCached("a") || !restarted.IsCached("b") {
		t.Error("entries lost across restart")
	}
}

func TestLoad_CorruptLedgerStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := blobstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.LedgerPath(), []byte("\x00\x01 garbage\nno separator here\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(store, newFakeFetcher(), DefaultOptions())
	defer c.Close()
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(c.Entries()) != 0 {
		t.Errorf("Entries() = %v", c.Entries())
	}
}

func TestSubscribeSizes(t *testing.T) {
	f := newFakeFetcher()
	f.add("a", gradientJPEG(t, 64, 64))
	c := newTestCache(t, f, nil)

	ch, cancel := c.SubscribeSizes()
	if v := <-ch; v != 0 {
		t.Errorf("initial size = %d, want 0", v)
	}

	c.SubmitAndWait(context.Background(), []string{"a"}, nil)
	select {
	case v := <-ch:
		if v != c.TotalSize() || v == 0 {
			t.Errorf("published size = %d, want %d", v, c.TotalSize())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no size update after caching")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{fmt.Errorf("%w: timeout", ErrFetch), "fetch"},
		{fmt.Errorf("wrapped: %w", ErrDecode), "decode"},
		{ErrEncode, "encode"},
		{fmt.Errorf("%w: disk", ErrIO), "io"},
		{ErrBatch, "batch"},
		{errors.New("mystery"), "other"},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
