package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"photocache/internal/transcode"

	"github.com/google/uuid"
)

const (
	// historyTimeout bounds how long a finished batch waits on its record.
	historyTimeout = 5 * time.Second
	// maxSharedRetries bounds how often process restarts a shared attempt
	// that another caller cancelled.
	maxSharedRetries = 3
)

// batch holds the counters of one Submit call. Only the collector
// goroutine touches them once the pool is running.
type batch struct {
	id      string
	started time.Time
	mb      *mailbox

	total         int
	alreadyCached int
	succeeded     int
	failed        int
	lastItemSize  int64
}

func (b *batch) completed() int { return b.alreadyCached + b.succeeded }

func (b *batch) progress(kind Kind) Progress {
	done := b.completed() + b.failed
	return Progress{
		Kind:          kind,
		BatchID:       b.id,
		Total:         b.total,
		Completed:     b.completed(),
		Errors:        b.failed,
		Fraction:      fraction(done, b.total),
		LastItemSize:  b.lastItemSize,
		Succeeded:     b.succeeded,
		Failed:        b.failed,
		AlreadyCached: b.alreadyCached,
	}
}

// Submit caches refs in the background and returns the batch's progress
// stream. The stream starts with Starting (unless every reference is
// already cached), carries InProgress events, ends with exactly one
// Complete or Failed event and is then closed. The caller must drain it.
//
// Cancelling ctx stops dispatching new references; items in flight see
// the cancellation through their fetch. The ledger is still saved and the
// stream ends with Failed, unless every reference had already finished
// when the cancellation arrived.
func (c *Cache) Submit(ctx context.Context, refs []string) <-chan Progress {
	out := make(chan Progress)
	b := &batch{
		id:      uuid.NewString(),
		started: time.Now(),
		mb:      newMailbox(),
		total:   len(refs),
	}
	go b.mb.forward(out)
	go c.run(ctx, b, refs)
	return out
}

// SubmitAndWait runs a batch to completion and returns its terminal event.
// onProgress, if set, sees every event in order.
func (c *Cache) SubmitAndWait(ctx context.Context, refs []string, onProgress func(Progress)) Progress {
	var last Progress
	for p := range c.Submit(ctx, refs) {
		if onProgress != nil {
			onProgress(p)
		}
		last = p
	}
	return last
}

func (c *Cache) emit(b *batch, p Progress) {
	c.current.Store(&p)
	b.mb.put(p)
}

func (c *Cache) run(ctx context.Context, b *batch, refs []string) {
	defer b.mb.close()

	// Duplicates collapse to one job; counts keeps how many references
	// each job stands for.
	counts := make(map[string]int)
	cached := make(map[string]bool)
	var jobs []string
	for _, ref := range refs {
		if cached[ref] {
			b.alreadyCached++
			continue
		}
		if counts[ref] == 0 {
			if _, ok := c.GetCachedReference(ref); ok {
				cached[ref] = true
				b.alreadyCached++
				continue
			}
			jobs = append(jobs, ref)
		}
		counts[ref]++
	}

	if c.opts.Observer != nil {
		c.opts.Observer.BatchStarted(b.total, b.alreadyCached)
	}

	if len(jobs) == 0 {
		p := b.progress(KindComplete)
		p.TotalCacheSize = c.sizes.Total()
		log.Info("batch %s: all %d references already cached", b.id, b.total)
		c.finish(ctx, b, p)
		return
	}

	log.Info("batch %s: caching %d references (%d unique, %d already cached) with %d workers",
		b.id, b.total-b.alreadyCached, len(jobs), b.alreadyCached, c.opts.WorkerPoolSize)
	c.emit(b, b.progress(KindStarting))

	pending := b.total - b.alreadyCached
	processed := 0
	interrupted := false
	every := c.opts.ProgressEmitEveryN

	for r := range c.dispatch(ctx, jobs) {
		n := counts[r.Original]
		if r.Err != nil {
			b.failed += n
			if ctx.Err() != nil && isContextErr(r.Err) {
				interrupted = true
			}
			log.Warn("batch %s: %s failed (%s): %v", b.id, r.Original, Classify(r.Err), r.Err)
		} else {
			b.succeeded += n
			b.lastItemSize = r.Size
		}

		prev := processed
		processed += n
		if processed/every > prev/every || processed == pending {
			c.emit(b, b.progress(KindInProgress))
		}
	}

	saveErr := c.ledger.Save()

	var p Progress
	switch {
	case saveErr != nil:
		err := fmt.Errorf("%w: save ledger: %v", ErrBatch, saveErr)
		log.Error("batch %s: %v", b.id, err)
		p = b.progress(KindFailed)
		p.Reason = err.Error()
	case ctx.Err() != nil && (processed < pending || interrupted):
		log.Warn("batch %s cancelled after %d of %d references", b.id, processed, pending)
		p = b.progress(KindFailed)
		p.Reason = ctx.Err().Error()
	default:
		p = b.progress(KindComplete)
		p.TotalCacheSize = c.sizes.Total()
		log.Info("batch %s complete in %v: %d succeeded, %d failed, %d already cached, %d bytes cached",
			b.id, time.Since(b.started).Round(time.Millisecond), b.succeeded, b.failed, b.alreadyCached, p.TotalCacheSize)
	}
	c.finish(ctx, b, p)
}

// finish emits the terminal event and records the batch.
func (c *Cache) finish(ctx context.Context, b *batch, p Progress) {
	c.emit(b, p)

	if c.opts.Observer != nil {
		c.opts.Observer.BatchFinished(p, time.Since(b.started))
	}
	if c.opts.History == nil {
		return
	}

	rec := BatchRecord{
		ID:             b.id,
		StartedAt:      b.started,
		FinishedAt:     time.Now(),
		State:          p.Kind,
		Total:          b.total,
		Succeeded:      b.succeeded,
		Failed:         b.failed,
		AlreadyCached:  b.alreadyCached,
		TotalCacheSize: c.sizes.Total(),
		Reason:         p.Reason,
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := c.opts.History.RecordBatch(hctx, rec); err != nil {
		log.Warn("failed to record batch %s: %v", b.id, err)
	}
}

// dispatch feeds jobs to a fixed pool of workers and returns their results.
// The results channel is closed after every dispatched job has reported.
func (c *Cache) dispatch(ctx context.Context, jobs []string) <-chan Result {
	size := min(c.opts.WorkerPoolSize, len(jobs))
	queue := make(chan string)
	results := make(chan Result, size)

	var wg sync.WaitGroup
	for i := 0; i < size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range queue {
				start := time.Now()
				r := c.process(ctx, ref)
				if c.opts.Observer != nil {
					c.opts.Observer.ItemProcessed(r, time.Since(start))
				}
				results <- r
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, ref := range jobs {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case queue <- ref:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// process caches one reference. Concurrent calls for the same reference,
// from this batch or another, share one fetch and transcode. Each caller
// waits on its own ctx; a shared attempt that failed only because another
// caller's ctx was cancelled is retried under this caller's ctx.
func (c *Cache) process(ctx context.Context, ref string) Result {
	for attempt := 0; ; attempt++ {
		ch := c.flight.DoChan(ref, func() (any, error) {
			if cached, ok := c.GetCachedReference(ref); ok {
				size, _ := c.sizes.Get(cached)
				return Result{Original: ref, Cached: cached, Size: size}, nil
			}
			return c.cacheOne(ctx, ref), nil
		})

		var r Result
		select {
		case <-ctx.Done():
			return Result{Original: ref, Err: fmt.Errorf("%w: %w", ErrFetch, ctx.Err())}
		case res := <-ch:
			r = res.Val.(Result)
		}

		if r.Err == nil || ctx.Err() != nil || attempt >= maxSharedRetries || !isContextErr(r.Err) {
			return r
		}
		log.Debug("retrying %s: shared attempt was cancelled by another batch", ref)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) cacheOne(ctx context.Context, ref string) Result {
	fail := func(err error) Result {
		return Result{Original: ref, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrFetch, err))
	}
	data, err := c.fetcher.Fetch(ctx, ref)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrFetch, err))
	}
	if len(data) == 0 {
		return fail(fmt.Errorf("%w: empty source", ErrFetch))
	}

	if c.opts.Throttle != nil && !c.opts.Throttle.WaitIfPaused() {
		return fail(fmt.Errorf("%w: memory monitor stopped", ErrIO))
	}

	w, h := c.opts.Display.DisplaySize()
	path := c.store.ResolvePath(ref)
	out, err := c.transcoder.TranscodeTo(c.store, path, data, transcode.Size{Width: w, Height: h})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrIO, err))
	}
	if out.Fallback {
		log.Debug("cached %s unchanged: %v", ref, out.OptimizeErr)
	}

	c.ledger.Put(ref, path)
	c.sizes.Set(path, out.Size)
	c.publishSize()

	return Result{Original: ref, Cached: path, Size: out.Size, Fallback: out.Fallback}
}

// IsCancelled reports whether a terminal event was caused by cancellation.
func IsCancelled(p Progress) bool {
	return p.Kind == KindFailed &&
		(p.Reason == context.Canceled.Error() || p.Reason == context.DeadlineExceeded.Error())
}
