// Package sizeindex tracks the byte size of every cached file and the
// running total. It is rebuilt from a directory scan at startup and never
// persisted.
package sizeindex

import (
	"sync"
	"sync/atomic"
)

// Scanner enumerates cached files with their sizes. blobstore.Store
// implements it.
type Scanner interface {
	Scan(fn func(path string, size int64)) error
}

// Index maps cached reference → size. Total is maintained incrementally so
// reading it never walks the map.
type Index struct {
	mu    sync.RWMutex
	sizes map[string]int64
	total atomic.Int64
}

// New returns an empty index.
func New() *Index {
	return &Index{sizes: make(map[string]int64)}
}

// Set records size for ref, replacing any previous value. Negative sizes
// are stored as 0.
func (x *Index) Set(ref string, size int64) {
	if size < 0 {
		size = 0
	}
	x.mu.Lock()
	prev := x.sizes[ref]
	x.sizes[ref] = size
	x.total.Add(size - prev)
	x.mu.Unlock()
}

// Remove drops ref and returns the size it had.
func (x *Index) Remove(ref string) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	size, ok := x.sizes[ref]
	if !ok {
		return 0
	}
	delete(x.sizes, ref)
	x.total.Add(-size)
	return size
}

// Get returns the recorded size of ref.
func (x *Index) Get(ref string) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	size, ok := x.sizes[ref]
	return size, ok
}

// Total returns the sum of all recorded sizes.
func (x *Index) Total() int64 {
	return x.total.Load()
}

// Len returns the number of tracked files.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.sizes)
}

// Snapshot returns a copy of the per-file sizes.
func (x *Index) Snapshot() map[string]int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]int64, len(x.sizes))
	for k, v := range x.sizes {
		out[k] = v
	}
	return out
}

// Clear removes every entry.
func (x *Index) Clear() {
	x.mu.Lock()
	x.sizes = make(map[string]int64)
	x.total.Store(0)
	x.mu.Unlock()
}

// Rebuild replaces the index with the result of a directory scan. The new
// map is built off-lock and swapped in, so readers never see a half-built
// index. On scan error the previous contents are kept.
func (x *Index) Rebuild(s Scanner) error {
	sizes := make(map[string]int64)
	var total int64
	err := s.Scan(func(path string, size int64) {
		if size < 0 {
			size = 0
		}
		total += size - sizes[path]
		sizes[path] = size
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.sizes = sizes
	x.total.Store(total)
	x.mu.Unlock()
	return nil
}
